package email

import (
	"fmt"
	"html"
	"strings"

	"github.com/example/ec-order-placement/internal/domain/order"
)

// ProcessedSubject is also the log line written when mail is disabled.
func ProcessedSubject(orderID string) string {
	return fmt.Sprintf("Order #%s Processed.", orderID)
}

// BuildOrderProcessedBody builds the HTML body for the order processed email
func BuildOrderProcessedBody(o *order.Order) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<h1 style="font-size: 22px;">Your order has been processed</h1>
	<table style="width: 100%%; border-collapse: collapse; margin: 20px 0;">
		<tr><td style="padding: 8px; color: #666;">Order</td><td style="padding: 8px; font-family: monospace;">%s</td></tr>
		<tr><td style="padding: 8px; color: #666;">Product</td><td style="padding: 8px; font-family: monospace;">%s</td></tr>
		<tr><td style="padding: 8px; color: #666;">Quantity</td><td style="padding: 8px;">%d</td></tr>
		<tr><td style="padding: 8px; color: #666;">Total</td><td style="padding: 8px; font-weight: bold;">%s</td></tr>
	</table>
	<p style="font-size: 12px; color: #999;">This message was sent automatically.</p>
</body>
</html>`, html.EscapeString(o.ID), html.EscapeString(o.ProductID), o.Quantity, FormatMinor(o.TotalPrice))
}

// FormatMinor renders an amount in minor units as 1,234.56.
func FormatMinor(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%s.%02d", sign, formatNumber(n/100), n%100)
}

// formatNumber formats a number with comma separators
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	remainder := len(str) % 3
	if remainder > 0 {
		result.WriteString(str[:remainder])
		result.WriteString(",")
	}

	for i := remainder; i < len(str); i += 3 {
		result.WriteString(str[i : i+3])
		if i+3 < len(str) {
			result.WriteString(",")
		}
	}

	return result.String()
}
