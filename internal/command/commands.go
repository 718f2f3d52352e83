package command

// Order Commands
type PlaceOrder struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Product Commands
type CreateProduct struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock int    `json:"stock"`
}

// UpdateProduct overwrites the fields that are set.
type UpdateProduct struct {
	ProductID string  `json:"product_id"`
	Name      *string `json:"name,omitempty"`
	Price     *int64  `json:"price,omitempty"`
	Stock     *int    `json:"stock,omitempty"`
}

type DeleteProduct struct {
	ProductID string `json:"product_id"`
}
