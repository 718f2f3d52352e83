package product

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidPrice    = errors.New("price must not be negative")
	ErrInvalidName     = errors.New("name is required")
	ErrInvalidStock    = errors.New("stock must not be negative")
	ErrProductInUse    = errors.New("product is referenced by orders")
)

const maxNameLength = 255

// Product is a sellable item. Price is in minor currency units. Stock is the
// authoritative available quantity and only moves through the stock ledger.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Stock     int       `json:"stock"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New validates the fields and returns a product with a fresh identifier.
func New(name string, price int64, stock int, now time.Time) (*Product, error) {
	p := &Product{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		Price:     price,
		Stock:     stock,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Product) Validate() error {
	if p.Name == "" || len(p.Name) > maxNameLength {
		return ErrInvalidName
	}
	if p.Price < 0 {
		return ErrInvalidPrice
	}
	if p.Stock < 0 {
		return ErrInvalidStock
	}
	return nil
}

// Patch lists the fields an administrative update overwrites. Nil fields keep
// whatever is stored, so a patch without Stock never touches the live count.
type Patch struct {
	Name  *string
	Price *int64
	Stock *int
}

func (pt Patch) Validate() error {
	if pt.Name != nil && (*pt.Name == "" || len(*pt.Name) > maxNameLength) {
		return ErrInvalidName
	}
	if pt.Price != nil && *pt.Price < 0 {
		return ErrInvalidPrice
	}
	if pt.Stock != nil && *pt.Stock < 0 {
		return ErrInvalidStock
	}
	return nil
}

// Apply writes the set fields onto p.
func (pt Patch) Apply(p *Product) {
	if pt.Name != nil {
		p.Name = *pt.Name
	}
	if pt.Price != nil {
		p.Price = *pt.Price
	}
	if pt.Stock != nil {
		p.Stock = *pt.Stock
	}
}
