package order

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry.
type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
}

// Catalog resolves product details for new orders.
type Catalog interface {
	Product(ctx context.Context, productID int64) (Product, bool, error)
}

// StaticCatalog is a fixed in-memory catalog.
type StaticCatalog map[int64]Product

func NewStaticCatalog(products ...Product) StaticCatalog {
	c := make(StaticCatalog, len(products))
	for _, p := range products {
		c[p.ID] = p
	}
	return c
}

func (c StaticCatalog) Product(_ context.Context, productID int64) (Product, bool, error) {
	p, ok := c[productID]
	return p, ok, nil
}
