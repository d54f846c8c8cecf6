package app

import (
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/config"
	"github.com/buildtall-systems/ordersaga/internal/inventory"
	"github.com/buildtall-systems/ordersaga/internal/order"
)

// products splits the configured products into the order catalog and the
// inventory seed.
func products(cfg []config.ProductConfig) (order.StaticCatalog, []inventory.StockItem, error) {
	catalog := make([]order.Product, 0, len(cfg))
	stock := make([]inventory.StockItem, 0, len(cfg))
	for _, p := range cfg {
		price, err := p.PriceDecimal()
		if err != nil {
			return nil, nil, fmt.Errorf("product %d: %w", p.ID, err)
		}
		catalog = append(catalog, order.Product{ID: p.ID, Name: p.Name, Price: price})
		stock = append(stock, inventory.StockItem{ProductID: p.ID, Name: p.Name, Quantity: p.Stock})
	}
	return order.NewStaticCatalog(catalog...), stock, nil
}
