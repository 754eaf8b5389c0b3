// Package catalog answers product and location existence checks for
// the ledger. Master data itself lives elsewhere; the ledger only ever
// asks whether an id is real.
package catalog

import "context"

// Static answers existence checks from fixed id sets. Embedded
// deployments and tests use it.
type Static struct {
	products  map[int64]struct{}
	locations map[int64]struct{}
}

// NewStatic builds a catalog from the given product and location ids.
func NewStatic(products, locations []int64) *Static {
	c := &Static{
		products:  make(map[int64]struct{}, len(products)),
		locations: make(map[int64]struct{}, len(locations)),
	}
	for _, id := range products {
		c.products[id] = struct{}{}
	}
	for _, id := range locations {
		c.locations[id] = struct{}{}
	}
	return c
}

// ProductExists reports whether the product id is known.
func (c *Static) ProductExists(ctx context.Context, productID int64) (bool, error) {
	_, ok := c.products[productID]
	return ok, nil
}

// LocationExists reports whether the location id is known.
func (c *Static) LocationExists(ctx context.Context, locationID int64) (bool, error) {
	_, ok := c.locations[locationID]
	return ok, nil
}
