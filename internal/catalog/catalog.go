package catalog

import (
	"errors"
	"sort"

	"soundswap/internal/models"

	"github.com/shopspring/decimal"
)

var ErrUnknownProduct = errors.New("unknown product")

type Product struct {
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	CreditType   models.CreditType `json:"credit_type"`
	CreditAmount int64             `json:"credit_amount"`
	Price        decimal.Decimal   `json:"price"`
	Currency     string            `json:"currency"`
}

// Catalog is the read-only product list credit purchases resolve against.
type Catalog struct {
	products map[string]Product
}

func New(products []Product) (*Catalog, error) {
	byKey := make(map[string]Product, len(products))
	for _, product := range products {
		if product.Key == "" || !product.CreditType.Valid() || product.CreditAmount <= 0 {
			return nil, errors.New("invalid product definition: " + product.Key)
		}
		if product.Price.IsNegative() {
			return nil, errors.New("negative price for product: " + product.Key)
		}
		if _, exists := byKey[product.Key]; exists {
			return nil, errors.New("duplicate product key: " + product.Key)
		}
		byKey[product.Key] = product
	}
	return &Catalog{products: byKey}, nil
}

// Default returns the SoundSwap credit packs.
func Default() *Catalog {
	c, err := New([]Product{
		{Key: "cover_starter", Name: "Cover Art Starter", CreditType: models.CreditCoverArt, CreditAmount: 10, Price: mustPrice("4.99"), Currency: "USD"},
		{Key: "cover_creator", Name: "Cover Art Creator", CreditType: models.CreditCoverArt, CreditAmount: 25, Price: mustPrice("9.99"), Currency: "USD"},
		{Key: "cover_pro", Name: "Cover Art Pro", CreditType: models.CreditCoverArt, CreditAmount: 100, Price: mustPrice("29.99"), Currency: "USD"},
		{Key: "video_single", Name: "Lyric Video Single", CreditType: models.CreditLyricVideo, CreditAmount: 1, Price: mustPrice("9.99"), Currency: "USD"},
		{Key: "video_pack", Name: "Lyric Video Pack", CreditType: models.CreditLyricVideo, CreditAmount: 5, Price: mustPrice("39.99"), Currency: "USD"},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Resolve(productKey string) (Product, error) {
	product, ok := c.products[productKey]
	if !ok {
		return Product{}, ErrUnknownProduct
	}
	return product, nil
}

// List returns the products ordered by credit type, then amount.
func (c *Catalog) List() []Product {
	products := make([]Product, 0, len(c.products))
	for _, product := range c.products {
		products = append(products, product)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].CreditType != products[j].CreditType {
			return products[i].CreditType < products[j].CreditType
		}
		return products[i].CreditAmount < products[j].CreditAmount
	})
	return products
}

// PriceMatches reports whether a paid amount in the product currency equals the list price.
func (p Product) PriceMatches(amount decimal.Decimal, currency string) bool {
	if currency != "" && currency != p.Currency {
		return false
	}
	return amount.Round(2).Equal(p.Price.Round(2))
}

func mustPrice(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}
