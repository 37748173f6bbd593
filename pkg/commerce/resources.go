package commerce

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/storefront-fetch/pkg/cache"
	"github.com/Sternrassler/storefront-fetch/pkg/fetch"
)

// API paths relative to Config.BaseURL.
const (
	PathCategories = "/products/categories"
	PathProducts   = "/products"
)

// Image is a product or category image.
type Image struct {
	ID  int    `json:"id"`
	Src string `json:"src"`
	Alt string `json:"alt,omitempty"`
}

// Category is a product category.
type Category struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Parent int    `json:"parent"`
	Count  int    `json:"count"`
	Image  *Image `json:"image,omitempty"`
}

// CategoryRef is the short category form embedded in products.
type CategoryRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Product is a catalogue product. Prices are decimal strings as the API
// sends them.
type Product struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	Slug         string        `json:"slug"`
	Permalink    string        `json:"permalink,omitempty"`
	Price        string        `json:"price"`
	RegularPrice string        `json:"regular_price,omitempty"`
	SalePrice    string        `json:"sale_price,omitempty"`
	StockStatus  string        `json:"stock_status,omitempty"`
	Categories   []CategoryRef `json:"categories,omitempty"`
	Images       []Image       `json:"images,omitempty"`
}

// Loader returns a fetch loader that GETs path once and decodes it into T.
func Loader[T any](c *Client, path string, query url.Values) fetch.Loader[T] {
	return func(ctx context.Context) (T, error) {
		var out T
		h, err := c.GetJSON(ctx, path, query, &out)
		if err != nil {
			return out, err
		}
		c.applyCacheHeaders(ctx, h)
		return out, nil
	}
}

// PagedLoader returns a fetch loader that collects every page of path.
func PagedLoader[T any](c *Client, path string, query url.Values, cfg PageConfig) fetch.Loader[[]T] {
	return func(ctx context.Context) ([]T, error) {
		return FetchAllPages[T](ctx, c, path, query, cfg)
	}
}

func (c *Client) applyCacheHeaders(ctx context.Context, h http.Header) {
	if !c.config.RespectCacheHeaders || h == nil {
		return
	}
	if ttl, ok := CacheLifetime(h, time.Now()); ok {
		fetch.OverrideTTL(ctx, ttl)
	}
}

// CategoriesKey is the cache key of the full category list.
func CategoriesKey() string {
	return cache.Key{Resource: "categories"}.String()
}

// ProductsKey is the cache key of a product listing.
func ProductsKey(query url.Values) string {
	return cache.Key{Resource: "products", Query: query}.String()
}

// ProductKey is the cache key of a single product.
func ProductKey(id int) string {
	return cache.Key{Resource: "product", Params: map[string]string{"id": strconv.Itoa(id)}}.String()
}

// CategoriesLoader loads every category.
func (c *Client) CategoriesLoader() fetch.Loader[[]Category] {
	return PagedLoader[Category](c, PathCategories, nil, DefaultPageConfig())
}

// ProductsLoader loads one product listing page as filtered by query.
func (c *Client) ProductsLoader(query url.Values) fetch.Loader[[]Product] {
	return Loader[[]Product](c, PathProducts, query)
}

// ProductLoader loads a single product.
func (c *Client) ProductLoader(id int) fetch.Loader[Product] {
	return Loader[Product](c, PathProducts+"/"+strconv.Itoa(id), nil)
}
