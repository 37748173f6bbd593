package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-fetch/pkg/fetch"
)

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var (
		category string
		search   string
	)

	cmd := &cobra.Command{
		Use:   "fetch <categories|products|product> [id]",
		Short: "Fetch one resource through the fetch layer and print it as JSON",
		Example: `  storefront-proxy fetch categories
  storefront-proxy fetch products --category 12
  storefront-proxy fetch product 42`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			switch args[0] {
			case "categories":
				return printResult(out, a.categories(ctx, false))
			case "products":
				q := url.Values{}
				if category != "" {
					q.Set("category", category)
				}
				if search != "" {
					q.Set("search", search)
				}
				return printResult(out, a.products(ctx, q, false))
			case "product":
				if len(args) != 2 {
					return fmt.Errorf("product needs an id")
				}
				id, err := strconv.Atoi(args[1])
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid product id %q", args[1])
				}
				return printResult(out, a.product(ctx, id, false))
			default:
				return fmt.Errorf("unknown resource %q", args[0])
			}
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "filter products by category id")
	cmd.Flags().StringVar(&search, "search", "", "filter products by search term")
	return cmd
}

type fetchOutput struct {
	Source   fetch.Source `json:"source"`
	StoredAt time.Time    `json:"stored_at"`
	Error    string       `json:"error,omitempty"`
	Value    any          `json:"value"`
}

func printResult[T any](w io.Writer, res fetch.Result[T]) error {
	if res.Source == "" {
		return res.Err
	}

	out := fetchOutput{
		Source:   res.Source,
		StoredAt: res.StoredAt,
		Value:    res.Value,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
