package cache

import (
	"net/url"
	"testing"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "resource only",
			key: Key{
				Resource: "categories",
			},
			want: "categories",
		},
		{
			name: "resource with slashes is trimmed",
			key: Key{
				Resource: "/products/",
			},
			want: "products",
		},
		{
			name: "resource with params",
			key: Key{
				Resource: "product",
				Params:   map[string]string{"id": "42"},
			},
			want: "product:id=42",
		},
		{
			name: "resource with multiple query params (sorted)",
			key: Key{
				Resource: "products",
				Query: url.Values{
					"page":     []string{"1"},
					"category": []string{"12"},
				},
			},
			want: "products:category=12:page=1",
		},
		{
			name: "multi-valued query param",
			key: Key{
				Resource: "products",
				Query: url.Values{
					"include": []string{"3", "7"},
				},
			},
			want: "products:include=3,7",
		},
		{
			name: "scoped resource",
			key: Key{
				Resource: "cart",
				Scope:    "customer-77",
			},
			want: "cart:scope=customer-77",
		},
		{
			name: "complex key with everything",
			key: Key{
				Resource: "product",
				Params:   map[string]string{"variation": "9", "id": "42"},
				Query:    url.Values{"lang": []string{"de"}},
				Scope:    "customer-77",
			},
			want: "product:id=42:variation=9:lang=de:scope=customer-77",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_String_Deterministic(t *testing.T) {
	key := Key{
		Resource: "products",
		Params:   map[string]string{"a": "1", "b": "2", "c": "3"},
		Query:    url.Values{"x": []string{"1"}, "y": []string{"2"}, "z": []string{"3"}},
	}

	first := key.String()
	for i := 0; i < 100; i++ {
		if got := key.String(); got != first {
			t.Fatalf("Key.String() not deterministic: %q != %q", got, first)
		}
	}
}
