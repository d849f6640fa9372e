package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/products/{id}/stock", func(w http.ResponseWriter, r *http.Request) {
		switch id := chi.URLParam(r, "id"); id {
		case "p1":
			if r.URL.Query().Get("variation_id") == "red" {
				_, _ = w.Write([]byte(`{"total_stock":3}`))
				return
			}
			_, _ = w.Write([]byte(`{"total_stock":12}`))
		case "negative":
			_, _ = w.Write([]byte(`{"total_stock":-4}`))
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
		case "slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"total_stock":1}`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientFetchTotalStock(t *testing.T) {
	srv := newCatalogServer(t)
	c := NewHTTPClient(srv.URL, time.Second)
	ctx := context.Background()

	n, err := c.FetchTotalStock(ctx, stock.Key{ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = c.FetchTotalStock(ctx, stock.Key{ProductID: "p1", VariationID: "red"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = c.FetchTotalStock(ctx, stock.Key{ProductID: "negative"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHTTPClientErrors(t *testing.T) {
	srv := newCatalogServer(t)
	c := NewHTTPClient(srv.URL, 50*time.Millisecond)
	ctx := context.Background()

	_, err := c.FetchTotalStock(ctx, stock.Key{ProductID: "unknown"})
	assert.ErrorIs(t, err, stock.ErrProductNotFound)

	_, err = c.FetchTotalStock(ctx, stock.Key{ProductID: "broken"})
	assert.ErrorIs(t, err, stock.ErrCatalogUnavailable)

	_, err = c.FetchTotalStock(ctx, stock.Key{ProductID: "slow"})
	assert.ErrorIs(t, err, stock.ErrCatalogUnavailable)
}

func TestStaticCatalog(t *testing.T) {
	c := NewStatic()
	c.Set(stock.Key{ProductID: "p1"}, 4)

	n, err := c.FetchTotalStock(context.Background(), stock.Key{ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = c.FetchTotalStock(context.Background(), stock.Key{ProductID: "p2"})
	assert.ErrorIs(t, err, stock.ErrProductNotFound)
	assert.Equal(t, 2, c.Calls())
}
