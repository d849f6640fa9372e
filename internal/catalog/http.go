package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("catalog")

// HTTPClient reads total stock from GET {base}/products/{id}/stock[?variation_id=].
// Concurrent lookups of the same key share one request.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	group   singleflight.Group
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
	}
}

type stockResponse struct {
	TotalStock int `json:"total_stock"`
}

func (c *HTTPClient) FetchTotalStock(ctx context.Context, key stock.Key) (int, error) {
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c *HTTPClient) fetch(ctx context.Context, key stock.Key) (int, error) {
	ctx, span := tracer.Start(ctx, "catalog.FetchTotalStock", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("product.id", key.ProductID), attribute.String("variation.id", key.VariationID))

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := fmt.Sprintf("%s/products/%s/stock", c.baseURL, url.PathEscape(key.ProductID))
	if key.VariationID != "" {
		u += "?variation_id=" + url.QueryEscape(key.VariationID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", stock.ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, stock.ErrProductNotFound
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("%w: status %d", stock.ErrCatalogUnavailable, resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	var body stockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", stock.ErrCatalogUnavailable, err)
	}
	if body.TotalStock < 0 {
		body.TotalStock = 0
	}
	return body.TotalStock, nil
}
