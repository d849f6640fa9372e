package httpx

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/catalog"
	"github.com/ariefcatur/go-stock-reservations/internal/inventory"
	"github.com/ariefcatur/go-stock-reservations/internal/lock"
	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	router *chi.Mux
	locks  *lock.MemoryLock
	cat    *catalog.Static
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := stock.NewMemoryStore()
	locks := lock.NewMemoryLock()
	cat := catalog.NewStatic()
	cat.Set(stock.Key{ProductID: "p1"}, 5)
	cat.Set(stock.Key{ProductID: "p1", VariationID: "red"}, 2)

	mgr := inventory.NewManager(store, locks, cat, inventory.Config{MaxActivePerOwner: 3})
	r := NewRouter(zerolog.Nop(), metrics.New("stock").Handler(), map[string]Pinger{"store": store})
	(&StockHandler{Manager: mgr, Query: inventory.NewQueryService(store, cat, nil, zerolog.Nop())}).Register(r)
	return &testAPI{router: r, locks: locks, cat: cat}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) reserve(t *testing.T, req ReserveReq) ReserveResp {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/reservations", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ReserveResp](t, rec)
}

func TestReserveConfirmReleaseFlow(t *testing.T) {
	api := newTestAPI(t)

	a := api.reserve(t, ReserveReq{ProductID: "p1", Quantity: 2, SessionID: "s1"})
	assert.NotEmpty(t, a.ReservationID)
	assert.False(t, a.ExpiresAt.IsZero())
	b := api.reserve(t, ReserveReq{ProductID: "p1", Quantity: 2, UserID: "u1"})

	rec := api.do(t, http.MethodGet, "/stock/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stock.Snapshot{ProductID: "p1", TotalStock: 5, AvailableStock: 1, ReservedStock: 4}, decode[stock.Snapshot](t, rec))

	rec = api.do(t, http.MethodPost, "/reservations/"+a.ReservationID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SuccessResp](t, rec).Success)

	rec = api.do(t, http.MethodPost, "/confirm", ConfirmReq{ReservationID: a.ReservationID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[SuccessResp](t, rec).Success)

	rec = api.do(t, http.MethodDelete, "/reservations/"+b.ReservationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SuccessResp](t, rec).Success)

	rec = api.do(t, http.MethodGet, "/stock/p1", nil)
	assert.Equal(t, stock.Snapshot{ProductID: "p1", TotalStock: 5, AvailableStock: 3}, decode[stock.Snapshot](t, rec))

	rec = api.do(t, http.MethodGet, "/stock/p1/audit?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[[]stock.AuditEntry](t, rec)
	require.Len(t, audit, 2)
	assert.Equal(t, stock.ChangeReservationReleased, audit[0].ChangeType)
}

func TestReserveErrors(t *testing.T) {
	api := newTestAPI(t)

	api.reserve(t, ReserveReq{ProductID: "p1", VariationID: "red", Quantity: 1, SessionID: "s1"})
	rec := api.do(t, http.MethodPost, "/reservations", ReserveReq{ProductID: "p1", VariationID: "red", Quantity: 2, SessionID: "s2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	e := decode[ErrorResp](t, rec)
	assert.Equal(t, "INSUFFICIENT_STOCK", e.Error)
	require.NotNil(t, e.AvailableStock)
	assert.Equal(t, 1, *e.AvailableStock)

	rec = api.do(t, http.MethodPost, "/reservations", ReserveReq{ProductID: "p1", Quantity: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResp](t, rec).Error)

	rec = api.do(t, http.MethodPost, "/reservations", ReserveReq{ProductID: "nope", Quantity: 1, SessionID: "s1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reservations", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 2; i++ {
		api.reserve(t, ReserveReq{ProductID: "p1", Quantity: 1, SessionID: "s1"})
	}
	rec = api.do(t, http.MethodPost, "/reservations", ReserveReq{ProductID: "p1", Quantity: 1, SessionID: "s1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "LIMIT_EXCEEDED", decode[ErrorResp](t, rec).Error)
}

func TestReserveLockBusy(t *testing.T) {
	api := newTestAPI(t)
	release, ok, err := api.locks.TryAcquire(context.Background(), "p1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	rec := api.do(t, http.MethodPost, "/reservations", ReserveReq{ProductID: "p1", Quantity: 1, SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "LOCK_BUSY", decode[ErrorResp](t, rec).Error)
}

func TestConfirmUnknownReservation(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/reservations/missing/confirm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode[SuccessResp](t, rec).Success)

	rec = api.do(t, http.MethodPost, "/confirm", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReservationsAndResync(t *testing.T) {
	api := newTestAPI(t)
	api.reserve(t, ReserveReq{ProductID: "p1", Quantity: 1, UserID: "u1"})

	rec := api.do(t, http.MethodGet, "/reservations?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]stock.Reservation](t, rec), 1)

	rec = api.do(t, http.MethodGet, "/reservations?session_id=nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = api.do(t, http.MethodGet, "/reservations", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	api.cat.Set(stock.Key{ProductID: "p1"}, 9)
	rec = api.do(t, http.MethodPost, "/stock/p1/resync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8, decode[stock.Snapshot](t, rec).AvailableStock)

	rec = api.do(t, http.MethodGet, "/stock/p1/audit?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	r := NewRouter(zerolog.Nop(), nil, map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
