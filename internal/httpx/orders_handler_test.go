package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-virtual-checkout/internal/memstore"
	"github.com/ariefcatur/go-virtual-checkout/internal/metrics"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/ariefcatur/go-virtual-checkout/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// hookedService runs a one-shot hook after GetOrder has read the store and
// before the handler sees the result.
type hookedService struct {
	OrderService

	mu       sync.Mutex
	afterGet func()
}

func (h *hookedService) onNextGet(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterGet = f
}

func (h *hookedService) GetOrder(ctx context.Context, id int64) (orders.OrderView, error) {
	v, err := h.OrderService.GetOrder(ctx, id)
	h.mu.Lock()
	f := h.afterGet
	h.afterGet = nil
	h.mu.Unlock()
	if f != nil {
		f()
	}
	return v, err
}

type testServer struct {
	srv     *httptest.Server
	svc     *hookedService
	store   *memstore.Store
	mr      *miniredis.Miniredis
	metrics *metrics.ServerMetrics
	user    orders.User
	product orders.Product
}

func newTestServer(t *testing.T, credentials int) *testServer {
	t.Helper()
	st := memstore.New()
	svc := &orders.Service{Store: st, Policy: orders.DefaultPolicy()}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := prometheus.NewRegistry()
	sm := metrics.NewServerMetrics(reg, "test")
	r := NewRouter(sm)
	r.Handle("/metrics", metrics.Handler(reg))
	hooked := &hookedService{OrderService: svc}
	h := &OrdersHandler{
		Orders: hooked,
		Cache:  redisx.NewViewCache(rdb, 0),
		Idem:   &redisx.Idempotency{RDB: rdb},
	}
	h.Register(r)

	ts := &testServer{
		srv:     httptest.NewServer(r),
		svc:     hooked,
		store:   st,
		mr:      mr,
		metrics: sm,
		user:    st.AddUser(orders.User{Username: "alice", Active: true}),
		product: st.AddProduct(orders.Product{Name: "vpn", Price: decimal.RequireFromString("7.00")}),
	}
	t.Cleanup(ts.srv.Close)

	if credentials > 0 {
		secrets := make([]string, credentials)
		for i := range secrets {
			secrets[i] = "secret"
		}
		_, err := svc.StockCredentials(context.Background(), ts.product.ID, secrets)
		require.NoError(t, err)
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) createReq(qty int) CreateOrderReq {
	return CreateOrderReq{
		UserID: ts.user.ID,
		Items:  []orders.Line{{ProductID: ts.product.ID, Quantity: qty}},
	}
}

func TestCreateOrder_Created(t *testing.T) {
	ts := newTestServer(t, 3)

	resp := ts.do(t, http.MethodPost, "/orders", ts.createReq(2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	v := decodeBody[orders.OrderView](t, resp)
	assert.NotZero(t, v.ID)
	assert.Nil(t, v.Status)
	assert.True(t, decimal.RequireFromString("14").Equal(v.TotalAmount))
	require.Len(t, v.Items, 1)
	assert.Len(t, v.Items[0].Credentials, 2)
	assert.True(t, ts.mr.Exists("order_view:"+jsonID(v.ID)))
}

func TestCreateOrder_ShortageBody(t *testing.T) {
	ts := newTestServer(t, 1)

	resp := ts.do(t, http.MethodPost, "/orders", ts.createReq(2))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, ts.product.ID, body["product_id"])
	assert.EqualValues(t, 2, body["requested"])
	assert.EqualValues(t, 1, body["available"])
	assert.Contains(t, body["error"], "inventory shortage")
}

func TestCreateOrder_ShortageWithNoneAvailable(t *testing.T) {
	ts := newTestServer(t, 0)

	resp := ts.do(t, http.MethodPost, "/orders", ts.createReq(1))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Contains(t, body, "available")
	assert.EqualValues(t, 0, body["available"])
}

func TestCreateOrder_BadRequests(t *testing.T) {
	ts := newTestServer(t, 1)

	resp := ts.do(t, http.MethodPost, "/orders", CreateOrderReq{Items: []orders.Line{{ProductID: 1, Quantity: 1}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/orders", CreateOrderReq{UserID: ts.user.ID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/orders", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/orders", CreateOrderReq{
		UserID: ts.user.ID,
		Items:  []orders.Line{{ProductID: 9999, Quantity: 1}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateOrder_IdempotencyKeyReplays(t *testing.T) {
	ts := newTestServer(t, 3)

	first := ts.do(t, http.MethodPost, "/orders", ts.createReq(1), IdempotencyHeader, "abc")
	require.Equal(t, http.StatusCreated, first.StatusCode)
	v1 := decodeBody[orders.OrderView](t, first)

	second := ts.do(t, http.MethodPost, "/orders", ts.createReq(1), IdempotencyHeader, "abc")
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replay"))
	v2 := decodeBody[orders.OrderView](t, second)

	assert.Equal(t, v1.ID, v2.ID)
	p, _ := ts.store.Product(ts.product.ID)
	assert.Equal(t, 2, p.Stock)
}

func TestCreateOrder_FailedRequestFreesIdempotencyKey(t *testing.T) {
	ts := newTestServer(t, 1)

	resp := ts.do(t, http.MethodPost, "/orders", ts.createReq(2), IdempotencyHeader, "retry-me")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, ts.mr.Exists("idem:order:create:retry-me"))

	resp = ts.do(t, http.MethodPost, "/orders", ts.createReq(1), IdempotencyHeader, "retry-me")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCreateOrder_InFlightKeyConflicts(t *testing.T) {
	ts := newTestServer(t, 1)
	require.NoError(t, ts.mr.Set("idem:order:create:busy", "0"))

	resp := ts.do(t, http.MethodPost, "/orders", ts.createReq(1), IdempotencyHeader, "busy")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetOrder_ServesFromCacheAndStore(t *testing.T) {
	ts := newTestServer(t, 2)
	created := decodeBody[orders.OrderView](t, ts.do(t, http.MethodPost, "/orders", ts.createReq(1)))

	ts.mr.FlushAll()
	resp := ts.do(t, http.MethodGet, "/orders/"+jsonID(created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[orders.OrderView](t, resp)
	assert.Equal(t, created.Code, got.Code)
	assert.True(t, ts.mr.Exists("order_view:"+jsonID(created.ID)))

	resp = ts.do(t, http.MethodGet, "/orders/0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/orders/31337", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOrder_SlowReadDoesNotOverwriteNewerView(t *testing.T) {
	ts := newTestServer(t, 2)
	created := decodeBody[orders.OrderView](t, ts.do(t, http.MethodPost, "/orders", ts.createReq(1)))
	path := "/orders/" + jsonID(created.ID)
	ts.mr.FlushAll()

	// the order is cancelled after GET loaded it but before GET caches it
	ts.svc.onNextGet(func() {
		resp := ts.do(t, http.MethodPatch, path+"/status", SetStatusReq{Status: orders.StatusCancelled})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
	resp := ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stale := decodeBody[orders.OrderView](t, resp)
	assert.Nil(t, stale.Status)

	resp = ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[orders.OrderView](t, resp)
	require.NotNil(t, got.Status)
	assert.Equal(t, orders.StatusCancelled, *got.Status)
	require.Len(t, got.Items, 1)
	assert.Empty(t, got.Items[0].Credentials)
}

func TestGetOrder_DeletedOrderIsNotRecached(t *testing.T) {
	ts := newTestServer(t, 1)
	created := decodeBody[orders.OrderView](t, ts.do(t, http.MethodPost, "/orders", ts.createReq(1)))
	path := "/orders/" + jsonID(created.ID)
	ts.mr.FlushAll()

	ts.svc.onNextGet(func() {
		resp := ts.do(t, http.MethodDelete, path, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
	resp := ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReplaceItems(t *testing.T) {
	ts := newTestServer(t, 3)
	created := decodeBody[orders.OrderView](t, ts.do(t, http.MethodPost, "/orders", ts.createReq(2)))

	resp := ts.do(t, http.MethodPut, "/orders/"+jsonID(created.ID)+"/items", ReplaceItemsReq{
		Items: []orders.Line{{ProductID: ts.product.ID, Quantity: 1}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decodeBody[orders.OrderView](t, resp)
	assert.True(t, decimal.RequireFromString("7").Equal(v.TotalAmount))

	p, _ := ts.store.Product(ts.product.ID)
	assert.Equal(t, 2, p.Stock)
}

func TestSetStatusAndReplaceConflict(t *testing.T) {
	ts := newTestServer(t, 3)
	created := decodeBody[orders.OrderView](t, ts.do(t, http.MethodPost, "/orders", ts.createReq(1)))
	path := "/orders/" + jsonID(created.ID)

	resp := ts.do(t, http.MethodPatch, path+"/status", SetStatusReq{Status: "pending"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decodeBody[orders.OrderView](t, resp)
	require.NotNil(t, v.Status)
	assert.Equal(t, orders.StatusPending, *v.Status)

	resp = ts.do(t, http.MethodPut, path+"/items", ReplaceItemsReq{Items: []orders.Line{{ProductID: ts.product.ID, Quantity: 1}}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPatch, path+"/status", SetStatusReq{Status: "DRAFTED"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPatch, path+"/status", SetStatusReq{Status: orders.StatusCancelled})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cached, err := ts.mr.Get("order_view:" + jsonID(created.ID))
	require.NoError(t, err)
	assert.Contains(t, cached, `"CANCELLED"`)

	p, _ := ts.store.Product(ts.product.ID)
	assert.Equal(t, 3, p.Stock)
}

func TestDeleteOrder(t *testing.T) {
	ts := newTestServer(t, 2)
	created := decodeBody[orders.OrderView](t, ts.do(t, http.MethodPost, "/orders", ts.createReq(2)))
	path := "/orders/" + jsonID(created.ID)

	resp := ts.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	cached, err := ts.mr.Get("order_view:" + jsonID(created.ID))
	require.NoError(t, err)
	assert.Equal(t, "gone", cached)

	resp = ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	p, _ := ts.store.Product(ts.product.ID)
	assert.Equal(t, 2, p.Stock)
}

func TestListUserOrdersAndProducts(t *testing.T) {
	ts := newTestServer(t, 2)
	ts.do(t, http.MethodPost, "/orders", ts.createReq(1))
	ts.do(t, http.MethodPost, "/orders", ts.createReq(1))

	resp := ts.do(t, http.MethodGet, "/users/"+jsonID(ts.user.ID)+"/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]orders.OrderView](t, resp), 2)

	resp = ts.do(t, http.MethodGet, "/products", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ps := decodeBody[[]orders.Product](t, resp)
	require.Len(t, ps, 1)
	assert.Zero(t, ps[0].Stock)
}

func TestStockCredentials(t *testing.T) {
	ts := newTestServer(t, 0)
	path := "/products/" + jsonID(ts.product.ID) + "/credentials"

	resp := ts.do(t, http.MethodPost, path, StockReq{Secrets: []string{"a", "b"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody[StockResp](t, resp)
	assert.Len(t, out.IDs, 2)

	resp = ts.do(t, http.MethodPost, path, StockReq{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/products/4040/credentials", StockReq{Secrets: []string{"a"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, 0)

	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ts.do(t, http.MethodGet, "/orders/99", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.Requests.WithLabelValues("/healthz", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.Requests.WithLabelValues("/orders/{id}", "404")))

	resp = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
