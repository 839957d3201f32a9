package fulfillment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/micro-oms/internal/memstore"
	"github.com/ariefcatur/micro-oms/internal/orders"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

// fakeShop answers the two GraphQL calls the dispatcher makes.
type fakeShop struct {
	mu          sync.Mutex
	openOrder   string
	userErrors  string
	fulfillment map[string]any
}

func (f *fakeShop) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(req.Query, "fulfillmentCreate") {
		f.fulfillment = req.Variables["fulfillment"].(map[string]any)
		errs := f.userErrors
		if errs == "" {
			errs = "[]"
		}
		_, _ = w.Write([]byte(`{"data":{"fulfillmentCreate":{"userErrors":` + errs + `}}}`))
		return
	}
	_, _ = w.Write([]byte(f.openOrder))
}

const openOrderJSON = `{"data":{"order":{"fulfillmentOrders":{"edges":[{"node":{"id":"gid://shopify/FulfillmentOrder/5",
	"lineItems":{"edges":[{"node":{"id":"gid://shopify/FulfillmentOrderLineItem/1","remainingQuantity":2}},
	{"node":{"id":"gid://shopify/FulfillmentOrderLineItem/2","remainingQuantity":0}}]}}}]}}}}`

type fixture struct {
	store *memstore.Store
	shop  *fakeShop
	disp  *Dispatcher
	order orders.Order
}

func newFixture(t *testing.T, linked bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memstore.New(), shop: &fakeShop{openOrder: openOrderJSON}}
	srv := httptest.NewServer(f.shop)
	t.Cleanup(srv.Close)

	err := f.store.InOrderTx(ctx, func(tx orders.Tx) error {
		f.order = orders.Order{Reference: "1001", Status: orders.StatusShipped}
		return tx.InsertOrder(ctx, &f.order)
	})
	require.NoError(t, err)

	if linked {
		cfg, err := f.store.UpsertConfig(ctx, shops.Config{ShopURL: "a.myshopify.com", AccessToken: "tok", Active: true})
		require.NoError(t, err)
		require.NoError(t, f.store.UpsertOrderLink(ctx, shops.OrderLink{ConfigID: cfg.ID, OrderID: f.order.ID, RemoteOrderID: 77}))
	}

	client := shopify.NewClient(shopify.ClientOptions{BaseURL: func(string) string { return srv.URL }})
	f.disp, err = New(Deps{Links: f.store, Remote: client})
	require.NoError(t, err)
	return f
}

func TestFulfillSendsRemainingLines(t *testing.T) {
	f := newFixture(t, true)

	ok := f.disp.Fulfill(context.Background(), f.order, orders.Tracking{Number: "1Z999"})
	require.True(t, ok)

	sent := f.shop.fulfillment
	assert.Equal(t, true, sent["notifyCustomer"])
	assert.Equal(t, map[string]any{"number": "1Z999", "company": "Other"}, sent["trackingInfo"])

	groups := sent["lineItemsByFulfillmentOrder"].([]any)
	require.Len(t, groups, 1)
	group := groups[0].(map[string]any)
	assert.Equal(t, "gid://shopify/FulfillmentOrder/5", group["fulfillmentOrderId"])
	assert.Equal(t, []any{map[string]any{"id": "gid://shopify/FulfillmentOrderLineItem/1", "quantity": float64(2)}},
		group["fulfillmentOrderLineItems"])
}

func TestFulfillWithoutTracking(t *testing.T) {
	f := newFixture(t, true)
	require.True(t, f.disp.Fulfill(context.Background(), f.order, orders.Tracking{}))
	assert.NotContains(t, f.shop.fulfillment, "trackingInfo")
}

func TestFulfillWithoutLinkReportsFailure(t *testing.T) {
	f := newFixture(t, false)
	assert.False(t, f.disp.Fulfill(context.Background(), f.order, orders.Tracking{}))
	assert.Nil(t, f.shop.fulfillment)
}

func TestFulfillWithoutOpenFulfillmentOrder(t *testing.T) {
	f := newFixture(t, true)
	f.shop.openOrder = `{"data":{"order":{"fulfillmentOrders":{"edges":[]}}}}`
	assert.False(t, f.disp.Fulfill(context.Background(), f.order, orders.Tracking{}))
	assert.Nil(t, f.shop.fulfillment)
}

func TestFulfillUserErrorsReportFailure(t *testing.T) {
	f := newFixture(t, true)
	f.shop.userErrors = `[{"field":["fulfillment"],"message":"already fulfilled"}]`
	assert.False(t, f.disp.Fulfill(context.Background(), f.order, orders.Tracking{}))
}

func TestFulfillRemoteDownReportsFailure(t *testing.T) {
	f := newFixture(t, true)
	client := shopify.NewClient(shopify.ClientOptions{BaseURL: func(string) string { return "http://127.0.0.1:1" }})
	disp, err := New(Deps{Links: f.store, Remote: client})
	require.NoError(t, err)
	assert.False(t, disp.Fulfill(context.Background(), f.order, orders.Tracking{}))
}

func TestTrackingInfo(t *testing.T) {
	assert.Nil(t, trackingInfo(orders.Tracking{}))
	assert.Equal(t, &shopify.TrackingInfo{Number: "1", Company: "UPS", URL: "u"},
		trackingInfo(orders.Tracking{Carrier: "UPS", Number: "1", URL: "u"}))
}
