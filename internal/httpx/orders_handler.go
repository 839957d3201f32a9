package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/orders"
)

type OrderService interface {
	Get(ctx context.Context, id int64) (orders.Order, error)
	List(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error)
	CreateOrUpdate(ctx context.Context, in orders.UpsertInput) (orders.UpsertResult, error)
	Pay(ctx context.Context, id int64) (orders.Order, error)
	Ship(ctx context.Context, id int64, tracking *orders.Tracking) (orders.ShipResult, error)
	Cancel(ctx context.Context, id int64) (orders.Order, error)
}

type OrdersHandler struct {
	Orders OrderService
	Logger *zap.Logger
}

type addressReq struct {
	Name        string `json:"name"`
	Street      string `json:"street"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"`
}

type lineReq struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type upsertOrderReq struct {
	Reference       string     `json:"reference"`
	CustomerEmail   string     `json:"customer_email"`
	Status          string     `json:"status"`
	ShippingAddress addressReq `json:"shipping_address"`
	OrderLines      []lineReq  `json:"order_lines"`
}

type orderView struct {
	orders.Order
	TotalPrice       string          `json:"total_price"`
	AvailableActions []orders.Action `json:"available_actions"`
}

type shipView struct {
	orderView
	FulfillmentDispatched bool `json:"fulfillment_dispatched"`
}

func newOrderView(o orders.Order) orderView {
	actions := orders.AvailableActions(o.Status)
	if actions == nil {
		actions = []orders.Action{}
	}
	if o.Lines == nil {
		o.Lines = []orders.Line{}
	}
	return orderView{Order: o, TotalPrice: o.Total().StringFixed(2), AvailableActions: actions}
}

func (h *OrdersHandler) Register(r chi.Router) {
	h.Logger = logging.OrNop(h.Logger)
	r.Get("/orders", h.listOrders)
	r.Post("/orders", h.upsertOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/pay", h.payOrder)
	r.Post("/orders/{id}/ship", h.shipOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orders.ListFilter{Reference: q.Get("reference")}

	var raw []string
	if s := q.Get("status"); s != "" {
		raw = append(raw, s)
	}
	if s := q.Get("status__in"); s != "" {
		raw = append(raw, strings.Split(s, ",")...)
	}
	for _, v := range raw {
		st, err := orders.ParseStatus(strings.TrimSpace(v))
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	list, err := h.Orders.List(ctx, filter)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	o, err := h.Orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

func (h *OrdersHandler) upsertOrder(w http.ResponseWriter, r *http.Request) {
	var req upsertOrderReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json")
		return
	}
	in := orders.UpsertInput{
		Reference:     req.Reference,
		CustomerEmail: req.CustomerEmail,
		ShippingAddress: orders.Address{
			Name:        req.ShippingAddress.Name,
			Street:      req.ShippingAddress.Street,
			PostalCode:  req.ShippingAddress.PostalCode,
			CountryCode: req.ShippingAddress.CountryCode,
		},
	}
	if req.Status != "" {
		st, err := orders.ParseStatus(req.Status)
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		in.Status = st
	}
	for _, l := range req.OrderLines {
		in.Lines = append(in.Lines, orders.LineInput{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := h.Orders.CreateOrUpdate(ctx, in)
	if errors.Is(err, inventory.ErrProductNotFound) {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, newOrderView(res.Order))
}

func (h *OrdersHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Orders.Pay)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Orders.Cancel)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (orders.Order, error)) {
	id, ok := idParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	o, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

// shipOrder accepts an optional tracking body: {"carrier", "number", "url"}.
func (h *OrdersHandler) shipOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var tracking *orders.Tracking
	var t orders.Tracking
	switch err := decodeJSON(w, r, &t); {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		writeMessage(w, http.StatusBadRequest, "invalid json")
		return
	default:
		tracking = &t
	}

	res, err := h.Orders.Ship(r.Context(), id, tracking)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, shipView{orderView: newOrderView(res.Order), FulfillmentDispatched: res.Dispatched})
}
