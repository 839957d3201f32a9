package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/logging"
)

type Deps struct {
	Orders   OrderService
	Products inventory.Store
	Stock    StockEditor
	// Shopify mounts the install and callback routes when set.
	Shopify *ShopifyHandler
	APIKey  string
	Logger  *zap.Logger
}

func NewRouter(deps Deps) *chi.Mux {
	logger := logging.OrNop(deps.Logger).Named("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(deps.APIKey))
		(&ProductsHandler{Products: deps.Products, Stock: deps.Stock, Logger: logger}).Register(r)
		(&OrdersHandler{Orders: deps.Orders, Logger: logger}).Register(r)
	})

	if deps.Shopify != nil {
		if deps.Shopify.Logger == nil {
			deps.Shopify.Logger = logger
		}
		deps.Shopify.Register(r)
	}
	return r
}
