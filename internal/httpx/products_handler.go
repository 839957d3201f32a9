package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/logging"
)

// StockEditor records manual physical stock counts.
type StockEditor interface {
	SetPhysical(ctx context.Context, productID int64, physical int) (inventory.Product, error)
}

type ProductsHandler struct {
	Products inventory.Store
	Stock    StockEditor
	Logger   *zap.Logger
}

type createProductReq struct {
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	PictureURL    string `json:"picture_url"`
	PhysicalStock int    `json:"physical_stock"`
}

type setStockReq struct {
	PhysicalStock *int `json:"physical_stock"`
}

func (h *ProductsHandler) Register(r chi.Router) {
	h.Logger = logging.OrNop(h.Logger)
	r.Get("/products", h.listProducts)
	r.Post("/products", h.createProduct)
	r.Get("/products/{id}", h.getProduct)
	r.Patch("/products/{id}/stock", h.setStock)
	r.Delete("/products/{id}", h.deleteProduct)
}

func (h *ProductsHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Products.ListProducts(ctx)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if ps == nil {
		ps = []inventory.Product{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *ProductsHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	p, err := h.Products.Product(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProductsHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json")
		return
	}
	p := inventory.Product{SKU: req.SKU, Name: req.Name, PictureURL: req.PictureURL, PhysicalStock: req.PhysicalStock}
	if err := p.Validate(); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	created, err := h.Products.CreateProduct(ctx, p)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *ProductsHandler) setStock(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req setStockReq
	if err := decodeJSON(w, r, &req); err != nil || req.PhysicalStock == nil {
		writeMessage(w, http.StatusBadRequest, "physical_stock is required")
		return
	}
	p, err := h.Stock.SetPhysical(r.Context(), id, *req.PhysicalStock)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProductsHandler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.Products.DeleteProduct(r.Context(), id); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
