package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/orders"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("empty body")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeError maps domain errors onto status codes. Anything unrecognised is a
// 500 whose detail stays in the log.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, orders.ErrNotFound),
		errors.Is(err, inventory.ErrProductNotFound),
		errors.Is(err, shops.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orders.ErrInvalidInput),
		errors.Is(err, inventory.ErrInvalidProduct),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, shopify.ErrInvalidShop):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, inventory.ErrProductInUse):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, shopify.ErrInvalidSignature),
		errors.Is(err, shopify.ErrReplayedSignature),
		errors.Is(err, shopify.ErrStaleRequest):
		writeMessage(w, http.StatusForbidden, err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body yields errEmptyBody.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}
