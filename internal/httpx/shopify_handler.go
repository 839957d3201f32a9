package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

const stateCookie = "shopify_oauth_state"

type CallbackVerifier interface {
	Verify(ctx context.Context, query url.Values) (string, error)
}

type CodeExchanger interface {
	ExchangeCode(ctx context.Context, shop, apiKey, apiSecret, code string) (string, error)
}

type ShopConfigs interface {
	ConfigByShop(ctx context.Context, shopURL string) (shops.Config, error)
	UpsertConfig(ctx context.Context, c shops.Config) (shops.Config, error)
}

// ShopifyHandler runs the app install handshake: redirect to the grant
// screen, then verify the callback and store the shop's access token.
type ShopifyHandler struct {
	Verifier  CallbackVerifier
	Exchanger CodeExchanger
	Shops     ShopConfigs

	APIKey      string
	APISecret   string
	Scopes      string
	RedirectURI string

	Logger *zap.Logger
}

func (h *ShopifyHandler) Register(r chi.Router) {
	h.Logger = logging.OrNop(h.Logger)
	r.Get("/shopify/install", h.install)
	r.Get("/shopify/callback", h.callback)
}

func (h *ShopifyHandler) install(w http.ResponseWriter, r *http.Request) {
	shop := r.URL.Query().Get("shop")
	if shop == "" {
		writeMessage(w, http.StatusBadRequest, "missing shop parameter")
		return
	}
	state := uuid.NewString()
	target, err := shopify.AuthorizeURL(shop, h.APIKey, h.Scopes, h.RedirectURI, state)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/shopify",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *ShopifyHandler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := r.Cookie(stateCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(c.Value), []byte(q.Get("state"))) != 1 {
		writeMessage(w, http.StatusForbidden, "state mismatch")
		return
	}

	shop, err := h.Verifier.Verify(r.Context(), q)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeMessage(w, http.StatusBadRequest, "missing code")
		return
	}

	token, err := h.Exchanger.ExchangeCode(r.Context(), shop, h.APIKey, h.APISecret, code)
	if err != nil {
		h.Logger.Error("access token exchange failed", zap.String("shop", shop), zap.Error(err))
		writeMessage(w, http.StatusBadGateway, "failed to get access token")
		return
	}

	_, lookupErr := h.Shops.ConfigByShop(r.Context(), shop)
	if lookupErr != nil && !errors.Is(lookupErr, shops.ErrNotFound) {
		writeError(w, h.Logger, lookupErr)
		return
	}
	cfg, err := h.Shops.UpsertConfig(r.Context(), shops.Config{ShopURL: shop, AccessToken: token, Active: true})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/shopify", MaxAge: -1})
	h.Logger.Info("shop authorized", zap.String("shop", shop), zap.Int64("config_id", cfg.ID))
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "authorization saved",
		"shop":      shop,
		"config_id": cfg.ID,
		"created":   errors.Is(lookupErr, shops.ErrNotFound),
	})
}
