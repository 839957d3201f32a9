package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var (
	ErrInvalidSignature  = errors.New("shopify: invalid signature")
	ErrReplayedSignature = errors.New("shopify: signature already used")
	ErrInvalidShop       = errors.New("shopify: invalid shop domain")
	ErrStaleRequest      = errors.New("shopify: request timestamp outside accepted window")
)

const (
	signatureParam   = "hmac"
	defaultClockSkew = 5 * time.Minute
	nonceScope       = "shopify-callback"
)

var shopPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*\.myshopify\.com$`)

// ValidShop reports whether shop is a bare *.myshopify.com hostname.
func ValidShop(shop string) bool { return shopPattern.MatchString(shop) }

// Signature is the hex HMAC-SHA256 over the URL-encoded, key-sorted query,
// with the signature parameter itself left out.
func Signature(secret string, query url.Values) string {
	rest := make(url.Values, len(query))
	for k, v := range query {
		if k != signatureParam {
			rest[k] = v
		}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(rest.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature carried in query in constant time.
func Verify(secret string, query url.Values) error {
	got := query.Get(signatureParam)
	if got == "" || secret == "" {
		return ErrInvalidSignature
	}
	want := Signature(secret, query)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return ErrInvalidSignature
	}
	return nil
}

// NonceStore tracks values that may be used only once.
type NonceStore interface {
	// UseNonce stores nonce within scope for ttl. It returns false when it was already stored.
	// The store measures ttl against its own clock.
	UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error)
}

// InMemoryNonceStore is a NonceStore for tests and local development.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("shopify: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}
	if exp, ok := s.nonces[key]; ok && exp.After(now) {
		return false, nil
	}
	s.nonces[key] = now.Add(ttl)
	return true, nil
}

// CallbackVerifier validates authorization callbacks: shop domain, signature,
// freshness of the timestamp parameter and single use of each signature.
type CallbackVerifier struct {
	secret    string
	nonces    NonceStore
	now       func() time.Time
	clockSkew time.Duration
}

func NewCallbackVerifier(secret string, nonces NonceStore, now func() time.Time) *CallbackVerifier {
	if now == nil {
		now = time.Now
	}
	return &CallbackVerifier{secret: secret, nonces: nonces, now: now, clockSkew: defaultClockSkew}
}

// Verify returns the shop the callback was issued for.
func (v *CallbackVerifier) Verify(ctx context.Context, query url.Values) (string, error) {
	shop := query.Get("shop")
	if !ValidShop(shop) {
		return "", fmt.Errorf("%w: %q", ErrInvalidShop, shop)
	}
	if err := Verify(v.secret, query); err != nil {
		return "", err
	}

	now := v.now()
	if ts := query.Get("timestamp"); ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
		}
		d := now.Sub(time.Unix(sec, 0))
		if d > v.clockSkew || d < -v.clockSkew {
			return "", ErrStaleRequest
		}
	}

	if v.nonces != nil {
		fresh, err := v.nonces.UseNonce(ctx, nonceScope, query.Get(signatureParam), 2*v.clockSkew)
		if err != nil {
			return "", fmt.Errorf("record callback signature: %w", err)
		}
		if !fresh {
			return "", ErrReplayedSignature
		}
	}
	return shop, nil
}

// AuthorizeURL is where the merchant is sent to grant access to the app.
func AuthorizeURL(shop, apiKey, scopes, redirectURI, state string) (string, error) {
	if !ValidShop(shop) {
		return "", fmt.Errorf("%w: %q", ErrInvalidShop, shop)
	}
	q := url.Values{}
	q.Set("client_id", apiKey)
	q.Set("scope", scopes)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return "https://" + shop + "/admin/oauth/authorize?" + q.Encode(), nil
}

// ExchangeCode trades an authorization code for a permanent access token.
func (c *Client) ExchangeCode(ctx context.Context, shop, apiKey, apiSecret, code string) (string, error) {
	body := map[string]string{"client_id": apiKey, "client_secret": apiSecret, "code": code}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL(shop)+"/admin/oauth/access_token", "", body, &out); err != nil {
		return "", fmt.Errorf("exchange code for %s: %w", shop, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("exchange code for %s: empty access token", shop)
	}
	return out.AccessToken, nil
}
