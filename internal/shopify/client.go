// Package shopify talks to the remote commerce platform: REST order listing,
// GraphQL fulfillment and inventory calls, and the app authorization flow.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultAPIVersion = "2024-10"
	defaultTimeout    = 15 * time.Second
	pageSize          = 250
	tokenHeader       = "X-Shopify-Access-Token"
	maxErrorBody      = 4 << 10
)

// ErrForeignPageLink is returned when a pagination link points away from the shop.
var ErrForeignPageLink = errors.New("shopify: pagination link outside shop")

// APIError is a non-2xx answer from the remote platform.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shopify: http %d: %s", e.Status, e.Body)
}

type ClientOptions struct {
	HTTPClient *http.Client
	APIVersion string
	// Timeout bounds every remote call when HTTPClient is nil.
	Timeout time.Duration
	// BaseURL maps a shop hostname to its API root. Defaults to https://<shop>.
	BaseURL func(shop string) string
}

type Client struct {
	http       *http.Client
	apiVersion string
	baseURL    func(shop string) string
}

func NewClient(opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	version := opts.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	base := opts.BaseURL
	if base == nil {
		base = func(shop string) string { return "https://" + shop }
	}
	return &Client{http: hc, apiVersion: version, baseURL: base}
}

type Address struct {
	Name        string `json:"name"`
	Address1    string `json:"address1"`
	Zip         string `json:"zip"`
	CountryCode string `json:"country_code"`
}

type LineItem struct {
	SKU      string          `json:"sku"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Order is the subset of the REST order resource reconciliation reads.
type Order struct {
	ID                int64      `json:"id"`
	OrderNumber       int64      `json:"order_number"`
	Email             string     `json:"email"`
	FinancialStatus   string     `json:"financial_status"`
	FulfillmentStatus *string    `json:"fulfillment_status"`
	CancelledAt       *time.Time `json:"cancelled_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LineItems         []LineItem `json:"line_items"`
	ShippingAddress   *Address   `json:"shipping_address"`
}

// Reference is the business key a remote order maps to locally.
func (o Order) Reference() string { return strconv.FormatInt(o.OrderNumber, 10) }

// ListOrders returns every order of any status updated at or after since,
// following pagination links.
func (c *Client) ListOrders(ctx context.Context, shop, token string, since time.Time) ([]Order, error) {
	q := url.Values{}
	q.Set("status", "any")
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
	base := c.baseURL(shop)
	next := fmt.Sprintf("%s/admin/api/%s/orders.json?%s", base, c.apiVersion, q.Encode())

	var out []Order
	for next != "" {
		var page struct {
			Orders []Order `json:"orders"`
		}
		hdr, err := c.do(ctx, http.MethodGet, next, token, nil, &page)
		if err != nil {
			return nil, fmt.Errorf("list orders of %s: %w", shop, err)
		}
		out = append(out, page.Orders...)
		next = nextPage(hdr.Get("Link"))
		if next != "" && !sameOrigin(base, next) {
			return nil, fmt.Errorf("list orders of %s: %w: %q", shop, ErrForeignPageLink, next)
		}
	}
	return out, nil
}

// sameOrigin reports whether link points at the scheme and host of base. The
// access token is only ever sent there.
func sameOrigin(base, link string) bool {
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	l, err := url.Parse(link)
	if err != nil {
		return false
	}
	return l.Scheme == b.Scheme && strings.EqualFold(l.Host, b.Host)
}

var nextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func nextPage(link string) string {
	if m := nextLink.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	return ""
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, token string, in, out any) error {
	_, err := c.do(ctx, method, endpoint, token, in, out)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, in, out any) (http.Header, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}
