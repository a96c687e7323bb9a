package venalitysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Venality HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Auth authorizes admin operations: either a self-authorized invoker identity
// or a signed token with the nonce it was issued for.
type Auth struct {
	Self  string `json:"self,omitempty"`
	Token string `json:"token,omitempty"`
	Nonce uint64 `json:"nonce,omitempty"`
}

// AuctionTerms provisions the decay auction backing a sale.
type AuctionTerms struct {
	ID         string `json:"id"`
	StartPrice int64  `json:"start_price"`
	FloorPrice int64  `json:"floor_price"`
	DecaySlope uint64 `json:"decay_slope,omitempty"`
}

// Registry is the deployment configuration.
type Registry struct {
	Admin      string `json:"admin"`
	Currency   string `json:"currency"`
	RenewalFee int64  `json:"renewal_fee"`
}

// Office represents the API office model.
type Office struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	AuctionID string `json:"auction_id,omitempty"`
	Owner     string `json:"owner,omitempty"`
	ExpiresAt uint64 `json:"expires_at,omitempty"`
	RenewedAt uint64 `json:"renewed_at,omitempty"`
}

// Price is a live auction quote.
type Price struct {
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	OfficeID string         `json:"office_id"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InitializeRegistry writes the deployment configuration. Succeeds exactly once.
func (c *Client) InitializeRegistry(ctx context.Context, admin, currency string, renewalFee int64) (Registry, error) {
	body := map[string]any{
		"admin":       admin,
		"currency":    currency,
		"renewal_fee": renewalFee,
	}
	var resp Registry
	err := c.do(ctx, http.MethodPost, "v0/registry", body, &resp)
	return resp, err
}

// Registry fetches the deployment configuration.
func (c *Client) Registry(ctx context.Context) (Registry, error) {
	var resp Registry
	err := c.do(ctx, http.MethodGet, "v0/registry", nil, &resp)
	return resp, err
}

// CreateOffice puts a fresh office up for sale. Admin only.
func (c *Client) CreateOffice(ctx context.Context, officeID string, auth Auth, terms AuctionTerms) (Office, error) {
	body := map[string]any{
		"id":          officeID,
		"auth":        auth,
		"auction_id":  terms.ID,
		"start_price": terms.StartPrice,
		"floor_price": terms.FloorPrice,
		"decay_slope": terms.DecaySlope,
	}
	var resp Office
	err := c.do(ctx, http.MethodPost, "v0/offices", body, &resp)
	return resp, err
}

// Office fetches the current record for an office.
func (c *Client) Office(ctx context.Context, officeID string) (Office, error) {
	var resp Office
	err := c.do(ctx, http.MethodGet, officePath(officeID, ""), nil, &resp)
	return resp, err
}

// Price quotes the office's live auction.
func (c *Client) Price(ctx context.Context, officeID string) (Price, error) {
	var resp Price
	err := c.do(ctx, http.MethodGet, officePath(officeID, "price"), nil, &resp)
	return resp, err
}

// Buy settles the office's auction for the buyer at the current price.
func (c *Client) Buy(ctx context.Context, officeID, buyer string) (Office, error) {
	var resp Office
	err := c.do(ctx, http.MethodPost, officePath(officeID, "buy"), map[string]any{"buyer": buyer}, &resp)
	return resp, err
}

// PayTax pays the renewal fee, extending the lease by one period.
func (c *Client) PayTax(ctx context.Context, officeID, payer string) (Office, error) {
	var resp Office
	err := c.do(ctx, http.MethodPost, officePath(officeID, "tax"), map[string]any{"payer": payer}, &resp)
	return resp, err
}

// Revoke reclaims a lapsed office and puts it back up for sale. Admin only.
func (c *Client) Revoke(ctx context.Context, officeID string, auth Auth, terms AuctionTerms) (Office, error) {
	body := map[string]any{
		"auth":        auth,
		"auction_id":  terms.ID,
		"start_price": terms.StartPrice,
		"floor_price": terms.FloorPrice,
		"decay_slope": terms.DecaySlope,
	}
	var resp Office
	err := c.do(ctx, http.MethodPost, officePath(officeID, "revoke"), body, &resp)
	return resp, err
}

// Nonce returns an identity's current counter.
func (c *Client) Nonce(ctx context.Context, identity string) (uint64, error) {
	var resp struct {
		Nonce uint64 `json:"nonce"`
	}
	endpoint := fmt.Sprintf("v0/identities/%s/nonce", url.PathEscape(identity))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Nonce, err
}

// Events returns lifecycle events with IDs greater than the cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if after > 0 {
		endpoint = fmt.Sprintf("%s?after=%d", endpoint, after)
	}
	if limit > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func officePath(officeID, action string) string {
	p := fmt.Sprintf("v0/offices/%s", url.PathEscape(officeID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
