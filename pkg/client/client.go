// Package client provides the agrimarket Go SDK.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// APIError is a non-2xx response from the marketplace.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("agrimarket: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("agrimarket: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// IsCode reports whether err is an *APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client is the agrimarket SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	cache       *trustCache
	adminSecret string

	// token state, guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL enables in-memory caching of trust score lookups.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newTrustCache(ttl)
		return nil
	}
}

// WithBearerToken attaches a session token to every request. The token is
// never refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
		return nil
	}
}

// WithAdminSecret makes the client exchange secret for an admin token on
// first use and refresh it before expiry.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		if secret == "" {
			return errors.New("admin secret is empty")
		}
		c.adminSecret = secret
		return nil
	}
}

// New creates a Client for the marketplace at base, e.g.
// "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// As returns a Client that acts with token, sharing c's HTTP client and
// cache.
func (c *Client) As(token string) *Client {
	return &Client{
		base:        c.base,
		httpClient:  c.httpClient,
		cache:       c.cache,
		bearerToken: token,
	}
}

// ── Listings and bids ────────────────────────────────────────────────────────

// CreateListing lists a crop for the token's farmer.
func (c *Client) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	var out Listing
	if err := c.call(ctx, http.MethodPost, "/listings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListListings returns a page of listings, newest first.
func (c *Client) ListListings(ctx context.Context, opts ListOptions) (*ListingPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.FarmerID != "" {
		q.Set("farmer_id", opts.FarmerID)
	}
	if opts.Crop != "" {
		q.Set("crop", opts.Crop)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/listings"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out ListingPage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetListing returns a listing with all of its bids.
func (c *Client) GetListing(ctx context.Context, id string) (*ListingDetail, error) {
	var out ListingDetail
	if err := c.call(ctx, http.MethodGet, "/listings/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceBid offers amount for quantity on a listing as the token's buyer.
func (c *Client) PlaceBid(ctx context.Context, listingID string, amount, quantity decimal.Decimal) (*Bid, error) {
	body := map[string]decimal.Decimal{"amount": amount, "quantity": quantity}
	var out Bid
	if err := c.call(ctx, http.MethodPost, "/listings/"+url.PathEscape(listingID)+"/bids", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptBid sells the listing to bidID. Every other pending bid is rejected.
func (c *Client) AcceptBid(ctx context.Context, listingID, bidID string) (*Acceptance, error) {
	path := "/listings/" + url.PathEscape(listingID) + "/bids/" + url.PathEscape(bidID) + "/accept"
	var out Acceptance
	if err := c.call(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelListing withdraws an active listing.
func (c *Client) CancelListing(ctx context.Context, listingID string) (*Listing, error) {
	var out Listing
	if err := c.call(ctx, http.MethodPost, "/listings/"+url.PathEscape(listingID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Settlement ───────────────────────────────────────────────────────────────

// RecordPayment records the accepted buyer's payment for a sold listing.
func (c *Client) RecordPayment(ctx context.Context, listingID string, amount decimal.Decimal, reference string) (*Entry, error) {
	body := map[string]any{"amount": amount, "reference": reference}
	var out Entry
	if err := c.call(ctx, http.MethodPost, "/listings/"+url.PathEscape(listingID)+"/payment", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignContract signs the contract terms of a sold listing.
func (c *Client) SignContract(ctx context.Context, listingID, terms string) (*Entry, error) {
	body := map[string]string{"terms": terms}
	var out Entry
	if err := c.call(ctx, http.MethodPost, "/listings/"+url.PathEscape(listingID)+"/contract", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitRating rates the other party of a settled trade.
func (c *Client) SubmitRating(ctx context.Context, ratedUserID string, value int) (*TrustState, error) {
	body := map[string]any{"rated_user_id": ratedUserID, "value": value}
	var out struct {
		Trust TrustState `json:"trust"`
	}
	if err := c.call(ctx, http.MethodPost, "/ratings", body, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.delete(ratedUserID)
	}
	return &out.Trust, nil
}

// TrustScore returns a user's rating aggregate.
func (c *Client) TrustScore(ctx context.Context, userID string) (*TrustState, error) {
	if c.cache != nil {
		if st, ok := c.cache.get(userID); ok {
			return st, nil
		}
	}
	var out struct {
		Trust TrustState `json:"trust"`
	}
	if err := c.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/trust", nil, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(userID, &out.Trust)
	}
	return &out.Trust, nil
}

// ── Ledger ───────────────────────────────────────────────────────────────────

// UserLedger returns up to limit entries produced by userID.
func (c *Client) UserLedger(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	path := "/users/" + url.PathEscape(userID) + "/ledger"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Entries []*Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// LedgerOverview returns the chain length, root and a page of entries.
func (c *Client) LedgerOverview(ctx context.Context, from int64, limit int) (*LedgerOverview, error) {
	path := fmt.Sprintf("/ledger?from=%d&limit=%d", from, limit)
	var out LedgerOverview
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LedgerEntry returns the entry at nonce.
func (c *Client) LedgerEntry(ctx context.Context, nonce int64) (*Entry, error) {
	var out Entry
	if err := c.call(ctx, http.MethodGet, "/ledger/entries/"+strconv.FormatInt(nonce, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Administration ───────────────────────────────────────────────────────────

// VerifyLedger checks entries from..to inclusive; to < 0 means through the
// tail. Requires admin credentials.
func (c *Client) VerifyLedger(ctx context.Context, from, to int64) (*VerifyReport, error) {
	path := fmt.Sprintf("/ledger/verify?from=%d&to=%d", from, to)
	var out VerifyReport
	if err := c.callAdmin(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpireStale runs one expiry sweep on the server.
func (c *Client) ExpireStale(ctx context.Context) ([]Transition, error) {
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	if err := c.callAdmin(ctx, http.MethodPost, "/admin/expire", nil, &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

// ReconcileTrust rebuilds a user's trust score from the ledger.
func (c *Client) ReconcileTrust(ctx context.Context, userID string) (*TrustState, error) {
	var out struct {
		Trust TrustState `json:"trust"`
	}
	if err := c.callAdmin(ctx, http.MethodPost, "/admin/trust/"+url.PathEscape(userID)+"/reconcile", nil, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.delete(userID)
	}
	return &out.Trust, nil
}

// FetchAdminToken exchanges the admin secret for an admin token, caches it
// and returns it. Requires WithAdminSecret.
func (c *Client) FetchAdminToken(ctx context.Context) (string, error) {
	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

// fetchTokenRaw fetches a fresh admin token without touching cached state.
func (c *Client) fetchTokenRaw(ctx context.Context) (string, time.Time, error) {
	if c.adminSecret == "" {
		return "", time.Time{}, errors.New("admin secret not configured")
	}
	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := c.send(ctx, http.MethodPost, "/auth/admin-token", "", map[string]string{"secret": c.adminSecret}, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("admin token exchange: %w", err)
	}

	// Refresh 60 s before actual expiry to avoid clock-skew failures.
	const refreshBuffer = 60 * time.Second
	exp := time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - refreshBuffer)
	return payload.Token, exp, nil
}

// ensureAdminToken returns a valid admin token, fetching a new one if the
// cached token is absent or approaching expiry. Thread-safe.
func (c *Client) ensureAdminToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.adminSecret == "" || (c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry))) {
		return c.bearerToken, nil
	}

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}

// ── Transport ────────────────────────────────────────────────────────────────

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	c.mu.Lock()
	token := c.bearerToken
	c.mu.Unlock()
	return c.send(ctx, method, path, token, reqBody, respBody)
}

func (c *Client) callAdmin(ctx context.Context, method, path string, reqBody, respBody any) error {
	token, err := c.ensureAdminToken(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, method, path, token, reqBody, respBody)
}

// send executes one API request. reqBody and respBody are JSON-encoded and
// decoded; either may be nil.
func (c *Client) send(ctx context.Context, method, path, token string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// --- simple in-memory trust score cache ---

type cacheEntry struct {
	state     TrustState
	expiresAt time.Time
}

type trustCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newTrustCache(ttl time.Duration) *trustCache {
	return &trustCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (tc *trustCache) get(key string) (*TrustState, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	e, ok := tc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	st := e.state
	return &st, true
}

func (tc *trustCache) set(key string, st *TrustState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[key] = &cacheEntry{state: *st, expiresAt: time.Now().Add(tc.ttl)}
}

func (tc *trustCache) delete(key string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.entries, key)
}
