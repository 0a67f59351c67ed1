package client_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agrimarket/agrimarket/internal/identity"
	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/handler"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"github.com/agrimarket/agrimarket/internal/market/service"
	"github.com/agrimarket/agrimarket/pkg/client"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const adminSecret = "silo-admin-secret"

// ── Stub server ─────────────────────────────────────────────────────────

func stubServer(t *testing.T, trustHits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/users/farmer-1/trust", func(w http.ResponseWriter, r *http.Request) {
		trustHits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"user_id": "farmer-1",
			"trust":   map[string]any{"total_ratings": 2, "rating_sum": 9, "avg_rating": 4.5},
		})
	})
	mux.HandleFunc("/api/v1/listings/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"not_found","error":"not found"}`))
	})
	mux.HandleFunc("/api/v1/listings/plain", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIError_carriesCode(t *testing.T) {
	var hits atomic.Int32
	c := client.MustNew(stubServer(t, &hits).URL)

	_, err := c.GetListing(context.Background(), "missing")
	if !client.IsCode(err, "not_found") {
		t.Fatalf("expected not_found APIError, got %v", err)
	}

	_, err = c.GetListing(context.Background(), "plain")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || apiErr.Code != "" {
		t.Fatalf("expected plain 502 APIError, got %v", err)
	}
	if apiErr.Message != "upstream exploded" {
		t.Errorf("message: got %q", apiErr.Message)
	}
}

func TestTrustScore_cached(t *testing.T) {
	var hits atomic.Int32
	c := client.MustNew(stubServer(t, &hits).URL, client.WithCacheTTL(time.Minute))

	for range 3 {
		st, err := c.TrustScore(context.Background(), "farmer-1")
		if err != nil {
			t.Fatal(err)
		}
		if st.AvgRating != 4.5 {
			t.Errorf("avg: got %v", st.AvgRating)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 server hit with cache, got %d", hits.Load())
	}
}

func TestWithAdminSecret_rejectsEmpty(t *testing.T) {
	if _, err := client.New("http://localhost", client.WithAdminSecret("")); err == nil {
		t.Fatal("expected error for empty admin secret")
	}
}

// ── End to end against the real API ─────────────────────────────────────

type market struct {
	url    string
	tokens *identity.TokenIssuer
}

func startMarket(t *testing.T) *market {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := identity.HashSecret(adminSecret)
	if err != nil {
		t.Fatal(err)
	}
	tokens := identity.NewTokenIssuer(key, "https://market.test", time.Hour)
	core := service.New(repository.NewMemoryStore(), ledger.New(), engine.DefaultConfig(), zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewMarketHandler(core, tokens, zap.NewNop()).Register(v1)
	handler.NewLedgerHandler(core, tokens, zap.NewNop()).Register(v1)
	handler.NewAdminHandler(core, tokens, hash, zap.NewNop()).Register(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &market{url: srv.URL, tokens: tokens}
}

func (m *market) as(t *testing.T, userID, role string) *client.Client {
	t.Helper()
	tok, err := m.tokens.Issue(userID, role)
	if err != nil {
		t.Fatal(err)
	}
	return client.MustNew(m.url, client.WithBearerToken(tok))
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	m := startMarket(t)
	farmer := m.as(t, "farmer-1", identity.RoleFarmer)

	minPrice := decimal.NewFromInt(400)
	listing, err := farmer.CreateListing(ctx, client.CreateListingRequest{
		Crop:          "sorghum",
		Quantity:      decimal.NewFromInt(20),
		Unit:          "bag",
		ExpectedPrice: decimal.NewFromInt(500),
		MinPrice:      &minPrice,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	if listing.Status != "ACTIVE" {
		t.Errorf("status: got %q", listing.Status)
	}

	buyerTok, _ := m.tokens.Issue("buyer-1", identity.RoleBuyer)
	buyer := farmer.As(buyerTok)

	if _, err := buyer.PlaceBid(ctx, listing.ID, decimal.NewFromInt(350), decimal.NewFromInt(20)); !client.IsCode(err, "below_floor") {
		t.Fatalf("expected below_floor, got %v", err)
	}
	bid, err := buyer.PlaceBid(ctx, listing.ID, decimal.RequireFromString("480.50"), decimal.NewFromInt(20))
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	acc, err := farmer.AcceptBid(ctx, listing.ID, bid.ID)
	if err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}
	if acc.Listing.Status != "SOLD" || acc.Accepted.Status != "ACCEPTED" || acc.Entry.Kind != "BID_ACCEPTED" {
		t.Errorf("unexpected acceptance: listing=%s bid=%s kind=%s", acc.Listing.Status, acc.Accepted.Status, acc.Entry.Kind)
	}
	if _, err := farmer.AcceptBid(ctx, listing.ID, bid.ID); !client.IsCode(err, "already_accepted") {
		t.Errorf("second accept: expected already_accepted, got %v", err)
	}

	if _, err := buyer.RecordPayment(ctx, listing.ID, decimal.RequireFromString("480.5"), "ref-1"); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	st, err := buyer.SubmitRating(ctx, "farmer-1", 5)
	if err != nil {
		t.Fatalf("SubmitRating: %v", err)
	}
	if st.TotalRatings != 1 || st.AvgRating != 5 {
		t.Errorf("trust after rating: %+v", st)
	}

	page, err := farmer.ListListings(ctx, client.ListOptions{Status: "SOLD"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Errorf("expected 1 sold listing, got %d", page.Total)
	}

	ov, err := farmer.LedgerOverview(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	// created, bid, accepted, payment, rating
	if ov.Length != 5 || len(ov.Entries) != 5 {
		t.Errorf("ledger length: got %d (%d entries)", ov.Length, len(ov.Entries))
	}
	if ov.Entries[4].PrevHash != ov.Entries[3].Hash {
		t.Error("entries do not chain")
	}

	admin := client.MustNew(m.url, client.WithAdminSecret(adminSecret))
	report, err := admin.VerifyLedger(ctx, 0, -1)
	if err != nil {
		t.Fatalf("VerifyLedger: %v", err)
	}
	if !report.Valid || report.Result.Checked != 5 || report.Result.Root != ov.Root {
		t.Errorf("unexpected report: %+v", report)
	}
	if _, err := admin.ReconcileTrust(ctx, "farmer-1"); err != nil {
		t.Errorf("ReconcileTrust: %v", err)
	}

	if _, err := farmer.VerifyLedger(ctx, 0, -1); !isStatus(err, http.StatusForbidden) {
		t.Errorf("user token on admin route: expected 403, got %v", err)
	}
}

func isStatus(err error, status int) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
