// cmd/seed populates a running marketd with realistic trade history for development.
//
// Session tokens are minted locally with the same signing key marketd uses,
// so seed must run where identity.key_file is readable. Every run adds new
// listings; the ledger is append-only and cannot be reset through the API.
//
// Usage:
//
//	go run ./cmd/seed
//	SEED_URL=http://localhost:8080 IDENTITY_KEY_FILE=keys/signing.pem go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agrimarket/agrimarket/internal/identity"
	"github.com/agrimarket/agrimarket/pkg/client"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("seed.url", "http://localhost:8080")
	viper.SetDefault("identity.key_file", "keys/signing.pem")
	viper.SetDefault("identity.issuer_url", "http://localhost:8080")

	key, err := identity.NewKeyStore(viper.GetString("identity.key_file")).Load()
	if err != nil {
		return fmt.Errorf("load signing key (start marketd once to create it): %w", err)
	}
	tokens := identity.NewTokenIssuer(key, viper.GetString("identity.issuer_url"), time.Hour)
	base := client.MustNew(viper.GetString("seed.url"))

	s := &seeder{base: base, tokens: tokens, clients: make(map[string]*client.Client)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Listings are independent, so they are created concurrently.
	listingIDs := make([]string, len(listings))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range listings {
		g.Go(func() error {
			id, err := s.createListing(gctx, l)
			if err != nil {
				return fmt.Errorf("listing %s/%s: %w", l.Farmer, l.Crop, err)
			}
			listingIDs[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, l := range listings {
		if err := s.trade(ctx, listingIDs[i], l); err != nil {
			return fmt.Errorf("trade %s/%s: %w", l.Farmer, l.Crop, err)
		}
	}

	fmt.Println("\nseed complete")
	return nil
}

// ── Seed data ────────────────────────────────────────────────────────────────

type seedBid struct {
	Buyer  string
	Amount string
}

type seedListing struct {
	Farmer   string
	Crop     string
	Quantity int64
	Unit     string
	Expected string
	Floor    string // empty = no floor
	Bids     []seedBid
	Accept   int // index into Bids; -1 leaves the listing open
	Rating   int // buyer's rating of the farmer after payment; 0 = none
}

var listings = []seedListing{
	{
		Farmer: "farmer-amina", Crop: "maize", Quantity: 500, Unit: "kg",
		Expected: "210.00", Floor: "180.00",
		Bids:   []seedBid{{"buyer-kofi", "195.00"}, {"buyer-lena", "205.50"}},
		Accept: 1, Rating: 5,
	},
	{
		Farmer: "farmer-amina", Crop: "sorghum", Quantity: 200, Unit: "kg",
		Expected: "140.00",
		Bids:   []seedBid{{"buyer-kofi", "130.00"}},
		Accept: 0, Rating: 4,
	},
	{
		Farmer: "farmer-jorge", Crop: "coffee", Quantity: 60, Unit: "bag",
		Expected: "1800.00", Floor: "1650.00",
		Bids:   []seedBid{{"buyer-lena", "1700.00"}, {"buyer-kofi", "1720.00"}},
		Accept: -1,
	},
	{
		Farmer: "farmer-jorge", Crop: "cassava", Quantity: 1000, Unit: "kg",
		Expected: "90.00",
		Bids:   []seedBid{{"buyer-lena", "88.00"}},
		Accept: 0, Rating: 3,
	},
}

// ── Seeder ───────────────────────────────────────────────────────────────────

type seeder struct {
	base   *client.Client
	tokens *identity.TokenIssuer

	mu      sync.Mutex
	clients map[string]*client.Client
}

// as returns a client acting as userID with role.
func (s *seeder) as(userID, role string) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[userID]; ok {
		return c, nil
	}
	tok, err := s.tokens.Issue(userID, role)
	if err != nil {
		return nil, err
	}
	c := s.base.As(tok)
	s.clients[userID] = c
	return c, nil
}

func (s *seeder) createListing(ctx context.Context, l seedListing) (string, error) {
	farmer, err := s.as(l.Farmer, identity.RoleFarmer)
	if err != nil {
		return "", err
	}
	req := client.CreateListingRequest{
		Crop:          l.Crop,
		Quantity:      decimal.NewFromInt(l.Quantity),
		Unit:          l.Unit,
		ExpectedPrice: decimal.RequireFromString(l.Expected),
		ExpiresAt:     time.Now().Add(7 * 24 * time.Hour),
	}
	if l.Floor != "" {
		floor := decimal.RequireFromString(l.Floor)
		req.MinPrice = &floor
	}
	created, err := farmer.CreateListing(ctx, req)
	if err != nil {
		return "", err
	}
	fmt.Printf("  listing %-8s %-14s %s\n", l.Crop, l.Farmer, created.ID)
	return created.ID, nil
}

func (s *seeder) trade(ctx context.Context, listingID string, l seedListing) error {
	bidIDs := make([]string, len(l.Bids))
	for i, b := range l.Bids {
		buyer, err := s.as(b.Buyer, identity.RoleBuyer)
		if err != nil {
			return err
		}
		bid, err := buyer.PlaceBid(ctx, listingID, decimal.RequireFromString(b.Amount), decimal.NewFromInt(l.Quantity))
		if err != nil {
			return fmt.Errorf("bid by %s: %w", b.Buyer, err)
		}
		bidIDs[i] = bid.ID
		fmt.Printf("    bid   %-14s %s\n", b.Buyer, b.Amount)
	}
	if l.Accept < 0 {
		return nil
	}

	farmer, err := s.as(l.Farmer, identity.RoleFarmer)
	if err != nil {
		return err
	}
	if _, err := farmer.AcceptBid(ctx, listingID, bidIDs[l.Accept]); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	winner := l.Bids[l.Accept]
	buyer, err := s.as(winner.Buyer, identity.RoleBuyer)
	if err != nil {
		return err
	}
	if _, err := buyer.RecordPayment(ctx, listingID, decimal.RequireFromString(winner.Amount), "seed-"+listingID[:8]); err != nil {
		return fmt.Errorf("payment: %w", err)
	}
	for _, party := range []*client.Client{farmer, buyer} {
		if _, err := party.SignContract(ctx, listingID, fmt.Sprintf("%d %s %s delivered within 14 days", l.Quantity, l.Unit, l.Crop)); err != nil {
			return fmt.Errorf("contract: %w", err)
		}
	}
	fmt.Printf("    sold  to %-11s %s\n", winner.Buyer, winner.Amount)

	if l.Rating > 0 {
		if _, err := buyer.SubmitRating(ctx, l.Farmer, l.Rating); err != nil {
			return fmt.Errorf("rating: %w", err)
		}
	}
	return nil
}
