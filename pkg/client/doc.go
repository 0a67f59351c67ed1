// Package client is the agrimarket Go SDK.
//
// It wraps the marketplace HTTP API: listing crops, bidding, accepting bids,
// recording settlements and ratings, and auditing the hash-chained ledger.
//
// # Acting as a user
//
// Session tokens are issued outside the SDK (see 'cropctl token'). Attach one
// to every request:
//
//	c, err := client.New("https://market.example.com",
//	    client.WithBearerToken(farmerToken),
//	)
//	listing, err := c.CreateListing(ctx, client.CreateListingRequest{
//	    Crop:          "maize",
//	    Quantity:      decimal.NewFromInt(100),
//	    Unit:          "kg",
//	    ExpectedPrice: decimal.NewFromInt(500),
//	    ExpiresAt:     time.Now().Add(72 * time.Hour),
//	})
//
// One Client can act for several users with As, which shares the underlying
// HTTP client and cache:
//
//	buyer := c.As(buyerToken)
//	bid, err := buyer.PlaceBid(ctx, listing.ID, decimal.NewFromInt(450), decimal.NewFromInt(100))
//
// # Errors
//
// Non-2xx responses are returned as *APIError carrying the stable error code
// of the marketplace:
//
//	if client.IsCode(err, "already_accepted") { ... }
//
// # Public reads and caching
//
// Trust scores and the ledger are public. Trust score lookups can be cached:
//
//	c, _ := client.New(baseURL, client.WithCacheTTL(30*time.Second))
//	state, err := c.TrustScore(ctx, "farmer-1")
//
// # Administration
//
// WithAdminSecret exchanges the admin secret for an admin token on first use
// and refreshes it 60 seconds before expiry:
//
//	admin, _ := client.New(baseURL, client.WithAdminSecret(os.Getenv("AGRIMARKET_ADMIN_SECRET")))
//	report, err := admin.VerifyLedger(ctx, 0, -1)
package client
