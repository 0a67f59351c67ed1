package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"github.com/agrimarket/agrimarket/internal/market/service"
	"github.com/agrimarket/agrimarket/internal/trust"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ctx = context.Background()

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newCore(t *testing.T) (*service.MarketplaceCore, *repository.MemoryStore, *ledger.MemoryLedger) {
	t.Helper()
	store := repository.NewMemoryStore()
	led := ledger.New()
	return service.New(store, led, engine.Config{}, zap.NewNop()), store, led
}

// sell creates a listing owned by farmer, has buyer bid on it and accepts
// the bid.
func sell(t *testing.T, core *service.MarketplaceCore, farmer, buyer, amount string) (*model.Listing, *model.Bid) {
	t.Helper()
	l, err := core.CreateListing(ctx, model.NewListing{
		FarmerID:      farmer,
		Crop:          "cassava",
		Quantity:      dec("100"),
		Unit:          "kg",
		ExpectedPrice: dec(amount),
		ExpiresAt:     time.Now().Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := core.PlaceBid(ctx, l.ID, buyer, dec(amount), dec("100"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.AcceptBid(ctx, farmer, l.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	return l, b
}

func wantCode(t *testing.T, err error, code service.Code) {
	t.Helper()
	var se *service.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *service.Error with code %s, got %v", code, err)
	}
	if se.Code != code {
		t.Fatalf("code = %s (%s), want %s", se.Code, se.Message, code)
	}
}

// ── Ratings ────────────────────────────────────────────────────────────────

func TestSubmitRating_updatesRunningAverage(t *testing.T) {
	core, _, _ := newCore(t)
	sell(t, core, "u", "buyer1", "100")
	sell(t, core, "u", "buyer2", "100")

	st, err := core.SubmitRating(ctx, "buyer1", "u", 4)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRatings != 1 || st.AvgRating != 4.0 {
		t.Errorf("after first rating: %+v", st)
	}

	st, err = core.SubmitRating(ctx, "buyer2", "u", 2)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRatings != 2 || st.AvgRating != 3.0 {
		t.Errorf("after second rating: %+v", st)
	}

	stored, _ := core.TrustScore(ctx, "u")
	if stored != st {
		t.Errorf("stored %+v != returned %+v", stored, st)
	}
}

func TestSubmitRating_requiresSettlement(t *testing.T) {
	core, _, led := newCore(t)

	_, err := core.SubmitRating(ctx, "stranger", "u", 5)
	wantCode(t, err, service.CodeNoCompletedTransaction)
	if n, _ := led.Len(ctx); n != 0 {
		t.Error("rejected rating reached the ledger")
	}
}

func TestSubmitRating_oneRatingPerSettlement(t *testing.T) {
	core, _, _ := newCore(t)
	sell(t, core, "farmer", "buyer", "100")

	if _, err := core.SubmitRating(ctx, "buyer", "farmer", 5); err != nil {
		t.Fatal(err)
	}
	_, err := core.SubmitRating(ctx, "buyer", "farmer", 5)
	wantCode(t, err, service.CodeNoCompletedTransaction)

	// The farmer may still rate the buyer for the same trade.
	if _, err := core.SubmitRating(ctx, "farmer", "buyer", 3); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitRating_validation(t *testing.T) {
	core, _, _ := newCore(t)
	sell(t, core, "farmer", "buyer", "100")

	for _, v := range []int{0, 6} {
		_, err := core.SubmitRating(ctx, "buyer", "farmer", v)
		wantCode(t, err, service.CodeInvalidRating)
		if !errors.Is(err, trust.ErrInvalidRating) {
			t.Errorf("value %d: cause not preserved", v)
		}
	}
	_, err := core.SubmitRating(ctx, "buyer", "buyer", 5)
	wantCode(t, err, service.CodeValidation)

	st, _ := core.TrustScore(ctx, "farmer")
	if st.TotalRatings != 0 {
		t.Errorf("invalid ratings changed state: %+v", st)
	}
}

func TestReconcileTrustScore_rebuildsFromLedger(t *testing.T) {
	core, store, _ := newCore(t)
	sell(t, core, "u", "b1", "100")
	sell(t, core, "u", "b2", "100")
	_, _ = core.SubmitRating(ctx, "b1", "u", 5)
	_, _ = core.SubmitRating(ctx, "b2", "u", 2)

	_ = store.SaveTrustScore(ctx, "u", trust.State{TotalRatings: 9, RatingSum: 9, AvgRating: 1})

	st, err := core.ReconcileTrustScore(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	want := trust.State{TotalRatings: 2, RatingSum: 7, AvgRating: 3.5}
	if st != want {
		t.Errorf("got %+v, want %+v", st, want)
	}
	if got, _ := store.GetTrustScore(ctx, "u"); got != want {
		t.Errorf("stored %+v, want %+v", got, want)
	}
}

// ── Engine error vocabulary ────────────────────────────────────────────────

func TestErrorCodes_engine(t *testing.T) {
	core, _, _ := newCore(t)
	floor := dec("100")
	l, err := core.CreateListing(ctx, model.NewListing{
		FarmerID: "farmer", Crop: "rice", ExpectedPrice: dec("150"),
		MinPrice: &floor, ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = core.PlaceBid(ctx, l.ID, "buyer", dec("90"), dec("1"))
	wantCode(t, err, service.CodeBelowFloor)

	_, err = core.PlaceBid(ctx, uuid.New(), "buyer", dec("120"), dec("1"))
	wantCode(t, err, service.CodeNotFound)

	b1, _ := core.PlaceBid(ctx, l.ID, "buyer", dec("120"), dec("1"))
	b2, _ := core.PlaceBid(ctx, l.ID, "buyer2", dec("130"), dec("1"))

	_, err = core.AcceptBid(ctx, "intruder", l.ID, b1.ID)
	wantCode(t, err, service.CodeForbidden)

	if _, err := core.AcceptBid(ctx, "farmer", l.ID, b1.ID); err != nil {
		t.Fatal(err)
	}
	_, err = core.AcceptBid(ctx, "farmer", l.ID, b2.ID)
	wantCode(t, err, service.CodeAlreadyAccepted)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Error("already_accepted should still match ErrInvalidTransition")
	}

	_, err = core.CancelListing(ctx, l.ID, "farmer")
	wantCode(t, err, service.CodeAlreadyAccepted)
}

// ── Payments and contracts ─────────────────────────────────────────────────

func TestRecordPayment(t *testing.T) {
	core, _, _ := newCore(t)
	l, _ := sell(t, core, "farmer", "buyer", "250.00")

	_, err := core.RecordPayment(ctx, "someone", l.ID, dec("250"), "ref-1")
	wantCode(t, err, service.CodeForbidden)

	_, err = core.RecordPayment(ctx, "buyer", l.ID, dec("200"), "ref-1")
	wantCode(t, err, service.CodeValidation)

	e, err := core.RecordPayment(ctx, "buyer", l.ID, dec("250"), "ref-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != ledger.KindPaymentCompleted || e.OwnerID != "buyer" {
		t.Errorf("unexpected entry %s by %s", e.Kind, e.OwnerID)
	}

	_, err = core.RecordPayment(ctx, "buyer", l.ID, dec("250"), "ref-2")
	wantCode(t, err, service.CodeInvalidTransition)
}

func TestRecordPayment_listingNotSold(t *testing.T) {
	core, _, _ := newCore(t)
	l, err := core.CreateListing(ctx, model.NewListing{
		FarmerID: "farmer", Crop: "beans", ExpectedPrice: dec("10"), ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = core.RecordPayment(ctx, "buyer", l.ID, dec("10"), "ref")
	wantCode(t, err, service.CodeInvalidTransition)
}

func TestSignContract(t *testing.T) {
	core, _, _ := newCore(t)
	l, _ := sell(t, core, "farmer", "buyer", "80")

	_, err := core.SignContract(ctx, "outsider", l.ID, "deliver by friday")
	wantCode(t, err, service.CodeForbidden)

	for _, signer := range []string{"farmer", "buyer"} {
		e, err := core.SignContract(ctx, signer, l.ID, "deliver by friday")
		if err != nil {
			t.Fatalf("%s: %v", signer, err)
		}
		p, _ := ledger.DecodePayload(e)
		cs := p.(*ledger.ContractSigned)
		if cs.TermsHash != ledger.Hash([]byte("deliver by friday")) {
			t.Errorf("terms hash mismatch for %s", signer)
		}
	}

	_, err = core.SignContract(ctx, "farmer", l.ID, "deliver by friday")
	wantCode(t, err, service.CodeInvalidTransition)
}

// ── Integrity and storage failures ─────────────────────────────────────────

type brokenLedger struct {
	*ledger.MemoryLedger
}

func (brokenLedger) Append(context.Context, string, ledger.Payload) (*ledger.Entry, error) {
	return nil, &ledger.ChainBrokenError{Nonce: 3, Reason: "block hash mismatch"}
}

func TestIntegrityErrorsAreOpaque(t *testing.T) {
	core := service.New(repository.NewMemoryStore(), brokenLedger{ledger.New()}, engine.Config{}, zap.NewNop())

	_, err := core.CreateListing(ctx, model.NewListing{
		FarmerID: "farmer", Crop: "millet", ExpectedPrice: dec("10"), ExpiresAt: time.Now().Add(time.Hour),
	})
	wantCode(t, err, service.CodeLedgerIntegrity)
	if err.Error() != "ledger verification failed" {
		t.Errorf("integrity error leaks detail: %q", err.Error())
	}
	var broken *ledger.ChainBrokenError
	if !errors.As(err, &broken) || broken.Nonce != 3 {
		t.Error("administrative callers should still reach the ChainBrokenError")
	}
}

type failingTrustStore struct {
	*repository.MemoryStore
}

func (failingTrustStore) GetTrustScore(context.Context, string) (trust.State, error) {
	return trust.State{}, errors.New("pq: connection reset by peer")
}

func TestStorageErrorsAreInternal(t *testing.T) {
	core := service.New(failingTrustStore{repository.NewMemoryStore()}, ledger.New(), engine.Config{}, zap.NewNop())

	_, err := core.TrustScore(ctx, "u")
	wantCode(t, err, service.CodeInternal)
	if err.Error() != "internal error" {
		t.Errorf("storage error leaked: %q", err.Error())
	}
	if errors.Unwrap(err) != nil {
		t.Error("internal errors must not expose their cause")
	}
}

type flakySaveStore struct {
	*repository.MemoryStore
	failSaves int
}

func (s *flakySaveStore) SaveTransition(ctx context.Context, l *model.Listing, bids []*model.Bid) error {
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("pq: connection reset by peer")
	}
	return s.MemoryStore.SaveTransition(ctx, l, bids)
}

func TestAcceptBid_failedSaveDoesNotLetASecondBuyerWin(t *testing.T) {
	store := &flakySaveStore{MemoryStore: repository.NewMemoryStore()}
	core := service.New(store, ledger.New(), engine.Config{}, zap.NewNop())

	l, err := core.CreateListing(ctx, model.NewListing{
		FarmerID: "farmer", Crop: "yam", Quantity: dec("10"), ExpectedPrice: dec("90"),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	b1, err := core.PlaceBid(ctx, l.ID, "buyer1", dec("90"), dec("10"))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := core.PlaceBid(ctx, l.ID, "buyer2", dec("95"), dec("10"))
	if err != nil {
		t.Fatal(err)
	}

	store.failSaves = 1
	_, err = core.AcceptBid(ctx, "farmer", l.ID, b1.ID)
	wantCode(t, err, service.CodeInternal)

	_, err = core.AcceptBid(ctx, "farmer", l.ID, b2.ID)
	wantCode(t, err, service.CodeAlreadyAccepted)

	_, err = core.SubmitRating(ctx, "buyer2", "farmer", 1)
	wantCode(t, err, service.CodeNoCompletedTransaction)
	if _, err := core.SubmitRating(ctx, "buyer1", "farmer", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := core.RecordPayment(ctx, "buyer1", l.ID, dec("90"), "ref-1"); err != nil {
		t.Fatal(err)
	}
}

// ── Projections ────────────────────────────────────────────────────────────

func TestProjections(t *testing.T) {
	core, _, _ := newCore(t)
	l, b := sell(t, core, "farmer", "buyer", "60")

	detail, err := core.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Listing.Status != model.ListingSold || len(detail.Bids) != 1 {
		t.Errorf("unexpected detail %+v", detail)
	}

	got, err := core.GetBid(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BidAccepted {
		t.Errorf("bid status = %s", got.Status)
	}
	_, err = core.GetBid(ctx, uuid.New())
	wantCode(t, err, service.CodeNotFound)

	entries, err := core.LedgerForUser(ctx, "farmer", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("farmer should own LISTING_CREATED and BID_ACCEPTED, got %d entries", len(entries))
	}

	ov, err := core.LedgerOverview(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if ov.Length != 3 || len(ov.Entries) != 3 || ov.Halted {
		t.Errorf("unexpected overview %+v", ov)
	}

	res, err := core.VerifyLedger(ctx, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 3 || res.Root != ov.Root {
		t.Errorf("unexpected verify result %+v", res)
	}

	_, err = core.LedgerEntry(ctx, 99)
	wantCode(t, err, service.CodeNotFound)

	_, _, err = core.ListListings(ctx, model.ListingFilter{Status: "BOGUS"})
	wantCode(t, err, service.CodeValidation)
}

func TestExpireStale_throughCore(t *testing.T) {
	core, _, _ := newCore(t)
	l, err := core.CreateListing(ctx, model.NewListing{
		FarmerID: "farmer", Crop: "yam", ExpectedPrice: dec("10"), ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	ts, err := core.ExpireStale(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 1 || ts[0].ID != l.ID {
		t.Fatalf("unexpected transitions %+v", ts)
	}
	_, err = core.PlaceBid(ctx, l.ID, "buyer", dec("10"), dec("1"))
	wantCode(t, err, service.CodeListingInactive)
}
