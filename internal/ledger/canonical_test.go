package ledger_test

import (
	"errors"
	"math"
	"testing"

	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/shopspring/decimal"
)

func TestCanonicalSerialize_sortsKeysAtEveryDepth(t *testing.T) {
	a := map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"y": true, "b": []any{"x", nil}},
	}
	b := map[string]any{
		"alpha": map[string]any{"b": []any{"x", nil}, "y": true},
		"zeta":  1,
	}

	ga, err := ledger.CanonicalSerialize(a)
	if err != nil {
		t.Fatal(err)
	}
	gb, err := ledger.CanonicalSerialize(b)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"alpha":{"b":["x",null],"y":true},"zeta":1}`
	if string(ga) != want || string(gb) != want {
		t.Errorf("got %s and %s, want %s", ga, gb, want)
	}
}

func TestCanonicalSerialize_noHTMLEscaping(t *testing.T) {
	got, err := ledger.CanonicalSerialize(map[string]string{"crop": "beans & <rice>"})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"crop":"beans & <rice>"}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalSerialize_typedPayloadIsStable(t *testing.T) {
	p := ledger.PaymentCompleted{
		FarmerID:  "f",
		BuyerID:   "b",
		Amount:    decimal.RequireFromString("99.10"),
		Reference: "wire-1",
	}
	first, err := ledger.CanonicalSerialize(p)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, _ := ledger.CanonicalSerialize(p)
		if string(again) != string(first) {
			t.Fatalf("serialisation not deterministic: %s vs %s", again, first)
		}
	}
}

func TestCanonicalSerialize_largeIntegersKeepPrecision(t *testing.T) {
	got, err := ledger.CanonicalSerialize(map[string]int64{"n": math.MaxInt64})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"n":9223372036854775807}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalSerialize_rejectsUnrepresentable(t *testing.T) {
	cases := map[string]any{
		"nan":     map[string]float64{"v": math.NaN()},
		"inf":     math.Inf(1),
		"channel": make(chan int),
		"func":    func() {},
	}
	for name, v := range cases {
		if _, err := ledger.CanonicalSerialize(v); !errors.Is(err, ledger.ErrSerialization) {
			t.Errorf("%s: expected ErrSerialization, got %v", name, err)
		}
	}
}

func TestComputeBlockHash_fieldBoundariesMatter(t *testing.T) {
	h1 := ledger.ComputeBlockHash("ab", "c", 1, "owner", ledger.KindRatingGiven)
	h2 := ledger.ComputeBlockHash("a", "bc", 1, "owner", ledger.KindRatingGiven)
	if h1 == h2 {
		t.Error("distinct field splits must hash differently")
	}
	if h1 != ledger.ComputeBlockHash("ab", "c", 1, "owner", ledger.KindRatingGiven) {
		t.Error("ComputeBlockHash is not deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}
