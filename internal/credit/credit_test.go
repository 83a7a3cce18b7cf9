package credit

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz/internal/pricing"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/internal/store"
)

type fakeUserStore struct {
	credits     decimal.Decimal
	lockVersion int64

	// conflictsLeft forces this many ErrVersionConflict results before a
	// deduction is allowed through.
	conflictsLeft int
	deductCalls   int
	transactions  []store.CreditTransaction
}

func (f *fakeUserStore) UserByAPIKey(context.Context, string) (*store.User, error) {
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) Balance(context.Context, string) (decimal.Decimal, int64, error) {
	return f.credits, f.lockVersion, nil
}

func (f *fakeUserStore) DeductCredits(_ context.Context, _ string, amount decimal.Decimal, lockVersion int64, txn store.CreditTransaction) (decimal.Decimal, error) {
	f.deductCalls++
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		f.lockVersion++
		return decimal.Zero, store.ErrVersionConflict
	}
	if lockVersion != f.lockVersion {
		return decimal.Zero, store.ErrVersionConflict
	}
	if f.credits.LessThan(amount) {
		return decimal.Zero, store.ErrInsufficientFunds
	}
	f.credits = f.credits.Sub(amount)
	f.lockVersion++
	f.transactions = append(f.transactions, txn)
	return f.credits, nil
}

type fakeJournal struct {
	rows []store.DeductionFailure
}

func (f *fakeJournal) RecordDeductionFailure(_ context.Context, row store.DeductionFailure) error {
	f.rows = append(f.rows, row)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Rates chosen so 100 prompt + 350 completion tokens settle at 0.000135.
func testPricing() pricing.Pricing {
	return pricing.Pricing{
		Prompt:     dec("0.0000003"),
		Completion: dec("0.0000003"),
	}
}

func TestReserve_AdmitsWhenBalanceCovers(t *testing.T) {
	users := &fakeUserStore{credits: dec("1.00")}
	guard := NewGuard(users, &fakeJournal{}, nil)

	user := &store.User{UserID: "u1", Credits: users.credits}
	res, err := guard.Reserve(context.Background(), user, "gpt-4o", "openai", testPricing(), 100, 1000, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	want := dec("0.00033") // (100+1000) * 0.0000003
	if !res.MaxCost.Equal(want) {
		t.Errorf("MaxCost = %s, want %s", res.MaxCost, want)
	}
}

func TestReserve_RejectsWithSuggestion(t *testing.T) {
	// Balance covers half the worst case: suggestion scales max_tokens down.
	p := pricing.Pricing{Completion: dec("0.001")}
	users := &fakeUserStore{credits: dec("1.00")}
	guard := NewGuard(users, &fakeJournal{}, nil)

	user := &store.User{UserID: "u1"}
	_, err := guard.Reserve(context.Background(), user, "gpt-4o", "openai", p, 0, 2000, 0)

	var ie *InsufficientError
	if !asInsufficient(err, &ie) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
	if !ie.RequiredCredits.Equal(dec("2")) {
		t.Errorf("RequiredCredits = %s, want 2", ie.RequiredCredits)
	}
	if !ie.Deficit().Equal(dec("1")) {
		t.Errorf("Deficit = %s, want 1", ie.Deficit())
	}
	if ie.SuggestedMaxTokens != 1000 {
		t.Errorf("SuggestedMaxTokens = %d, want 1000", ie.SuggestedMaxTokens)
	}
}

func TestReserve_OmitsUselessSuggestion(t *testing.T) {
	// Balance buys fewer than 100 tokens: suggestion must be omitted.
	p := pricing.Pricing{Completion: dec("0.001")}
	users := &fakeUserStore{credits: dec("0.05")}
	guard := NewGuard(users, &fakeJournal{}, nil)

	_, err := guard.Reserve(context.Background(), &store.User{UserID: "u1"}, "gpt-4o", "openai", p, 0, 2000, 0)

	var ie *InsufficientError
	if !asInsufficient(err, &ie) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
	if ie.SuggestedMaxTokens != 0 {
		t.Errorf("SuggestedMaxTokens = %d, want 0 (omitted)", ie.SuggestedMaxTokens)
	}
}

func TestReserve_FreeTierSkipsBalance(t *testing.T) {
	users := &fakeUserStore{credits: decimal.Zero}
	guard := NewGuard(users, &fakeJournal{}, nil)

	res, err := guard.Reserve(context.Background(), &store.User{UserID: "u1"}, "small-model", "openai", pricing.Pricing{}, 100, 1000, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.MaxCost.IsZero() {
		t.Errorf("MaxCost = %s, want 0", res.MaxCost)
	}
}

func TestReserve_TrialSkipsCostMath(t *testing.T) {
	// Trial accounts admit regardless of balance; nothing is billed later.
	users := &fakeUserStore{credits: decimal.Zero}
	guard := NewGuard(users, &fakeJournal{}, nil)

	user := &store.User{UserID: "u1", IsTrial: true}
	res, err := guard.Reserve(context.Background(), user, "gpt-4o", "openai", testPricing(), 100, 1000, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.Trial {
		t.Error("expected Trial=true")
	}
	if !res.MaxCost.IsZero() {
		t.Errorf("MaxCost = %s, want 0 (no cost math for trial)", res.MaxCost)
	}
}

func TestSettle_TrialReservationNeverBilled(t *testing.T) {
	users := &fakeUserStore{credits: dec("1.00")}
	guard := NewGuard(users, &fakeJournal{}, nil)

	res := &Reservation{UserID: "u1", Trial: true}
	if got := guard.Settle(context.Background(), res, "req-1", dec("0.01")); got != OutcomeSkipped {
		t.Errorf("Settle outcome = %q, want %q", got, OutcomeSkipped)
	}
	if got := guard.SettleStreaming(context.Background(), res, "req-1", dec("0.01")); got != OutcomeSkipped {
		t.Errorf("SettleStreaming outcome = %q, want %q", got, OutcomeSkipped)
	}
	if users.deductCalls != 0 {
		t.Errorf("deduct calls = %d, want 0", users.deductCalls)
	}
	if !users.credits.Equal(dec("1.00")) {
		t.Errorf("balance = %s, want 1.00", users.credits)
	}
}

func TestReserve_TrialOverrideWithPaidIndicators(t *testing.T) {
	users := &fakeUserStore{credits: dec("100")}
	guard := NewGuard(users, &fakeJournal{}, nil)

	user := &store.User{
		UserID:           "u1",
		IsTrial:          true,
		StripeCustomerID: "cus_123",
	}
	res, err := guard.Reserve(context.Background(), user, "gpt-4o", "openai", testPricing(), 100, 1000, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.TrialOverride {
		t.Error("expected TrialOverride=true")
	}
	if res.Trial {
		t.Error("override reservations must settle, Trial should be false")
	}
}

func TestReserve_TrialOverrideStillChecksBalance(t *testing.T) {
	// The paid-indicator override routes a mislabeled paying customer through
	// the normal balance check, not around it.
	users := &fakeUserStore{credits: decimal.Zero}
	guard := NewGuard(users, &fakeJournal{}, nil)

	user := &store.User{
		UserID:           "u1",
		IsTrial:          true,
		StripeCustomerID: "cus_123",
	}
	_, err := guard.Reserve(context.Background(), user, "gpt-4o", "openai", testPricing(), 100, 1000, 0)

	var ie *InsufficientError
	if !asInsufficient(err, &ie) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
}

func TestSettle_DeductsActualCost(t *testing.T) {
	users := &fakeUserStore{credits: dec("1.00")}
	guard := NewGuard(users, &fakeJournal{}, nil)

	res := &Reservation{UserID: "u1", CanonicalID: "gpt-4o", ProviderSlug: "openai"}
	cost := ActualCost(testPricing(), providers.Usage{PromptTokens: 100, CompletionTokens: 350}, 0)
	if !cost.Equal(dec("0.000135")) {
		t.Fatalf("ActualCost = %s, want 0.000135", cost)
	}

	if got := guard.Settle(context.Background(), res, "req-1", cost); got != OutcomeSettled {
		t.Errorf("outcome = %q, want %q", got, OutcomeSettled)
	}

	if want := dec("0.999865"); !users.credits.Equal(want) {
		t.Errorf("balance = %s, want %s", users.credits, want)
	}
	if len(users.transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(users.transactions))
	}
	if users.transactions[0].RequestID != "req-1" {
		t.Errorf("transaction request_id = %q", users.transactions[0].RequestID)
	}
}

func TestSettle_RetriesVersionConflicts(t *testing.T) {
	users := &fakeUserStore{credits: dec("1.00"), conflictsLeft: 2}
	journal := &fakeJournal{}
	guard := NewGuard(users, journal, nil)

	res := &Reservation{UserID: "u1"}
	guard.Settle(context.Background(), res, "req-1", dec("0.01"))

	if users.deductCalls != 3 {
		t.Errorf("deduct calls = %d, want 3 (two conflicts + success)", users.deductCalls)
	}
	if !users.credits.Equal(dec("0.99")) {
		t.Errorf("balance = %s, want 0.99", users.credits)
	}
	if len(journal.rows) != 0 {
		t.Errorf("journal rows = %d, want 0", len(journal.rows))
	}
}

func TestSettle_JournalsWhenInsufficientAfterTheFact(t *testing.T) {
	users := &fakeUserStore{credits: dec("0.001")}
	journal := &fakeJournal{}
	guard := NewGuard(users, journal, nil)

	res := &Reservation{UserID: "u1"}
	if got := guard.Settle(context.Background(), res, "req-1", dec("0.01")); got != OutcomeJournaled {
		t.Errorf("outcome = %q, want %q", got, OutcomeJournaled)
	}

	if len(journal.rows) != 1 {
		t.Fatalf("journal rows = %d, want 1", len(journal.rows))
	}
	row := journal.rows[0]
	if row.Reason != "insufficient_after_the_fact" {
		t.Errorf("reason = %q", row.Reason)
	}
	if !row.Amount.Equal(dec("0.01")) {
		t.Errorf("amount = %s, want 0.01", row.Amount)
	}
	// Balance untouched: a failed settlement never partially deducts.
	if !users.credits.Equal(dec("0.001")) {
		t.Errorf("balance = %s, want 0.001", users.credits)
	}
}

func TestSettle_JournalsOnConflictExhaustion(t *testing.T) {
	users := &fakeUserStore{credits: dec("1.00"), conflictsLeft: 100}
	journal := &fakeJournal{}
	guard := NewGuard(users, journal, nil)

	guard.Settle(context.Background(), &Reservation{UserID: "u1"}, "req-1", dec("0.01"))

	if users.deductCalls != 4 {
		t.Errorf("deduct calls = %d, want 4 (initial + three retries)", users.deductCalls)
	}
	if len(journal.rows) != 1 {
		t.Fatalf("journal rows = %d, want 1", len(journal.rows))
	}
	if journal.rows[0].Reason != "version_conflict_exhausted" {
		t.Errorf("reason = %q", journal.rows[0].Reason)
	}
}

func TestSettleStreaming_SecondRoundSucceeds(t *testing.T) {
	// First inner round exhausts on conflicts; the fake then yields partway
	// through the second round, so the rerun settles.
	users := &fakeUserStore{credits: dec("1.00"), conflictsLeft: 4}
	journal := &fakeJournal{}
	guard := NewGuard(users, journal, nil)

	got := guard.SettleStreaming(context.Background(), &Reservation{UserID: "u1"}, "req-1", dec("0.01"))
	if got != OutcomeSettled {
		t.Errorf("outcome = %q, want %q", got, OutcomeSettled)
	}

	if !users.credits.Equal(dec("0.99")) {
		t.Errorf("balance = %s, want 0.99", users.credits)
	}
	if len(journal.rows) != 0 {
		t.Errorf("journal rows = %d, want 0", len(journal.rows))
	}
}

func TestSettleStreaming_CapsAtSixAttempts(t *testing.T) {
	// Two rounds of three attempts each, then the journal takes over.
	users := &fakeUserStore{credits: dec("1.00"), conflictsLeft: 100}
	journal := &fakeJournal{}
	guard := NewGuard(users, journal, nil)

	got := guard.SettleStreaming(context.Background(), &Reservation{UserID: "u1"}, "req-1", dec("0.01"))
	if got != OutcomeJournaled {
		t.Errorf("outcome = %q, want %q", got, OutcomeJournaled)
	}

	if users.deductCalls != 6 {
		t.Errorf("deduct calls = %d, want 6", users.deductCalls)
	}
	if len(journal.rows) != 1 {
		t.Fatalf("journal rows = %d, want 1", len(journal.rows))
	}
	if journal.rows[0].Reason != "version_conflict_exhausted" {
		t.Errorf("reason = %q", journal.rows[0].Reason)
	}
}

func TestSettleStreaming_ZeroCostIsNoop(t *testing.T) {
	users := &fakeUserStore{credits: dec("1.00")}
	guard := NewGuard(users, &fakeJournal{}, nil)

	guard.SettleStreaming(context.Background(), &Reservation{UserID: "u1"}, "req-1", decimal.Zero)

	if users.deductCalls != 0 {
		t.Errorf("deduct calls = %d, want 0", users.deductCalls)
	}
}

func asInsufficient(err error, target **InsufficientError) bool {
	if err == nil {
		return false
	}
	ie, ok := err.(*InsufficientError)
	if ok {
		*target = ie
	}
	return ok
}
