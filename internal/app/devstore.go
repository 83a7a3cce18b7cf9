package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz/internal/store"
)

// devStore stands in for Postgres when no DATABASE_URL is configured. Any
// bearer token resolves to its own user with a large balance; deductions are
// tracked in memory so the reserve/settle path runs end to end, but nothing
// persists. Strictly a development convenience.
type devStore struct {
	log *slog.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	versions map[string]int64
}

var devStartingCredits = decimal.NewFromInt(1000)

func newDevStore(log *slog.Logger) *devStore {
	return &devStore{
		log:      log,
		balances: make(map[string]decimal.Decimal),
		versions: make(map[string]int64),
	}
}

func (d *devStore) UserByAPIKey(_ context.Context, apiKey string) (*store.User, error) {
	if apiKey == "" {
		return nil, store.ErrNotFound
	}
	userID := "dev-" + apiKey[:min(8, len(apiKey))]

	d.mu.Lock()
	if _, ok := d.balances[userID]; !ok {
		d.balances[userID] = devStartingCredits
	}
	u := &store.User{
		UserID:      userID,
		APIKeyID:    userID,
		Credits:     d.balances[userID],
		LockVersion: d.versions[userID],
	}
	d.mu.Unlock()

	return u, nil
}

func (d *devStore) Balance(_ context.Context, userID string) (decimal.Decimal, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bal, ok := d.balances[userID]
	if !ok {
		return decimal.Zero, 0, store.ErrNotFound
	}
	return bal, d.versions[userID], nil
}

func (d *devStore) DeductCredits(
	_ context.Context,
	userID string,
	amount decimal.Decimal,
	lockVersion int64,
	_ store.CreditTransaction,
) (decimal.Decimal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bal, ok := d.balances[userID]
	if !ok {
		return decimal.Zero, store.ErrNotFound
	}
	if d.versions[userID] != lockVersion {
		return decimal.Zero, store.ErrVersionConflict
	}
	if bal.LessThan(amount) {
		return decimal.Zero, store.ErrInsufficientFunds
	}

	after := bal.Sub(amount)
	d.balances[userID] = after
	d.versions[userID]++
	return after, nil
}

func (d *devStore) RecordDeductionFailure(_ context.Context, f store.DeductionFailure) error {
	d.log.Warn("dev_deduction_failure",
		slog.String("request_id", f.RequestID),
		slog.String("amount", f.Amount.String()),
		slog.String("reason", f.Reason),
	)
	return nil
}

func (d *devStore) ListActiveModels(context.Context, []string) ([]store.CatalogRow, error) {
	return nil, nil
}
