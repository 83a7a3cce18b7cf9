// Package store declares the persistence shapes and operations the routing
// engine depends on. Implementations live in sub-packages (see postgres);
// tests substitute in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by UserStore implementations. CreditGuard switches
// on these to drive its retry and journaling behaviour.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrVersionConflict   = errors.New("store: lock version conflict")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)

// User mirrors one row of the users table.
type User struct {
	UserID               string
	APIKeyID             string
	Credits              decimal.Decimal
	LockVersion          int64
	IsTrial              bool
	SubscriptionStatus   string
	StripeCustomerID     string
	StripeSubscriptionID string
	Plan                 string
	TrialExpiresAt       *time.Time
}

// SubscriptionIndicators returns the set of fields suggesting the user holds a
// paid subscription. A trial flag combined with any indicator means the trial
// webhook failed to flip is_trial; three or more indicators raise an alert.
func (u *User) SubscriptionIndicators() []string {
	var out []string
	if u.SubscriptionStatus == "active" {
		out = append(out, "subscription_status")
	}
	if u.StripeCustomerID != "" {
		out = append(out, "stripe_customer_id")
	}
	if u.StripeSubscriptionID != "" {
		out = append(out, "stripe_subscription_id")
	}
	if u.Plan != "" && u.Plan != "free" {
		out = append(out, "plan")
	}
	return out
}

// CreditTransaction mirrors one row of credit_transactions.
type CreditTransaction struct {
	ID           string
	UserID       string
	RequestID    string
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	CreatedAt    time.Time
	Metadata     map[string]any
}

// DeductionFailure mirrors one row of the credit_deduction_failures journal.
type DeductionFailure struct {
	RequestID string
	UserID    string
	Amount    decimal.Decimal
	Reason    string
	CreatedAt time.Time
}

// CompletionRequest mirrors one row of chat_completion_requests.
type CompletionRequest struct {
	RequestID        string
	UserID           string
	APIKeyID         string
	Provider         string
	CanonicalID      string
	UpstreamModelID  string
	Status           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             decimal.Decimal
	IsAnonymous      bool
	CreatedAt        time.Time
	ProcessingTimeMs int64
}

// CatalogRow mirrors one row of models_catalog: a single (provider, model)
// binding with its pricing and capability metadata.
type CatalogRow struct {
	ProviderSlug    string
	UpstreamModelID string
	CanonicalID     string
	DisplayName     string
	Description     string
	Aliases         []string
	Priority        int
	PricingJSON     []byte
	Features        []string
	Modalities      []string
	ContextLength   int
	Active          bool
	UpdatedAt       time.Time
}

// HealthRow mirrors one row of model_health_tracking.
type HealthRow struct {
	Provider            string
	CanonicalID         string
	MonitoringTier      string
	ConsecutiveFailures int
	BreakerState        string
	LastStatus          string
	AvgLatencyMs        int64
	NextCheckAt         time.Time
}

// UserStore provides user lookup and the atomic credit decrement.
type UserStore interface {
	// UserByAPIKey resolves a bearer token to its user. ErrNotFound on miss.
	UserByAPIKey(ctx context.Context, apiKey string) (*User, error)

	// Balance returns the current credits and lock_version for the user.
	Balance(ctx context.Context, userID string) (decimal.Decimal, int64, error)

	// DeductCredits decrements credits by amount, conditional on lockVersion
	// being unchanged and on credits >= amount, and records the transaction
	// row in the same database transaction. Returns the balance after the
	// decrement. ErrVersionConflict when another writer won; and
	// ErrInsufficientFunds when the guard clause rejected the decrement.
	DeductCredits(ctx context.Context, userID string, amount decimal.Decimal, lockVersion int64, txn CreditTransaction) (decimal.Decimal, error)
}

// FailureJournal records settlements that could not be committed, for
// out-of-band reconciliation.
type FailureJournal interface {
	RecordDeductionFailure(ctx context.Context, f DeductionFailure) error
}

// RequestStore persists per-request accounting rows.
type RequestStore interface {
	InsertCompletionRequest(ctx context.Context, r CompletionRequest) error
}

// CatalogStore reads the synced model catalog used to build registry snapshots.
type CatalogStore interface {
	ListActiveModels(ctx context.Context, providers []string) ([]CatalogRow, error)
}

// HealthStore persists health-tracking rows for the tiered scheduler.
type HealthStore interface {
	UpsertHealth(ctx context.Context, h HealthRow) error
	PruneIdle(ctx context.Context, olderThan time.Time) (int64, error)
}
