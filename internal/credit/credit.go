// Package credit guards paid inference behind the user's balance.
//
// The flow is reserve-then-settle: before any upstream call the guard checks
// the balance against the worst-case cost of the request (nothing is held in
// the database); after completion it deducts the actual cost atomically under
// optimistic locking. Settlement failures that survive retries are journaled
// so billing can reconcile them — a completed response is never clawed back.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz/internal/pricing"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/internal/store"
)

// Settlement retry schedules. Non-streaming settlements race other writers
// for milliseconds and run the full conflict schedule once; streaming
// settlements run two shorter rounds — six deduction attempts total — with a
// pause between rounds before the journal takes over.
var (
	retryBackoff  = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 60 * time.Millisecond}
	streamBackoff = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond}
)

const (
	streamRounds     = 2
	streamRoundPause = time.Second
)

// suggestedMaxTokensFloor: below this a truncated completion is useless, so
// the 402 payload omits the suggestion entirely.
const suggestedMaxTokensFloor = 100

// trialAlertIndicators: a "trial" user carrying this many paid-subscription
// indicators is a state-machine bug upstream, worth an alert.
const trialAlertIndicators = 3

// InsufficientError carries everything the 402 response body needs.
type InsufficientError struct {
	CurrentCredits     decimal.Decimal
	RequiredCredits    decimal.Decimal
	SuggestedMaxTokens int // 0 = omit
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("credit: insufficient: have %s, need %s",
		e.CurrentCredits.String(), e.RequiredCredits.String())
}

// Deficit returns required minus current.
func (e *InsufficientError) Deficit() decimal.Decimal {
	return e.RequiredCredits.Sub(e.CurrentCredits)
}

// Reservation is the pre-flight admission result. Pricing is pinned here so
// a catalog sync mid-request cannot change what the request is billed at.
// Trial marks a reservation that must never be settled.
type Reservation struct {
	UserID        string
	CanonicalID   string
	ProviderSlug  string
	Pricing       pricing.Pricing
	MaxCost       decimal.Decimal
	Trial         bool
	TrialOverride bool
}

// Outcome labels how a settlement ended, for metrics and logs.
type Outcome string

const (
	OutcomeSettled   Outcome = "ok"
	OutcomeJournaled Outcome = "journaled"
	OutcomeSkipped   Outcome = "skipped"
)

// EstimatedCost is the worst-case bill for a request: estimated prompt
// tokens at the prompt rate, the full max_tokens at the completion rate,
// plus flat per-request and per-image adders.
func EstimatedCost(p pricing.Pricing, estPromptTokens, maxOutputTokens, images int) decimal.Decimal {
	cost := p.Prompt.Mul(decimal.NewFromInt(int64(estPromptTokens))).
		Add(p.Completion.Mul(decimal.NewFromInt(int64(maxOutputTokens)))).
		Add(p.Request)
	if images > 0 {
		cost = cost.Add(p.Image.Mul(decimal.NewFromInt(int64(images))))
	}
	return cost
}

// ActualCost is the settled bill from provider-reported usage.
func ActualCost(p pricing.Pricing, u providers.Usage, images int) decimal.Decimal {
	cost := p.Prompt.Mul(decimal.NewFromInt(int64(u.PromptTokens))).
		Add(p.Completion.Mul(decimal.NewFromInt(int64(u.CompletionTokens)))).
		Add(p.Reasoning.Mul(decimal.NewFromInt(int64(u.ReasoningTokens)))).
		Add(p.Request)
	if images > 0 {
		cost = cost.Add(p.Image.Mul(decimal.NewFromInt(int64(images))))
	}
	return cost
}

// Guard mediates between the request path and the balance store.
type Guard struct {
	users   store.UserStore
	journal store.FailureJournal
	log     *slog.Logger
}

func NewGuard(users store.UserStore, journal store.FailureJournal, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{users: users, journal: journal, log: log}
}

// Reserve admits or rejects a request against the user's balance.
//
// Trial accounts admit without any cost math and are never billed. The
// exception is a trial account carrying paid-subscription indicators: those
// mean payment state ran ahead of the is_trial flag, so the request is
// treated as paid and goes through the normal balance check. Free-tier
// requests (zero pricing) admit unconditionally.
func (g *Guard) Reserve(
	ctx context.Context,
	user *store.User,
	canonicalID, providerSlug string,
	p pricing.Pricing,
	estPromptTokens, maxOutputTokens, images int,
) (*Reservation, error) {
	res := &Reservation{
		UserID:       user.UserID,
		CanonicalID:  canonicalID,
		ProviderSlug: providerSlug,
		Pricing:      p,
	}

	if p.IsZero() {
		return res, nil
	}

	if user.IsTrial {
		indicators := user.SubscriptionIndicators()
		if len(indicators) == 0 {
			res.Trial = true
			return res, nil
		}
		res.TrialOverride = true
		if len(indicators) >= trialAlertIndicators {
			g.log.Error("trial_flag_inconsistent",
				slog.String("user_id", user.UserID),
				slog.Any("indicators", indicators),
			)
		} else {
			g.log.Warn("trial_override",
				slog.String("user_id", user.UserID),
				slog.Any("indicators", indicators),
			)
		}
	}

	maxCost := EstimatedCost(p, estPromptTokens, maxOutputTokens, images)
	res.MaxCost = maxCost

	balance, _, err := g.users.Balance(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("credit: reserve: %w", err)
	}

	if balance.LessThan(maxCost) {
		ie := &InsufficientError{
			CurrentCredits:  balance,
			RequiredCredits: maxCost,
		}
		// Suggest the largest max_tokens the balance does cover, if it still
		// buys a useful completion.
		if maxOutputTokens > 0 && maxCost.IsPositive() {
			suggested := decimal.NewFromInt(int64(maxOutputTokens)).
				Mul(balance).Div(maxCost).IntPart()
			if suggested >= suggestedMaxTokensFloor {
				ie.SuggestedMaxTokens = int(suggested)
			}
		}
		return nil, ie
	}

	return res, nil
}

// Settle deducts the actual cost for a non-streaming request. Version
// conflicts retry on a short schedule; anything that survives goes to the
// journal and the response still succeeds. Trial reservations are never
// billed.
func (g *Guard) Settle(ctx context.Context, res *Reservation, requestID string, cost decimal.Decimal) Outcome {
	if res.Trial || cost.IsZero() {
		return OutcomeSkipped
	}
	err := g.deductWithRetry(ctx, res, requestID, cost, retryBackoff)
	if err == nil {
		return OutcomeSettled
	}
	g.journalFailure(ctx, res, requestID, cost, err)
	return OutcomeJournaled
}

// SettleStreaming deducts after a streaming response: two rounds of the
// short conflict schedule, six deduction attempts in all, with a pause
// between rounds before the journal takes over. Exhaustion is alert-level —
// a streaming request already delivered its content, so an unsettled one is
// revenue walking out the door.
func (g *Guard) SettleStreaming(ctx context.Context, res *Reservation, requestID string, cost decimal.Decimal) Outcome {
	if res.Trial || cost.IsZero() {
		return OutcomeSkipped
	}

	var err error
	for round := 0; round < streamRounds; round++ {
		if round > 0 {
			select {
			case <-time.After(streamRoundPause):
			case <-ctx.Done():
			}
		}
		err = g.deductWithRetry(ctx, res, requestID, cost, streamBackoff)
		if err == nil {
			return OutcomeSettled
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			break
		}
	}

	g.log.Error("stream_settlement_exhausted",
		slog.String("user_id", res.UserID),
		slog.String("request_id", requestID),
		slog.String("cost", cost.String()),
		slog.String("error", err.Error()),
	)
	g.journalFailure(ctx, res, requestID, cost, err)
	return OutcomeJournaled
}

// deductWithRetry runs one round of the optimistic-lock deduction: read the
// current lock_version, attempt the conditional decrement, retry on conflict
// after each backoff step. ErrInsufficientFunds is terminal — retrying
// cannot make money appear.
func (g *Guard) deductWithRetry(ctx context.Context, res *Reservation, requestID string, cost decimal.Decimal, backoff []time.Duration) error {
	var err error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var lockVersion int64
		_, lockVersion, err = g.users.Balance(ctx, res.UserID)
		if err != nil {
			return fmt.Errorf("credit: settle read: %w", err)
		}

		_, err = g.users.DeductCredits(ctx, res.UserID, cost, lockVersion, store.CreditTransaction{
			UserID:    res.UserID,
			RequestID: requestID,
			Amount:    cost,
			Metadata: map[string]any{
				"model":    res.CanonicalID,
				"provider": res.ProviderSlug,
			},
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return err
}

func (g *Guard) journalFailure(ctx context.Context, res *Reservation, requestID string, cost decimal.Decimal, cause error) {
	reason := "settlement_failed"
	switch {
	case errors.Is(cause, store.ErrInsufficientFunds):
		reason = "insufficient_after_the_fact"
	case errors.Is(cause, store.ErrVersionConflict):
		reason = "version_conflict_exhausted"
	}

	g.log.Warn("settlement_journaled",
		slog.String("user_id", res.UserID),
		slog.String("request_id", requestID),
		slog.String("cost", cost.String()),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)

	jErr := g.journal.RecordDeductionFailure(ctx, store.DeductionFailure{
		RequestID: requestID,
		UserID:    res.UserID,
		Amount:    cost,
		Reason:    reason,
	})
	if jErr != nil {
		// Last resort: the structured log line is the journal now.
		g.log.Error("settlement_journal_write_failed",
			slog.String("user_id", res.UserID),
			slog.String("request_id", requestID),
			slog.String("cost", cost.String()),
			slog.String("error", jErr.Error()),
		)
	}
}
