// Package postgres implements the store interfaces on PostgreSQL.
//
// All statements use a 5 second deadline with a single retry on transient
// failures. Money columns are DECIMAL(18,9); values cross the wire as strings
// and are parsed with shopspring/decimal so no binary floating-point is ever
// involved in balance arithmetic.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz/internal/store"
)

const queryTimeout = 5 * time.Second

// DB wraps the primary connection and an optional read replica.
type DB struct {
	primary *sql.DB
	replica *sql.DB
}

// Open connects to the primary (and replica, when replicaDSN is non-empty)
// and verifies both with a ping.
func Open(ctx context.Context, dsn, replicaDSN string) (*DB, error) {
	primary, err := open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: primary: %w", err)
	}

	db := &DB{primary: primary}
	if replicaDSN != "" {
		replica, err := open(ctx, replicaDSN)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("postgres: replica: %w", err)
		}
		db.replica = replica
	}
	return db, nil
}

func open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases both connection pools.
func (d *DB) Close() error {
	var errs []error
	if d.replica != nil {
		errs = append(errs, d.replica.Close())
	}
	errs = append(errs, d.primary.Close())
	return errors.Join(errs...)
}

// Ready reports whether the primary answers a ping within one second.
func (d *DB) Ready(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return d.primary.PingContext(pingCtx) == nil
}

// reader prefers the replica for read-only statements.
func (d *DB) reader() *sql.DB {
	if d.replica != nil {
		return d.replica
	}
	return d.primary
}

// ── UserStore ────────────────────────────────────────────────────────────────

// UserByAPIKey resolves a bearer token to its user row. Reads go to the
// primary: key lookups gate billing and must not observe replica lag.
func (d *DB) UserByAPIKey(ctx context.Context, apiKey string) (*store.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		SELECT u.user_id, u.api_key_id, u.credits::text, u.lock_version, u.is_trial,
		       COALESCE(u.subscription_status, ''), COALESCE(u.stripe_customer_id, ''),
		       COALESCE(u.stripe_subscription_id, ''), COALESCE(u.plan, ''), u.trial_expires_at
		FROM users u
		JOIN api_keys k ON k.id = u.api_key_id
		WHERE k.key_hash = encode(sha256($1::bytea), 'hex') AND k.active`

	var (
		u       store.User
		credits string
		expires sql.NullTime
	)
	err := d.primary.QueryRowContext(ctx, q, apiKey).Scan(
		&u.UserID, &u.APIKeyID, &credits, &u.LockVersion, &u.IsTrial,
		&u.SubscriptionStatus, &u.StripeCustomerID, &u.StripeSubscriptionID,
		&u.Plan, &expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: user by api key: %w", err)
	}
	if u.Credits, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("postgres: parse credits: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		u.TrialExpiresAt = &t
	}
	return &u, nil
}

// Balance returns the current credits and lock_version for userID.
func (d *DB) Balance(ctx context.Context, userID string) (decimal.Decimal, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		credits     string
		lockVersion int64
	)
	err := d.primary.QueryRowContext(ctx,
		`SELECT credits::text, lock_version FROM users WHERE user_id = $1`, userID,
	).Scan(&credits, &lockVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, 0, store.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("postgres: balance: %w", err)
	}
	dec, err := decimal.NewFromString(credits)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("postgres: parse credits: %w", err)
	}
	return dec, lockVersion, nil
}

// DeductCredits performs the optimistic-locking decrement and writes the
// credit_transactions row inside the same database transaction. The guard
// clause `credits >= amount` keeps the balance non-negative under any
// interleaving; when zero rows match, the balance is re-read to distinguish a
// lost version race from an insufficient balance.
func (d *DB) DeductCredits(
	ctx context.Context,
	userID string,
	amount decimal.Decimal,
	lockVersion int64,
	txn store.CreditTransaction,
) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := d.primary.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var after string
	err = tx.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits - $1, lock_version = lock_version + 1
		WHERE user_id = $2 AND lock_version = $3 AND credits >= $1
		RETURNING credits::text`,
		amount.String(), userID, lockVersion,
	).Scan(&after)

	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish the two zero-row causes.
		var current string
		var version int64
		if rerr := tx.QueryRowContext(ctx,
			`SELECT credits::text, lock_version FROM users WHERE user_id = $1`, userID,
		).Scan(&current, &version); rerr != nil {
			if errors.Is(rerr, sql.ErrNoRows) {
				return decimal.Zero, store.ErrNotFound
			}
			return decimal.Zero, fmt.Errorf("postgres: reread balance: %w", rerr)
		}
		if version != lockVersion {
			return decimal.Zero, store.ErrVersionConflict
		}
		return decimal.Zero, store.ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: deduct: %w", err)
	}

	balanceAfter, err := decimal.NewFromString(after)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse balance: %w", err)
	}

	meta, _ := json.Marshal(txn.Metadata)
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, request_id, amount, balance_after, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)`,
		txn.ID, userID, txn.RequestID, amount.String(), balanceAfter.String(), meta,
	); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: transaction row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: commit: %w", err)
	}
	return balanceAfter, nil
}

// ── FailureJournal ───────────────────────────────────────────────────────────

func (d *DB) RecordDeductionFailure(ctx context.Context, f store.DeductionFailure) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := d.primary.ExecContext(ctx, `
		INSERT INTO credit_deduction_failures (request_id, user_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (request_id) DO NOTHING`,
		f.RequestID, f.UserID, f.Amount.String(), f.Reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: journal deduction failure: %w", err)
	}
	return nil
}

// ── RequestStore ─────────────────────────────────────────────────────────────

func (d *DB) InsertCompletionRequest(ctx context.Context, r store.CompletionRequest) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := d.primary.ExecContext(ctx, `
		INSERT INTO chat_completion_requests
			(request_id, user_id, api_key_id, provider, canonical_id, upstream_model_id,
			 status, prompt_tokens, completion_tokens, total_tokens, cost, is_anonymous,
			 created_at, processing_time_ms)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), $13)`,
		r.RequestID, r.UserID, r.APIKeyID, r.Provider, r.CanonicalID, r.UpstreamModelID,
		r.Status, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.Cost.String(),
		r.IsAnonymous, r.ProcessingTimeMs,
	)
	if err != nil {
		return fmt.Errorf("postgres: completion request row: %w", err)
	}
	return nil
}

// ── CatalogStore ─────────────────────────────────────────────────────────────

// ListActiveModels returns the active catalog rows, optionally filtered to a
// provider allowlist. Catalog reads tolerate replica lag.
func (d *DB) ListActiveModels(ctx context.Context, providers []string) ([]store.CatalogRow, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
		SELECT provider_slug, upstream_model_id, canonical_id,
		       COALESCE(display_name, ''), COALESCE(description, ''),
		       COALESCE(aliases, '{}'), COALESCE(priority, 100),
		       pricing, COALESCE(features, '{}'), COALESCE(modalities, '{text}'),
		       COALESCE(context_length, 0), updated_at
		FROM models_catalog
		WHERE active`
	args := []any{}
	if len(providers) > 0 {
		q += ` AND provider_slug = ANY($1)`
		args = append(args, encodeTextArray(providers))
	}
	q += ` ORDER BY canonical_id, priority`

	rows, err := d.reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list models: %w", err)
	}
	defer rows.Close()

	var out []store.CatalogRow
	for rows.Next() {
		var (
			r                           store.CatalogRow
			aliases, features, modality string
		)
		if err := rows.Scan(
			&r.ProviderSlug, &r.UpstreamModelID, &r.CanonicalID,
			&r.DisplayName, &r.Description, &aliases, &r.Priority,
			&r.PricingJSON, &features, &modality, &r.ContextLength, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan model: %w", err)
		}
		r.Aliases = decodeTextArray(aliases)
		r.Features = decodeTextArray(features)
		r.Modalities = decodeTextArray(modality)
		r.Active = true
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── HealthStore ──────────────────────────────────────────────────────────────

func (d *DB) UpsertHealth(ctx context.Context, h store.HealthRow) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := d.primary.ExecContext(ctx, `
		INSERT INTO model_health_tracking
			(provider, canonical_id, monitoring_tier, consecutive_failures,
			 breaker_state, last_status, avg_latency_ms, next_check_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (provider, canonical_id) DO UPDATE SET
			monitoring_tier = EXCLUDED.monitoring_tier,
			consecutive_failures = EXCLUDED.consecutive_failures,
			breaker_state = EXCLUDED.breaker_state,
			last_status = EXCLUDED.last_status,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			next_check_at = EXCLUDED.next_check_at,
			updated_at = NOW()`,
		h.Provider, h.CanonicalID, h.MonitoringTier, h.ConsecutiveFailures,
		h.BreakerState, h.LastStatus, h.AvgLatencyMs, h.NextCheckAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert health: %w", err)
	}
	return nil
}

func (d *DB) PruneIdle(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := d.primary.ExecContext(ctx,
		`DELETE FROM model_health_tracking WHERE updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune health: %w", err)
	}
	return res.RowsAffected()
}

// encodeTextArray builds a Postgres text[] literal. Values come from config
// (provider slugs), never from request input.
func encodeTextArray(vals []string) string {
	out := "{"
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += `"` + v + `"`
	}
	return out + "}"
}

// decodeTextArray parses a simple {a,b,c} Postgres array literal.
func decodeTextArray(s string) []string {
	if len(s) < 2 || s == "{}" {
		return nil
	}
	s = s[1 : len(s)-1]
	var out []string
	var cur []byte
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == '\\' && i+1 < len(s):
			i++
			cur = append(cur, s[i])
		case c == ',' && !inQuote:
			out = append(out, string(cur))
			cur = cur[:0]
		default:
			cur = append(cur, c)
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}
