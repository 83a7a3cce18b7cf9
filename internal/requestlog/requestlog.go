// Package requestlog persists per-request accounting rows without blocking
// the proxy hot path.
//
// Rows are written to an internal buffered channel and flushed in batches by
// a background goroutine into ClickHouse. If the channel fills up (> 10 000
// rows), new rows are dropped and counted in Dropped. When no ClickHouse
// connection is configured every row is emitted as a structured log line
// instead, so accounting data is never silently lost in development.
package requestlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Alpaca-Network/gatewayz/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	insertQuery = `INSERT INTO chat_completion_requests (
		request_id, user_id, api_key_id, provider, canonical_id,
		upstream_model_id, status, prompt_tokens, completion_tokens,
		total_tokens, cost, is_anonymous, created_at, processing_time_ms)`
)

// Writer batches completion-request rows into ClickHouse.
type Writer struct {
	ch        chan store.CompletionRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	conn    driver.Conn // nil → log-only mode
	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, conn driver.Conn, slogger *slog.Logger) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("requestlog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	w := &Writer{
		ch:      make(chan store.CompletionRequest, channelBuffer),
		done:    make(chan struct{}),
		conn:    conn,
		baseCtx: ctx,
		log:     slogger,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Record enqueues one row. Never blocks; rows beyond the buffer are dropped.
func (w *Writer) Record(r store.CompletionRequest) {
	select {
	case w.ch <- r:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

// Dropped returns the number of rows lost to backpressure.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains the channel, flushes the final batch and stops the goroutine.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.CompletionRequest, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.insert(batch); err != nil {
			w.log.Error("requestlog_flush_failed",
				slog.Int("rows", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-w.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case r := <-w.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) insert(rows []store.CompletionRequest) error {
	if w.conn == nil {
		for _, r := range rows {
			w.logRow(r)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(w.baseCtx, 10*time.Second)
	defer cancel()

	b, err := w.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	for _, r := range rows {
		err := b.Append(
			r.RequestID,
			r.UserID,
			r.APIKeyID,
			r.Provider,
			r.CanonicalID,
			r.UpstreamModelID,
			r.Status,
			uint32(r.PromptTokens),
			uint32(r.CompletionTokens),
			uint32(r.TotalTokens),
			r.Cost.InexactFloat64(),
			r.IsAnonymous,
			normalizeTime(r.CreatedAt),
			uint32(r.ProcessingTimeMs),
		)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}
	return b.Send()
}

func (w *Writer) logRow(r store.CompletionRequest) {
	w.log.InfoContext(w.baseCtx, "completion_request",
		slog.String("request_id", r.RequestID),
		slog.String("user_id", r.UserID),
		slog.String("provider", r.Provider),
		slog.String("model", r.CanonicalID),
		slog.String("status", r.Status),
		slog.Int("prompt_tokens", r.PromptTokens),
		slog.Int("completion_tokens", r.CompletionTokens),
		slog.String("cost", r.Cost.String()),
		slog.Int64("latency_ms", r.ProcessingTimeMs),
		slog.Time("created_at", normalizeTime(r.CreatedAt)),
	)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
