// Command providers runs local HTTP servers that imitate the upstream LLM
// APIs the gateway routes to. Point the gateway's *_BASE_URL variables at
// them to exercise routing, failover and billing without real credentials:
//
//	OPENAI_API_KEY=mock OPENAI_BASE_URL=http://localhost:19001/v1 \
//	GROQ_API_KEY=mock GROQ_BASE_URL=http://localhost:19001/v1 \
//	ANTHROPIC_API_KEY=mock ANTHROPIC_BASE_URL=http://localhost:19002 \
//	GEMINI_API_KEY=mock GEMINI_BASE_URL=http://localhost:19003 \
//	make run
//
// Every OpenAI-compatible provider (openai, xai, deepseek, groq, together,
// perplexity, cerebras) speaks the same wire format, so all of them can
// share the :19001 listener.
//
// Ports override via PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI.
//
// Behaviour flags:
//
//	MOCK_LATENCY_MS   — artificial latency per response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests answered with HTTP 500
//	MOCK_STREAM_WORDS — words per generated completion (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds behaviour knobs shared by every mock listener.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func portFromEnv(key string, def int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(def)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock_provider_listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("mock_provider_failed", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("mock_providers_starting",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		startServer("openai-compat", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("mock_providers_stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock_providers_stopped")
}
