package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/Alpaca-Network/gatewayz/internal/auth"
	"github.com/Alpaca-Network/gatewayz/internal/credit"
	"github.com/Alpaca-Network/gatewayz/internal/pricing"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
	"github.com/Alpaca-Network/gatewayz/internal/store"
)

const testAPIKey = "sk-gwz-test-key"

// --- fakes -------------------------------------------------------------------

// fakeUsers implements store.UserStore and store.FailureJournal in memory.
type fakeUsers struct {
	mu          sync.Mutex
	balance     decimal.Decimal
	lockVersion int64
	deducted    decimal.Decimal
	deductions  int
	journaled   int
}

func newFakeUsers(credits string) *fakeUsers {
	return &fakeUsers{balance: decimal.RequireFromString(credits)}
}

func (f *fakeUsers) UserByAPIKey(_ context.Context, apiKey string) (*store.User, error) {
	if apiKey != testAPIKey {
		return nil, store.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.User{
		UserID:      "user-1",
		APIKeyID:    "key-1",
		Credits:     f.balance,
		LockVersion: f.lockVersion,
	}, nil
}

func (f *fakeUsers) Balance(_ context.Context, userID string) (decimal.Decimal, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.lockVersion, nil
}

func (f *fakeUsers) DeductCredits(
	_ context.Context,
	userID string,
	amount decimal.Decimal,
	lockVersion int64,
	_ store.CreditTransaction,
) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lockVersion != f.lockVersion {
		return decimal.Zero, store.ErrVersionConflict
	}
	if f.balance.LessThan(amount) {
		return decimal.Zero, store.ErrInsufficientFunds
	}
	f.balance = f.balance.Sub(amount)
	f.lockVersion++
	f.deducted = f.deducted.Add(amount)
	f.deductions++
	return f.balance, nil
}

func (f *fakeUsers) RecordDeductionFailure(_ context.Context, _ store.DeductionFailure) error {
	f.mu.Lock()
	f.journaled++
	f.mu.Unlock()
	return nil
}

func (f *fakeUsers) totalDeducted() (decimal.Decimal, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deducted, f.deductions
}

// fakeAdapter delegates calls to a per-test handler and records every request.
type fakeAdapter struct {
	slug    string
	handler func(req *providers.Request, sink providers.StreamSink) (*providers.Result, error)

	mu    sync.Mutex
	calls int
}

func (a *fakeAdapter) Slug() string                         { return a.slug }
func (a *fakeAdapter) HealthCheck(_ context.Context) error  { return nil }
func (a *fakeAdapter) Call(_ context.Context, req *providers.Request, sink providers.StreamSink) (*providers.Result, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.handler(req, sink)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func okAdapter(slug string) *fakeAdapter {
	return &fakeAdapter{slug: slug, handler: func(req *providers.Request, sink providers.StreamSink) (*providers.Result, error) {
		if req.Stream {
			_ = sink.Write(providers.StreamChunk{Content: "Hello"})
			_ = sink.Write(providers.StreamChunk{Content: " world", FinishReason: "stop"})
			return &providers.Result{
				Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 20},
			}, nil
		}
		return &providers.Result{
			ID:           "upstream-id-1",
			Content:      "Hello world",
			FinishReason: "stop",
			Usage:        providers.Usage{PromptTokens: 10, CompletionTokens: 20},
		}, nil
	}}
}

func failingAdapter(slug string, status int) *fakeAdapter {
	return &fakeAdapter{slug: slug, handler: func(_ *providers.Request, _ providers.StreamSink) (*providers.Result, error) {
		return nil, &providers.AdapterError{Slug: slug, Status: status, Message: "boom"}
	}}
}

// --- environment -------------------------------------------------------------

type envConfig struct {
	models   []registry.CanonicalModel
	adapters map[string]providers.Adapter
	credits  string
	cb       CBConfig
}

type testEnv struct {
	gw    *Gateway
	users *fakeUsers
}

func newTestEnv(t *testing.T, ec envConfig) *testEnv {
	t.Helper()

	reg := registry.New()
	if len(ec.models) > 0 {
		if err := reg.Swap(ec.models); err != nil {
			t.Fatalf("swap: %v", err)
		}
	}

	if ec.credits == "" {
		ec.credits = "100"
	}
	users := newFakeUsers(ec.credits)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw := NewGateway(context.Background(), GatewayDeps{
		Registry: reg,
		Adapters: ec.adapters,
		Pricing:  pricing.NewResolver(reg),
		Guard:    credit.NewGuard(users, users, quiet),
		Auth:     auth.New(users),
	}, GatewayOptions{
		Logger:   quiet,
		CBConfig: ec.cb,
	})
	t.Cleanup(gw.Close)

	return &testEnv{gw: gw, users: users}
}

// serve starts the gateway's full router on an in-memory listener.
func serve(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := gw.Server(nil)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 5 * time.Second,
	}
}

func postChat(t *testing.T, client *http.Client, path string, body map[string]any, apiKey string) (*http.Response, []byte) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://gw"+path, strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func chatBody(model string) map[string]any {
	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": "Say hello."},
		},
	}
}

// twoProviderModel binds test-model to alpha (priority 1) and beta (priority 2)
// at $0.00001/prompt and $0.00002/completion token.
func twoProviderModel() registry.CanonicalModel {
	binding := func(slug, upstream string, prio int) registry.ProviderBinding {
		return registry.ProviderBinding{
			ProviderSlug:    slug,
			UpstreamModelID: upstream,
			Priority:        prio,
			Features:        []string{registry.FeatureStreaming},
			Pricing:         registry.PricingTable{Prompt: "0.00001", Completion: "0.00002"},
			Enabled:         true,
		}
	}
	return registry.CanonicalModel{
		CanonicalID: "test-model",
		Aliases:     []string{"test-alias"},
		Providers: []registry.ProviderBinding{
			binding("alpha", "alpha-test-1", 1),
			binding("beta", "beta-test-1", 2),
		},
	}
}

func waitForDeduction(t *testing.T, users *fakeUsers, want string) {
	t.Helper()
	wantDec := decimal.RequireFromString(want)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := users.totalDeducted()
		if got.Equal(wantDec) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, n := users.totalDeducted()
	t.Fatalf("settlement: deducted %s in %d deductions, want %s", got.String(), n, want)
}

// --- blocking chat -----------------------------------------------------------

func TestChatCompletion_Success(t *testing.T) {
	alpha := okAdapter("alpha")
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": okAdapter("beta")},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out struct {
		ID       string `json:"id"`
		Object   string `json:"object"`
		Model    string `json:"model"`
		Provider string `json:"provider"`
		Choices  []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, body)
	}

	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if out.Model != "test-model" {
		t.Errorf("model = %q, want canonical ID", out.Model)
	}
	if out.Provider != "alpha" {
		t.Errorf("provider = %q, want alpha (priority 1)", out.Provider)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "Hello world" {
		t.Errorf("choices = %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 30 {
		t.Errorf("total_tokens = %d, want 30", out.Usage.TotalTokens)
	}

	// 10 prompt × 0.00001 + 20 completion × 0.00002 = 0.0005
	waitForDeduction(t, env.users, "0.0005")
}

func TestChatCompletion_AliasResolvesAndUpstreamIDSent(t *testing.T) {
	var gotUpstream string
	alpha := &fakeAdapter{slug: "alpha", handler: func(req *providers.Request, _ providers.StreamSink) (*providers.Result, error) {
		gotUpstream = req.UpstreamModelID
		return &providers.Result{Content: "ok", Usage: providers.Usage{PromptTokens: 1, CompletionTokens: 1}}, nil
	}}
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("TEST-ALIAS"), testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if gotUpstream != "alpha-test-1" {
		t.Errorf("upstream model = %q, want alpha-test-1", gotUpstream)
	}
}

func TestChatCompletion_FailoverToSecondProvider(t *testing.T) {
	alpha := failingAdapter("alpha", 500)
	beta := okAdapter("beta")
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": beta},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out struct {
		Provider string `json:"provider"`
	}
	_ = json.Unmarshal(body, &out)
	if out.Provider != "beta" {
		t.Errorf("provider = %q, want beta after failover", out.Provider)
	}
	if alpha.callCount() != 1 || beta.callCount() != 1 {
		t.Errorf("calls alpha=%d beta=%d", alpha.callCount(), beta.callCount())
	}
}

func TestChatCompletion_RequestSideErrorDoesNotFailOver(t *testing.T) {
	alpha := failingAdapter("alpha", 400)
	beta := okAdapter("beta")
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": beta},
	})
	client := serve(t, env.gw)

	resp, _ := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), testAPIKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 passed through", resp.StatusCode)
	}
	if beta.callCount() != 0 {
		t.Errorf("beta called %d times; request-side failures must not fail over", beta.callCount())
	}
}

func TestChatCompletion_AllProvidersFail(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models: []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{
			"alpha": failingAdapter("alpha", 500),
			"beta":  failingAdapter("beta", 503),
		},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), testAPIKey)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if got, _ := env.users.totalDeducted(); !got.IsZero() {
		t.Errorf("deducted %s for a failed request", got.String())
	}
}

func TestChatCompletion_BreakerTripReturns503(t *testing.T) {
	model := twoProviderModel()
	model.Providers = model.Providers[:1] // alpha only
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{model},
		adapters: map[string]providers.Adapter{"alpha": failingAdapter("alpha", 500)},
		cb:       CBConfig{FailureThreshold: 1, Cooldown: time.Hour},
	})
	client := serve(t, env.gw)

	resp, _ := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), testAPIKey)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("first request: status = %d, want 502", resp.StatusCode)
	}

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), testAPIKey)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second request: status = %d, want 503 from open breaker; body %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("503 should carry Retry-After")
	}
}

func TestChatCompletion_ProviderPinViaSlashForm(t *testing.T) {
	alpha := okAdapter("alpha")
	beta := okAdapter("beta")
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": beta},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("beta/beta-test-1"), testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var out struct {
		Provider string `json:"provider"`
	}
	_ = json.Unmarshal(body, &out)
	if out.Provider != "beta" {
		t.Errorf("provider = %q, want pinned beta", out.Provider)
	}
	if alpha.callCount() != 0 {
		t.Errorf("alpha called despite pin")
	}
}

func TestChatCompletion_ProviderFieldRoutesToPreferred(t *testing.T) {
	alpha := okAdapter("alpha")
	beta := okAdapter("beta")
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": beta},
	})
	client := serve(t, env.gw)

	body := chatBody("test-model")
	body["provider"] = "beta"
	resp, raw := postChat(t, client, "/v1/chat/completions", body, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Provider string `json:"provider"`
	}
	_ = json.Unmarshal(raw, &out)
	if out.Provider != "beta" {
		t.Errorf("provider = %q, want the preferred beta", out.Provider)
	}
	if alpha.callCount() != 0 {
		t.Errorf("alpha called despite provider preference")
	}
}

func TestChatCompletion_UnreachablePreferredFallsBack(t *testing.T) {
	alpha := okAdapter("alpha")
	beta := failingAdapter("beta", 500)
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": beta},
		cb:       CBConfig{FailureThreshold: 1, Cooldown: time.Hour},
	})
	client := serve(t, env.gw)

	// The preferred provider is reachable, so it serves exclusively and fails.
	body := chatBody("test-model")
	body["provider"] = "beta"
	resp, _ := postChat(t, client, "/v1/chat/completions", body, testAPIKey)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("first request: status = %d, want 502 tripping beta's breaker", resp.StatusCode)
	}

	// With beta's breaker open the preference is unreachable; the chain
	// continues with the remaining providers.
	resp, raw := postChat(t, client, "/v1/chat/completions", body, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second request: status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Provider string `json:"provider"`
	}
	_ = json.Unmarshal(raw, &out)
	if out.Provider != "alpha" {
		t.Errorf("provider = %q, want alpha after skipping the open breaker", out.Provider)
	}
}

// --- auth and validation -----------------------------------------------------

func TestChatCompletion_AuthFailures(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": okAdapter("alpha")},
	})
	client := serve(t, env.gw)

	resp, _ := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no header: status = %d", resp.StatusCode)
	}

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("test-model"), "sk-wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "invalid_api_key") {
		t.Errorf("bad key body: %s", body)
	}
}

func TestChatCompletion_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": okAdapter("alpha")},
	})
	client := serve(t, env.gw)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing model", map[string]any{"messages": []map[string]string{{"role": "user", "content": "x"}}}},
		{"empty messages", map[string]any{"model": "test-model", "messages": []map[string]string{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := postChat(t, client, "/v1/chat/completions", tc.body, testAPIKey)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestChatCompletion_UnknownModel404(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": okAdapter("alpha")},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("mystery-model"), testAPIKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "model_not_found") {
		t.Errorf("body: %s", body)
	}
}

// creditModel prices completion tokens so that max_tokens=4096 reserves
// exactly $0.20.
func creditModel() registry.CanonicalModel {
	return registry.CanonicalModel{
		CanonicalID: "credit-model",
		Providers: []registry.ProviderBinding{{
			ProviderSlug:    "alpha",
			UpstreamModelID: "alpha-credit-1",
			Priority:        1,
			Pricing:         registry.PricingTable{Completion: "0.000048828125"},
			Enabled:         true,
		}},
	}
}

func TestChatCompletion_InsufficientCredits402(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{creditModel()},
		adapters: map[string]providers.Adapter{"alpha": okAdapter("alpha")},
		credits:  "0.05",
	})
	client := serve(t, env.gw)

	body := chatBody("credit-model")
	body["max_tokens"] = 4096
	resp, raw := postChat(t, client, "/v1/chat/completions", body, testAPIKey)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}

	var out struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Current         string   `json:"current_credits"`
				Required        string   `json:"required_credits"`
				Deficit         string   `json:"credit_deficit"`
				Model           string   `json:"requested_model"`
				RequestID       string   `json:"request_id"`
				SuggestedTokens int      `json:"suggested_max_tokens"`
				Suggestions     []string `json:"suggestions"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, raw)
	}
	d := out.Error.Details
	if out.Error.Code != "insufficient_credits" {
		t.Errorf("code = %q", out.Error.Code)
	}
	if d.Current != "0.05" || d.Required != "0.20" || d.Deficit != "0.15" {
		t.Errorf("amounts = current %q required %q deficit %q", d.Current, d.Required, d.Deficit)
	}
	if d.Model != "credit-model" {
		t.Errorf("requested_model = %q", d.Model)
	}
	if d.RequestID == "" {
		t.Error("request_id missing")
	}
	if d.SuggestedTokens != 1024 {
		t.Errorf("suggested_max_tokens = %d, want 1024", d.SuggestedTokens)
	}
	if len(d.Suggestions) == 0 || !strings.Contains(d.Suggestions[0], "0.15") {
		t.Errorf("suggestions[0] must quote the deficit: %v", d.Suggestions)
	}
	var mentionsTokens bool
	for _, s := range d.Suggestions {
		if strings.Contains(s, "1024") {
			mentionsTokens = true
		}
	}
	if !mentionsTokens {
		t.Errorf("no suggestion quotes the affordable max_tokens: %v", d.Suggestions)
	}
}

// --- legacy pass-through -----------------------------------------------------

func TestLegacyPassThrough_VendorPrefix(t *testing.T) {
	var gotUpstream string
	openai := &fakeAdapter{slug: "openai", handler: func(req *providers.Request, _ providers.StreamSink) (*providers.Result, error) {
		gotUpstream = req.UpstreamModelID
		return &providers.Result{Content: "ok", Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 5}}, nil
	}}
	env := newTestEnv(t, envConfig{
		adapters: map[string]providers.Adapter{"openai": openai},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("gpt-3.5-turbo-0125"), testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if gotUpstream != "gpt-3.5-turbo-0125" {
		t.Errorf("upstream = %q", gotUpstream)
	}

	// Pass-through traffic carries zero pricing and must not bill.
	time.Sleep(50 * time.Millisecond)
	if got, _ := env.users.totalDeducted(); !got.IsZero() {
		t.Errorf("deducted %s on unpriced pass-through", got.String())
	}
}

func TestLegacyPassThrough_ExplicitProviderPin(t *testing.T) {
	openai := okAdapter("openai")
	env := newTestEnv(t, envConfig{
		adapters: map[string]providers.Adapter{"openai": openai},
	})
	client := serve(t, env.gw)

	resp, _ := postChat(t, client, "/v1/chat/completions", chatBody("openai/brand-new-model"), testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if openai.callCount() != 1 {
		t.Errorf("openai calls = %d", openai.callCount())
	}
}

func TestLegacyPassThrough_HighValueModelRefused(t *testing.T) {
	env := newTestEnv(t, envConfig{
		adapters: map[string]providers.Adapter{"openai": okAdapter("openai")},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/chat/completions", chatBody("gpt-4o-2099-preview"), testAPIKey)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "pricing_unavailable") {
		t.Errorf("body: %s", body)
	}
}

// --- legacy completions endpoint --------------------------------------------

func TestCompletions_PromptFoldsIntoMessages(t *testing.T) {
	var gotMessages []providers.Message
	alpha := &fakeAdapter{slug: "alpha", handler: func(req *providers.Request, _ providers.StreamSink) (*providers.Result, error) {
		gotMessages = req.Messages
		return &providers.Result{Content: "ok", Usage: providers.Usage{PromptTokens: 1, CompletionTokens: 1}}, nil
	}}
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/completions",
		map[string]any{"model": "test-model", "prompt": "Once upon a time"}, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if len(gotMessages) != 1 || gotMessages[0].Role != "user" || gotMessages[0].Content != "Once upon a time" {
		t.Errorf("messages = %+v", gotMessages)
	}
}

// --- streaming ---------------------------------------------------------------

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if strings.HasPrefix(block, "data: ") {
			frames = append(frames, strings.TrimPrefix(block, "data: "))
		}
	}
	return frames
}

func TestStreamChat_Success(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": okAdapter("alpha")},
	})
	client := serve(t, env.gw)

	body := chatBody("test-model")
	body["stream"] = true
	resp, raw := postChat(t, client, "/v1/chat/completions", body, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %q", ct)
	}

	frames := sseFrames(t, string(raw))
	if len(frames) < 4 {
		t.Fatalf("expected role+content, usage and [DONE] frames, got %d:\n%s", len(frames), raw)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("last frame = %q, want [DONE]", frames[len(frames)-1])
	}

	var first struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatalf("first frame: %v\n%s", err, frames[0])
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", first.Object)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("first delta role = %q", first.Choices[0].Delta.Role)
	}
	if first.Choices[0].Delta.Content != "Hello" {
		t.Errorf("first delta content = %q", first.Choices[0].Delta.Content)
	}

	// The final data frame before [DONE] carries usage.
	var usageFrame struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(frames[len(frames)-2]), &usageFrame); err != nil {
		t.Fatalf("usage frame: %v\n%s", err, frames[len(frames)-2])
	}
	if usageFrame.Usage == nil || usageFrame.Usage.PromptTokens != 10 || usageFrame.Usage.CompletionTokens != 20 {
		t.Errorf("usage frame = %s", frames[len(frames)-2])
	}

	waitForDeduction(t, env.users, "0.0005")
}

func TestStreamChat_FailoverBeforeFirstByte(t *testing.T) {
	alpha := failingAdapter("alpha", 500)
	beta := okAdapter("beta")
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": beta},
	})
	client := serve(t, env.gw)

	body := chatBody("test-model")
	body["stream"] = true
	resp, raw := postChat(t, client, "/v1/chat/completions", body, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	out := string(raw)
	if !strings.Contains(out, "Hello") || !strings.Contains(out, "[DONE]") {
		t.Errorf("stream missing content after failover:\n%s", out)
	}
	if alpha.callCount() != 1 || beta.callCount() != 1 {
		t.Errorf("calls alpha=%d beta=%d", alpha.callCount(), beta.callCount())
	}
}

func TestStreamChat_MidStreamFailureReportsInBand(t *testing.T) {
	alpha := &fakeAdapter{slug: "alpha", handler: func(_ *providers.Request, sink providers.StreamSink) (*providers.Result, error) {
		_ = sink.Write(providers.StreamChunk{Content: "partial"})
		return nil, &providers.AdapterError{Slug: "alpha", Status: 500, Message: "connection reset"}
	}}
	beta := okAdapter("beta")
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": alpha, "beta": beta},
	})
	client := serve(t, env.gw)

	body := chatBody("test-model")
	body["stream"] = true
	resp, raw := postChat(t, client, "/v1/chat/completions", body, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (stream errors must stay in-band)", resp.StatusCode)
	}

	out := string(raw)
	if !strings.Contains(out, "partial") {
		t.Errorf("delivered content missing:\n%s", out)
	}
	if !strings.Contains(out, "stream_interrupted") {
		t.Errorf("no in-band error frame:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Errorf("stream not terminated with [DONE]:\n%s", out)
	}
	// Once bytes are out there is no switching providers.
	if beta.callCount() != 0 {
		t.Errorf("beta called after first byte")
	}

	// An interrupted stream is never billed.
	time.Sleep(50 * time.Millisecond)
	if got, _ := env.users.totalDeducted(); !got.IsZero() {
		t.Errorf("deducted %s for an interrupted stream", got.String())
	}
}

// --- models listing ----------------------------------------------------------

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{twoProviderModel()},
		adapters: map[string]providers.Adapter{"alpha": okAdapter("alpha")},
	})
	client := serve(t, env.gw)

	resp, err := client.Get("http://gw/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID        string   `json:"id"`
			Providers []string `json:"providers"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, raw)
	}
	if out.Object != "list" || len(out.Data) != 1 {
		t.Fatalf("body: %s", raw)
	}
	if out.Data[0].ID != "test-model" || len(out.Data[0].Providers) != 2 {
		t.Errorf("entry: %+v", out.Data[0])
	}
}

// --- image generation ---------------------------------------------------------

// imageCapableAdapter is a fakeAdapter that also serves image generation.
type imageCapableAdapter struct {
	*fakeAdapter
	genErr error
}

func (a *imageCapableAdapter) GenerateImages(_ context.Context, _, _ string, n int, _ string) ([]providers.ImageData, error) {
	if a.genErr != nil {
		return nil, a.genErr
	}
	out := make([]providers.ImageData, n)
	for i := range out {
		out[i] = providers.ImageData{URL: fmt.Sprintf("https://img.example/%d.png", i)}
	}
	return out, nil
}

// imageModel binds paint-1 to alpha at $0.04 per generated image.
func imageModel() registry.CanonicalModel {
	return registry.CanonicalModel{
		CanonicalID: "paint-1",
		Providers: []registry.ProviderBinding{{
			ProviderSlug:    "alpha",
			UpstreamModelID: "alpha-paint-1",
			Priority:        1,
			Pricing:         registry.PricingTable{Image: "0.04"},
			Enabled:         true,
		}},
	}
}

func TestImagesGeneration_BillsPerImage(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{imageModel()},
		adapters: map[string]providers.Adapter{"alpha": &imageCapableAdapter{fakeAdapter: okAdapter("alpha")}},
	})
	client := serve(t, env.gw)

	resp, raw := postChat(t, client, "/v1/images/generations",
		map[string]any{"model": "paint-1", "prompt": "a lighthouse at dusk", "n": 2}, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}

	var out struct {
		Created int64 `json:"created"`
		Data    []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, raw)
	}
	if out.Created == 0 || len(out.Data) != 2 {
		t.Fatalf("body: %s", raw)
	}
	if out.Data[0].URL == "" || out.Data[1].URL == "" {
		t.Errorf("data entries missing URLs: %s", raw)
	}

	// Two images at $0.04 each.
	waitForDeduction(t, env.users, "0.08")
}

func TestImagesGeneration_InsufficientCredits402(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{imageModel()},
		adapters: map[string]providers.Adapter{"alpha": &imageCapableAdapter{fakeAdapter: okAdapter("alpha")}},
		credits:  "0.01",
	})
	client := serve(t, env.gw)

	resp, raw := postChat(t, client, "/v1/images/generations",
		map[string]any{"model": "paint-1", "prompt": "a lighthouse at dusk"}, testAPIKey)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	if !strings.Contains(string(raw), `"requested_model":"paint-1"`) {
		t.Errorf("body missing requested_model: %s", raw)
	}
}

func TestImagesGeneration_AdapterWithoutImageSupport(t *testing.T) {
	env := newTestEnv(t, envConfig{
		models:   []registry.CanonicalModel{imageModel()},
		adapters: map[string]providers.Adapter{"alpha": okAdapter("alpha")},
	})
	client := serve(t, env.gw)

	resp, body := postChat(t, client, "/v1/images/generations",
		map[string]any{"model": "paint-1", "prompt": "a lighthouse at dusk"}, testAPIKey)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}
