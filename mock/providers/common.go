package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// wordPool feeds the generated completion text.
var wordPool = []string{
	"routing", "the", "request", "through", "a", "healthy", "upstream",
	"provider", "with", "failover", "and", "usage", "accounting", "enabled",
	"this", "mock", "response", "stands", "in", "for", "real", "model",
	"output", "during", "local", "development", "and", "load", "testing",
}

// sampleText returns generated response text of roughly n words.
func sampleText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(words, " ") + "."
}

// embedVector returns a unit-range float vector standing in for an embedding.
func embedVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func injectLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// injectFault reports whether this request should simulate an upstream failure.
func injectFault(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}
