package proxy

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

// maxClientRequestIDLen caps client-supplied X-Request-ID values. Anything
// longer, or carrying control bytes, is replaced with a fresh UUID so log
// lines, journal rows and request-log rows stay greppable.
const maxClientRequestIDLen = 64

// recovery catches handler panics and converts them into the standard 500
// envelope. The panic value is logged with the request ID so the settlement
// journal and request log can be cross-checked afterwards.
func recovery(log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if log == nil {
		log = slog.Default()
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", requestIDFrom(ctx)),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError,
						"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
				}
			}()
			next(ctx)
		}
	}
}

// requestID tags every request with an X-Request-ID, reusing the client's
// value when it passes sanitization. The ID is echoed on the response and
// stored under the "request_id" user value for dispatchers, settlement and
// the request log.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := sanitizeRequestID(string(ctx.Request.Header.Peek("X-Request-ID")))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func sanitizeRequestID(id string) string {
	if len(id) == 0 || len(id) > maxClientRequestIDLen {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] == 0x7f {
			return ""
		}
	}
	return id
}

// observedRoutes bounds the route label cardinality of the HTTP metrics;
// unmatched paths (404 probes and the like) collapse into "other".
var observedRoutes = map[string]struct{}{
	"/v1/chat/completions":   {},
	"/v1/completions":        {},
	"/v1/embeddings":         {},
	"/v1/images/generations": {},
	"/v1/models":             {},
	"/health":                {},
	"/readiness":             {},
}

// timing stamps X-Response-Time and feeds the transport-level HTTP metrics.
// The duration covers handler execution; a streamed body is written after the
// handler returns and is not included here — the per-provider request
// histogram carries full stream time.
func timing(m *metrics.Registry) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			elapsed := time.Since(start)
			ctx.Response.Header.Set("X-Response-Time", elapsed.String())
			if m == nil {
				return
			}
			route := string(ctx.Path())
			if _, known := observedRoutes[route]; !known {
				route = "other"
			}
			m.ObserveHTTP(route, ctx.Response.StatusCode(), elapsed,
				len(ctx.PostBody()), len(ctx.Response.Body()))
		}
	}
}

// securityHeaders hardens every response. The gateway serves JSON only, so
// the CSP denies all resource loads and framing outright.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns CORS middleware for the configured origins. With no
// allowlist (or "*") every origin is admitted. With an allowlist the
// request's Origin is echoed back only on an exact match, and Vary: Origin
// keeps shared caches from serving one origin's response to another.
// OPTIONS preflights are answered with 204 and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	open := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if open {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Vary", "Origin")
				origin := string(ctx.Request.Header.Peek("Origin"))
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Max-Age", "600")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware in the slice becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
