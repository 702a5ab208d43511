// Package correlation stashes a per-request correlation ID in a
// context.Context so handlers and the client/error layers can tag logs
// and responses with the same ID without threading it through every
// call signature.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xpki/certutil"
	"github.com/openanolis/tng/x/slices"
	"github.com/openanolis/tng/xhttp/header"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/xhttp", "correlation")

type contextKey int

const keyContext contextKey = iota

// IDSize specifies a size in characters for the correlation ID.
const IDSize = 12

// RequestContext carries the correlation ID for one request.
type RequestContext struct {
	ID string
}

// Value returns the RequestContext stashed in ctx, or nil.
func Value(ctx context.Context) *RequestContext {
	if r, ok := ctx.Value(keyContext).(*RequestContext); ok {
		return r
	}
	return nil
}

// ID returns the correlation ID stashed in ctx, or "" if none.
func ID(ctx context.Context) string {
	if v := Value(ctx); v != nil {
		return v.ID
	}
	return ""
}

// WithID returns a context carrying a correlation ID: the one already in
// ctx, if any, otherwise a freshly generated one.
func WithID(ctx context.Context) context.Context {
	if ctx.Value(keyContext) != nil {
		return ctx
	}
	rctx := &RequestContext{ID: certutil.RandomString(IDSize)}
	ctx = context.WithValue(ctx, keyContext, rctx)
	return xlog.ContextWithKV(ctx, "ctx", rctx.ID)
}

// WithMetaFromRequest returns a context carrying the correlation ID found
// on the incoming request (the X-Correlation-Id header, falling back to
// X-Request-ID), minting one if neither is present.
func WithMetaFromRequest(req *http.Request) context.Context {
	incomingID := req.Header.Get(header.XCorrelationID)
	if incomingID == "" {
		incomingID = req.Header.Get("X-Request-ID")
	}

	var corID string
	if incomingID != "" {
		corID = slices.StringUpto(incomingID, IDSize)
	} else {
		corID = certutil.RandomString(IDSize)
	}

	l := xlog.DEBUG
	if strings.Contains(req.Header.Get(header.Accept), "json") {
		l = xlog.TRACE
	}
	path := ""
	if req.URL != nil {
		path = req.URL.Path
	}
	logger.KV(l, "ctx", corID, "incoming_ctx", incomingID, "path", path)

	rctx := &RequestContext{ID: corID}
	ctx := context.WithValue(req.Context(), keyContext, rctx)
	return xlog.ContextWithKV(ctx, "ctx", rctx.ID)
}

// NewHandler returns an http.Handler that stashes a correlation ID (minted
// from the request, or freshly generated) into the request context before
// calling delegate, and echoes it back on the response.
func NewHandler(delegate http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithMetaFromRequest(r)
		r = r.WithContext(ctx)
		w.Header().Set(header.XCorrelationID, ID(ctx))
		delegate.ServeHTTP(w, r)
	})
}
