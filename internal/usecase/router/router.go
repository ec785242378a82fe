// Package router implements the size router (C6): it classifies one item as
// inline or queue, grounded on §4.6 — the declared size hint is untrusted,
// so a cheap probe against the inline transport is the authoritative signal
// when the hint alone doesn't already force a decision.
package router

import (
	"context"

	"github.com/cptnfren/teltubby/internal/domain"
)

// Router holds the configured inline-transport ceiling.
type Router struct {
	inlineLimitBytes int64
}

// New builds a Router with the given inline-limit ceiling.
func New(inlineLimitBytes int64) *Router {
	return &Router{inlineLimitBytes: inlineLimitBytes}
}

// Decide returns inline or queue for item, probing transport only when the
// declared size hint doesn't already settle the question.
func (r *Router) Decide(ctx context.Context, item domain.Item, transport domain.InlineTransport) (domain.RouteDecision, error) {
	if item.DeclaredSize > 0 && item.DeclaredSize > r.inlineLimitBytes {
		return domain.RouteQueue, nil
	}

	fetchable, sizeBytes, err := transport.Probe(ctx, item.FileID)
	if err != nil {
		if kind, ok := domain.KindOf(err); ok && kind == domain.ErrFetchTooBig {
			return domain.RouteQueue, nil
		}
		return "", err
	}
	if !fetchable {
		return domain.RouteQueue, nil
	}
	if sizeBytes > 0 && sizeBytes > r.inlineLimitBytes {
		return domain.RouteQueue, nil
	}
	return domain.RouteInline, nil
}
