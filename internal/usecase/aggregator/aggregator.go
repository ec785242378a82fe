// Package aggregator implements the album aggregator (C4): it buckets
// incoming items sharing a (chat_id, media_group_id) key behind a timer and
// emits a single domain.MessageUnit once the window elapses, grounded on
// the window/bucket design of the original album_aggregator.py.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
)

// Emitter is called once per closed bucket (including single-message units
// with no group id, which are emitted immediately with no bucket at all).
type Emitter func(ctx context.Context, unit domain.MessageUnit)

type bucketKey struct {
	chatID  int64
	groupID string
}

type bucket struct {
	mu        sync.Mutex
	base      domain.MessageUnit // context of the first message; Items accumulated
	closed    bool
	timer     *time.Timer
	fragments int
}

// Aggregator owns one goroutine-free bucket map guarded by a single mutex;
// each bucket's own timer fires the close, matching §4.4's "one owner task
// per (chat_id, group_id)" concurrency note without spawning a goroutine per
// group (the timer callback runs on its own goroutine only at fire time).
type Aggregator struct {
	window   time.Duration
	maxItems int
	emit     Emitter
	log      zerolog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	// lateFragments records every bucket key that has closed, with the last
	// disambiguating suffix issued for it, surviving past bucket closure so a
	// late arrival is recognised and keeps incrementing it.
	lateFragments map[bucketKey]int
}

// New builds an Aggregator with the given window and sentinel max-items
// cutoff; emit is invoked exactly once per emitted unit, off the bucket lock.
func New(window time.Duration, maxItems int, emit Emitter, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		window:        window,
		maxItems:      maxItems,
		emit:          emit,
		log:           log.With().Str("component", "aggregator").Logger(),
		buckets:       make(map[bucketKey]*bucket),
		lateFragments: make(map[bucketKey]int),
	}
}

// Add feeds one message's extracted unit fragment into the aggregator. unit
// must carry exactly the items belonging to this single Telegram message
// (for an album, 1..N items of that one message). A unit with no
// MediaGroupID is emitted immediately as its own unit.
func (a *Aggregator) Add(ctx context.Context, unit domain.MessageUnit) {
	if unit.MediaGroupID == "" {
		a.emit(ctx, unit)
		return
	}

	key := bucketKey{chatID: unit.ChatID, groupID: unit.MediaGroupID}

	a.mu.Lock()
	b, ok := a.buckets[key]
	if !ok {
		if _, wasClosed := a.lateFragments[key]; wasClosed {
			a.mu.Unlock()
			a.emitLateFragment(ctx, key, unit)
			return
		}
		b = &bucket{base: unit}
		a.buckets[key] = b
		metrics.AlbumBucketsOpen.Inc()
		b.timer = time.AfterFunc(a.window, func() { a.closeBucket(ctx, key) })
	} else {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			a.mu.Unlock()
			a.emitLateFragment(ctx, key, unit)
			return
		}
		b.base.Items = append(b.base.Items, unit.Items...)
		full := len(b.base.Items) >= a.maxItems && a.maxItems > 0
		b.mu.Unlock()
		a.mu.Unlock()
		if full {
			a.closeBucket(ctx, key)
		}
		return
	}
	a.mu.Unlock()
}

func (a *Aggregator) closeBucket(ctx context.Context, key bucketKey) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.buckets, key)
	if _, seen := a.lateFragments[key]; !seen {
		a.lateFragments[key] = 0
	}
	a.mu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	unit := b.base
	b.mu.Unlock()

	// Ordinals reflect transport sequence within the group; ties are broken
	// by arrival monotonic counter (§4.4 ordering rule).
	sort.SliceStable(unit.Items, func(i, j int) bool {
		return unit.Items[i].ArrivalSeq < unit.Items[j].ArrivalSeq
	})
	for i := range unit.Items {
		unit.Items[i].Ordinal = i + 1
	}

	metrics.AlbumBucketsOpen.Dec()
	a.emit(ctx, unit)
}

// emitLateFragment handles a message arriving for a group id whose bucket
// already closed. Per the Open Question decision recorded in SPEC_FULL.md,
// it becomes a fresh unit under a disambiguating "-lateNN" suffix on its group id rather
// than being merged into the closed unit, to preserve invariants I3/P3.
func (a *Aggregator) emitLateFragment(ctx context.Context, key bucketKey, unit domain.MessageUnit) {
	a.mu.Lock()
	a.lateFragments[key]++
	n := a.lateFragments[key]
	a.mu.Unlock()

	metrics.AlbumLateFragments.Inc()
	unit.MediaGroupID = fmt.Sprintf("%s-late%02d", unit.MediaGroupID, n)
	unit.Notes = "late album arrival; fragmented from closed bucket"
	a.log.Warn().
		Int64("chat_id", key.chatID).
		Str("media_group_id", key.groupID).
		Int("fragment", n).
		Msg("late album arrival after bucket close")
	a.emit(ctx, unit)
}

// Close flushes every open bucket immediately (used on shutdown to drain
// in-flight units, per §5's shutdown contract).
func (a *Aggregator) Close(ctx context.Context) {
	a.mu.Lock()
	keys := make([]bucketKey, 0, len(a.buckets))
	for k := range a.buckets {
		keys = append(keys, k)
	}
	a.mu.Unlock()
	for _, k := range keys {
		a.closeBucket(ctx, k)
	}
}
