// Package analysis memoizes sentence analysis in front of the external engine.
//
// A successful result is stored under (seed, video ids, sentence) for the
// lifetime of the process and is never replaced or evicted. Ambiguity results
// are returned to the caller but not stored, so the same sentence is
// re-analyzed on the next request. Concurrent misses on one key share a single
// engine invocation. That invocation runs on the cache's own context: a
// caller that gives up stops waiting but never cancels the call for the
// others sharing it.
//
// Cached results are shared between callers and must be treated as read-only.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"sentencemix/internal/media"
	"sentencemix/internal/platform/logger"
)

// Key identifies one memoized analysis.
type Key struct {
	Seed     string
	Videos   string // video ids in project order, separator-joined
	Sentence string
}

// NewKey builds the cache key for a sentence analyzed against videoIDs.
func NewKey(seed string, videoIDs []media.VideoRef, sentence string) Key {
	return Key{Seed: seed, Videos: strings.Join(videoIDs, "\x1f"), Sentence: sentence}
}

func (k Key) flightKey() string {
	return k.Seed + "\x1e" + k.Videos + "\x1e" + k.Sentence
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	EngineCalls uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	engine Engine
	log    *slog.Logger

	mu      sync.RWMutex
	entries map[Key]media.AnalysisResult
	flight  singleflight.Group

	hits        atomic.Uint64
	misses      atomic.Uint64
	engineCalls atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCache returns an empty cache in front of engine.
func NewCache(engine Engine, log *slog.Logger) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		engine:  engine,
		log:     logger.Component(log, "analysis"),
		entries: make(map[Key]media.AnalysisResult),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close cancels engine invocations still in flight.
func (c *Cache) Close() {
	c.cancel()
}

// Lookup returns the memoized result without ever calling the engine.
func (c *Cache) Lookup(seed string, videoIDs []media.VideoRef, sentence string) (media.AnalysisResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[NewKey(seed, videoIDs, sentence)]
	return res, ok
}

// Analyze returns the combos for sentence, calling the engine on a miss.
// An ambiguous sentence yields an *AmbiguityError. When ctx ends first,
// Analyze returns ctx.Err() and the engine call carries on for other waiters.
func (c *Cache) Analyze(ctx context.Context, seed string, videoIDs []media.VideoRef, sentence string) (media.AnalysisResult, error) {
	key := NewKey(seed, videoIDs, sentence)

	c.mu.RLock()
	res, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return res, nil
	}
	c.misses.Add(1)

	ch := c.flight.DoChan(key.flightKey(), func() (any, error) {
		// A flight that finished after our read already stored it.
		c.mu.RLock()
		res, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return res, nil
		}

		c.engineCalls.Add(1)
		res, err := c.engine.Analyze(c.ctx, sentence, seed, videoIDs)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if prev, exists := c.entries[key]; exists {
			res = prev
		} else {
			c.entries[key] = res
		}
		c.mu.Unlock()
		return res, nil
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	v, err, shared := r.Val, r.Err, r.Shared
	if err != nil {
		var amb *AmbiguityError
		if errors.As(err, &amb) {
			c.log.Debug("sentence ambiguous",
				slog.String("sentence", sentence),
				slog.String("word", amb.Word))
		} else {
			c.log.Warn("analysis failed",
				slog.String("sentence", sentence),
				slog.String("error", err.Error()))
		}
		return nil, err
	}
	if shared {
		c.log.Debug("analysis shared with concurrent caller", slog.String("sentence", sentence))
	}
	return v.(media.AnalysisResult), nil
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Entries:     n,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		EngineCalls: c.engineCalls.Load(),
	}
}
