// Package blob implements the typed wrapper over the external KV store
// that the rest of the core depends on (C1, spec §4.1): get/put/delete,
// prefix listing with pagination, and batched exists/get operations that
// fan out in parallel rather than serialize one key at a time.
//
// The parallel-fan-out shape for batchExists/batchGet is grounded on
// internal/health/prober.go's sync.WaitGroup-based parallel probe sweep.
package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deployctl/deployctl/internal/store"
)

// batchFanOut bounds how many keys are checked in parallel per
// BatchExists or BatchGet call; spec §4.1 requires chunking into batches the underlying
// store can handle without buffering bodies.
const batchFanOut = 16

// hitLatencyThreshold classifies a read as a cache HIT or MISS purely for
// metrics purposes (spec §4.1): reads under the threshold count as HIT.
const hitLatencyThreshold = 100 * time.Millisecond

// Metadata is the side-channel info stored alongside a blob's bytes.
type Metadata struct {
	ContentType string
}

// ReadObserver is notified after each single-key read completes, so the
// caller can record HIT/MISS metrics without the store depending on a
// metrics package.
type ReadObserver func(latency time.Duration, hit bool)

// Store is the typed blob abstraction used by every other component.
type Store struct {
	kv       store.KV
	observer ReadObserver
}

// Option configures a Store.
type Option func(*Store)

// WithReadObserver registers a callback invoked after every Get/GetText,
// classifying the read as HIT (< 100ms) or MISS for metrics (spec §4.1).
func WithReadObserver(fn ReadObserver) Option {
	return func(s *Store) { s.observer = fn }
}

// New wraps kv as a blob Store.
func New(kv store.KV, opts ...Option) *Store {
	s := &Store{kv: kv}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PutOptions configures a Put call.
type PutOptions struct {
	ContentType string
	TTL         *time.Duration
}

// Get fetches key's bytes and metadata. Returns (nil, nil, nil) on miss —
// the core never distinguishes "miss" from "error" via a Go error here
// because a missing key is an expected, common outcome, not a failure.
func (s *Store) Get(ctx context.Context, key string) ([]byte, *Metadata, error) {
	data, meta, _, err := s.GetClassified(ctx, key)
	return data, meta, err
}

// GetClassified behaves like Get but also returns whether the read was
// classified HIT or MISS by latency threshold, for callers that need to
// surface the classification themselves (the asset pipeline's
// X-Asset-Cache-Status response header, spec §4.8 Stage G) rather than
// only feeding it to the ReadObserver.
func (s *Store) GetClassified(ctx context.Context, key string) ([]byte, *Metadata, bool, error) {
	start := time.Now()
	rec, err := s.kv.Get(ctx, key)
	hit := err == nil && time.Since(start) < hitLatencyThreshold
	if s.observer != nil {
		s.observer(time.Since(start), hit)
	}
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, hit, nil
		}
		return nil, nil, hit, fmt.Errorf("blob get %s: %w", key, err)
	}
	return rec.Value, &Metadata{ContentType: rec.ContentType}, hit, nil
}

// GetText fetches key as a UTF-8 string, or ("", false, nil) on miss.
// cacheHintSec is accepted for interface parity with the external KV
// binding (spec §4.1) but has no effect on the in-process SQLite backend.
func (s *Store) GetText(ctx context.Context, key string, cacheHintSec int) (string, bool, error) {
	b, _, err := s.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if b == nil {
		return "", false, nil
	}
	return string(b), true, nil
}

// Put stores value under key with optional metadata and TTL.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	if err := s.kv.Put(ctx, key, value, opts.ContentType, opts.TTL); err != nil {
		return fmt.Errorf("blob put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op success.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("blob delete %s: %w", key, err)
	}
	return nil
}

// ListPage is one page of a prefix listing.
type ListPage struct {
	Keys       []string
	NextCursor string // empty when Complete is true
	Complete   bool
}

// List returns the next page of keys under prefix after cursor (empty for
// the first page).
func (s *Store) List(ctx context.Context, prefix, cursor string, limit int) (*ListPage, error) {
	keys, hasMore, err := s.kv.ListPrefix(ctx, prefix, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("blob list %s: %w", prefix, err)
	}
	page := &ListPage{Keys: keys, Complete: !hasMore}
	if hasMore && len(keys) > 0 {
		page.NextCursor = keys[len(keys)-1]
	}
	return page, nil
}

// BatchExists reports which of keys are present, fanning out in parallel
// batches of batchFanOut so no single slow key serializes the whole call.
// Every lookup inherits ctx, so a cancelled request aborts outstanding
// checks immediately rather than buffering results nobody needs anymore.
func (s *Store) BatchExists(ctx context.Context, keys []string) (map[string]bool, error) {
	result := make(map[string]bool, len(keys))
	var mu sync.Mutex
	var firstErr error

	sem := make(chan struct{}, batchFanOut)
	var wg sync.WaitGroup
	for _, k := range keys {
		k := k
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := s.kv.Get(ctx, k)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				result[k] = true
			} else if err != store.ErrNotFound && firstErr == nil {
				firstErr = fmt.Errorf("blob batchExists %s: %w", k, err)
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// BatchGet fetches every key in parallel; missing keys are simply absent
// from the returned map rather than causing the whole call to fail.
func (s *Store) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	var firstErr error

	sem := make(chan struct{}, batchFanOut)
	var wg sync.WaitGroup
	for _, k := range keys {
		k := k
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			b, _, err := s.Get(ctx, k)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if b != nil {
				result[k] = b
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// DeleteAllByPrefix paginates through prefix and deletes every key found,
// in batches of up to 50 parallel deletes per spec §4.1. Returns the total
// number of keys deleted.
func (s *Store) DeleteAllByPrefix(ctx context.Context, prefix string) (int, error) {
	const pageSize = 200
	const deleteFanOut = 50

	total := 0
	cursor := ""
	for {
		page, err := s.List(ctx, prefix, cursor, pageSize)
		if err != nil {
			return total, err
		}
		for i := 0; i < len(page.Keys); i += deleteFanOut {
			end := i + deleteFanOut
			if end > len(page.Keys) {
				end = len(page.Keys)
			}
			batch := page.Keys[i:end]

			var wg sync.WaitGroup
			var mu sync.Mutex
			var firstErr error
			for _, k := range batch {
				k := k
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.Delete(ctx, k); err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if firstErr != nil {
				return total, firstErr
			}
			total += len(batch)
		}
		if page.Complete {
			break
		}
		cursor = page.NextCursor
	}
	return total, nil
}
