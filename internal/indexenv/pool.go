// Package indexenv manages per-index bbolt key-value environments: the
// per-index store spec §6.2 describes as an "outbound contract to the
// index KV store", opened lazily and closed under LRU pressure once more
// than index_count distinct indexes have been touched (spec §6.4).
package indexenv

import (
	"container/list"
	"context"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/textgrain/taskcore/internal/observability"
)

// Env wraps one index's bbolt environment.
type Env struct {
	IndexUID string
	DB       *bolt.DB
}

// Pool bounds the number of concurrently open index environments to
// indexCount, evicting the least-recently-used one when a new index must
// be opened past that limit. Concurrent opens of the same index are
// deduplicated via singleflight, matching the job-info cache pattern the
// teacher uses for duplicate-open avoidance.
type Pool struct {
	dir       string
	baseSize  int64
	indexCount int

	mu    sync.Mutex
	lru   *list.List // front = most recently used
	elems map[string]*list.Element

	group singleflight.Group
}

type lruEntry struct {
	env *Env
}

// NewPool creates a pool rooted at dir, capping open environments at
// indexCount (<=0 means unbounded).
func NewPool(dir string, baseSize int64, indexCount int) *Pool {
	return &Pool{
		dir:        dir,
		baseSize:   baseSize,
		indexCount: indexCount,
		lru:        list.New(),
		elems:      make(map[string]*list.Element),
	}
}

// Acquire returns the open Env for indexUID, opening it (and evicting the
// LRU victim if the pool is at capacity) if necessary. Concurrent Acquire
// calls for the same indexUID share one open.
func (p *Pool) Acquire(indexUID string) (*Env, error) {
	if env, ok := p.touch(indexUID); ok {
		return env, nil
	}

	v, err, _ := p.group.Do(indexUID, func() (any, error) {
		if env, ok := p.touch(indexUID); ok {
			return env, nil
		}
		return p.open(indexUID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Env), nil
}

func (p *Pool) touch(indexUID string) (*Env, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elems[indexUID]
	if !ok {
		return nil, false
	}
	p.lru.MoveToFront(el)
	return el.Value.(*lruEntry).env, true
}

func (p *Pool) open(indexUID string) (*Env, error) {
	path := filepath.Join(p.dir, indexUID+".db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index env %q: %w", indexUID, err)
	}
	if p.baseSize > 0 {
		db.MaxSize = p.baseSize
	}
	env := &Env{IndexUID: indexUID, DB: db}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.elems[indexUID]; ok {
		// Lost a race with another opener between touch() and open(); keep
		// the one already registered and close the one we just made.
		db.Close()
		p.lru.MoveToFront(existing)
		return existing.Value.(*lruEntry).env, nil
	}
	el := p.lru.PushFront(&lruEntry{env: env})
	p.elems[indexUID] = el

	var evicted *Env
	if p.indexCount > 0 && p.lru.Len() > p.indexCount {
		back := p.lru.Back()
		victim := back.Value.(*lruEntry).env
		delete(p.elems, victim.IndexUID)
		p.lru.Remove(back)
		evicted = victim
	}
	if evicted != nil {
		_ = evicted.DB.Close()
		observability.RecordIndexEnvEviction(context.Background())
	}
	return env, nil
}

// CloseAll closes every open environment; called during graceful shutdown.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for el := p.lru.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*lruEntry).env.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.lru.Init()
	p.elems = make(map[string]*list.Element)
	return firstErr
}

// Len reports how many environments are currently open, for metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}
