package session

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxTurns    = 5
	DefaultIdleTTL     = 30 * time.Minute
	DefaultMaxSessions = 10000
)

// Options bounds the memory held by a Manager.
type Options struct {
	// MaxTurns caps the turns kept per session, counted in messages (not rounds).
	MaxTurns int
	// IdleTTL expires sessions untouched for this long. Zero disables expiry.
	IdleTTL time.Duration
	// MaxSessions caps the number of live sessions; the least recently used idle
	// session is evicted when a new one would exceed it.
	MaxSessions int
}

// Record is the conversation kept for one session id.
type Record struct {
	ID string

	turns          []Turn
	lastActivityAt time.Time
	slot           chan struct{}
	refs           int
	dropped        bool
	elem           *list.Element
}

// Manager is the process-wide session store. Records are created lazily and live
// until they go idle, are evicted by the session cap, or are deleted.
type Manager struct {
	mu          sync.Mutex
	records     map[string]*Record
	lru         *list.List
	maxTurns    int
	maxSessions int
	idleTTL     time.Duration
	onExpire    func(id string, reason string)
	now         func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.IdleTTL < 0 {
		opts.IdleTTL = 0
	}
	return &Manager{
		records:     make(map[string]*Record),
		lru:         list.New(),
		maxTurns:    opts.MaxTurns,
		maxSessions: opts.MaxSessions,
		idleTTL:     opts.IdleTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// MaxTurns reports the per-session turn capacity.
func (m *Manager) MaxTurns() int { return m.maxTurns }

// SetExpireHook registers a callback fired after a session is dropped by the
// janitor ("expired") or by the session cap ("evicted").
func (m *Manager) SetExpireHook(hook func(id string, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// GetOrCreate returns the record for id, inserting an empty one if needed.
func (m *Manager) GetOrCreate(id string) *Record {
	m.mu.Lock()
	rec, evicted := m.getOrCreateLocked(id)
	hook := m.onExpire
	m.mu.Unlock()

	fireHook(hook, evicted, "evicted")
	return rec
}

// Append adds turn to the session and drops the oldest turns beyond MaxTurns.
// An empty id is a no-op.
func (m *Manager) Append(id string, turn Turn) {
	if id == "" {
		return
	}
	m.mu.Lock()
	rec, evicted := m.getOrCreateLocked(id)
	if !rec.dropped {
		rec.turns = append(rec.turns, turn)
		if n := len(rec.turns); n > m.maxTurns {
			kept := make([]Turn, m.maxTurns)
			copy(kept, rec.turns[n-m.maxTurns:])
			rec.turns = kept
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	fireHook(hook, evicted, "evicted")
}

// RenderHistory returns the stored turns as "<Label>: <content>" lines joined by
// newlines, or "" when the session has no turns.
func (m *Manager) RenderHistory(id string) string {
	if id == "" {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || len(rec.turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range rec.turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Label())
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

// Turns returns a copy of the stored sequence, oldest first.
func (m *Manager) Turns(id string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || len(rec.turns) == 0 {
		return nil
	}
	out := make([]Turn, len(rec.turns))
	copy(out, rec.turns)
	return out
}

// Acquire blocks until the caller holds the session exclusively. The returned
// release func must be called exactly once; extra calls are ignored.
func (m *Manager) Acquire(ctx context.Context, id string) (func(), error) {
	m.mu.Lock()
	rec, evicted := m.getOrCreateLocked(id)
	rec.refs++
	hook := m.onExpire
	m.mu.Unlock()
	fireHook(hook, evicted, "evicted")

	select {
	case rec.slot <- struct{}{}:
	case <-ctx.Done():
		m.mu.Lock()
		rec.refs--
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			rec.refs--
			rec.dropped = false
			rec.lastActivityAt = m.now()
			m.mu.Unlock()
			<-rec.slot
		})
	}, nil
}

// Delete forgets a session. A session currently held by a request keeps its
// record (and lock) but loses its turns, and appends made before that request
// releases it are discarded.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false
	}
	if rec.refs > 0 {
		rec.turns = nil
		rec.dropped = true
		return true
	}
	m.removeLocked(rec)
	return true
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.idleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	if m.idleTTL <= 0 {
		return
	}
	now := m.now()
	var expired []string

	m.mu.Lock()
	for e := m.lru.Back(); e != nil; {
		rec := e.Value.(*Record)
		prev := e.Prev()
		if rec.refs == 0 && now.Sub(rec.lastActivityAt) >= m.idleTTL {
			m.removeLocked(rec)
			expired = append(expired, rec.ID)
		}
		e = prev
	}
	hook := m.onExpire
	m.mu.Unlock()

	fireHook(hook, expired, "expired")
}

func (m *Manager) getOrCreateLocked(id string) (*Record, []string) {
	now := m.now()
	if rec, ok := m.records[id]; ok {
		rec.lastActivityAt = now
		m.lru.MoveToFront(rec.elem)
		return rec, nil
	}
	rec := &Record{
		ID:             id,
		lastActivityAt: now,
		slot:           make(chan struct{}, 1),
	}
	rec.elem = m.lru.PushFront(rec)
	m.records[id] = rec
	return rec, m.evictOverflowLocked(rec)
}

// evictOverflowLocked drops least recently used idle sessions while the store is
// over capacity. Held sessions are skipped, so the cap can be exceeded briefly.
func (m *Manager) evictOverflowLocked(keep *Record) []string {
	var evicted []string
	e := m.lru.Back()
	for len(m.records) > m.maxSessions && e != nil {
		rec := e.Value.(*Record)
		prev := e.Prev()
		if rec != keep && rec.refs == 0 {
			m.removeLocked(rec)
			evicted = append(evicted, rec.ID)
		}
		e = prev
	}
	return evicted
}

func (m *Manager) removeLocked(rec *Record) {
	delete(m.records, rec.ID)
	if rec.elem != nil {
		m.lru.Remove(rec.elem)
		rec.elem = nil
	}
}

func fireHook(hook func(string, string), ids []string, reason string) {
	if hook == nil {
		return
	}
	for _, id := range ids {
		hook(id, reason)
	}
}
