// Package debounce implements the per-sender coalescing buffer: bursty
// message fragments for the same (sender, instance) key are aggregated
// during a quiet window and handed downstream exactly once per cycle.
package debounce

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"evorelay/internal/domain"
)

// shardCount spreads keys over independent lock domains so senders never
// contend with each other.
const shardCount = 16

// FireFunc receives the coalesced turn when a quiet window elapses.
type FireFunc func(job domain.TurnJob)

type Config struct {
	Window    time.Duration // quiet window after the last fragment
	Dedup     bool          // treat repeated message ids as retransmissions
	SeenTTL   time.Duration // how long fired message ids stay ignored
	Scheduler Scheduler     // nil = real timers
	Fire      FireFunc
	Logger    *slog.Logger
}

// Buffer is the coalescing table. Entries are process-local and lost on
// restart; durability of buffered-not-yet-fired content is a non-goal.
type Buffer struct {
	window  time.Duration
	dedup   bool
	seenTTL time.Duration
	sched   Scheduler
	fire    FireFunc
	logger  *slog.Logger
	closed  atomic.Bool
	shards  [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[domain.BufferKey]*entry
	seen    map[string]time.Time // message ids of already-fired cycles
}

// entry is one active buffering cycle. All access goes through the owning
// shard's mutex; gen invalidates stale timer callbacks after a re-arm.
type entry struct {
	agentID  int64
	pushName string
	kind     domain.ContentKind
	mediaURL string
	creds    domain.ChannelCreds
	frags    []string
	ids      map[string]struct{}
	gen      uint64
	cancel   func() bool
}

func New(cfg Config) *Buffer {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = time.Minute
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewTimerScheduler()
	}
	b := &Buffer{
		window:  cfg.Window,
		dedup:   cfg.Dedup,
		seenTTL: cfg.SeenTTL,
		sched:   cfg.Scheduler,
		fire:    cfg.Fire,
		logger:  cfg.Logger,
	}
	for i := range b.shards {
		b.shards[i].entries = make(map[domain.BufferKey]*entry)
		b.shards[i].seen = make(map[string]time.Time)
	}
	return b
}

// Submit feeds one extracted fragment into the buffer. First fragment for
// a key starts a cycle and arms the quiet-window timer; later fragments
// cancel the timer, append their content, and re-arm. In dedup mode a
// repeated message id re-arms the timer without appending (upstream
// retransmission, not new content).
func (b *Buffer) Submit(frag domain.Fragment) domain.SubmitResult {
	if b.closed.Load() {
		b.logger.Warn("fragment submitted to closed buffer", "key", frag.Key.String())
		return domain.SubmitDropped
	}

	sh := b.shard(frag.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	if b.dedup && frag.MessageID != "" {
		sh.pruneSeen(now, b.seenTTL)
		if _, fired := sh.seen[frag.MessageID]; fired {
			// Duplicate of a message that already completed a cycle.
			return domain.SubmitDuplicate
		}
	}

	e, ok := sh.entries[frag.Key]
	if !ok {
		e = &entry{
			agentID:  frag.AgentID,
			pushName: frag.PushName,
			kind:     frag.Kind,
			mediaURL: frag.MediaURL,
			creds:    frag.Creds,
			frags:    []string{frag.Content},
			ids:      make(map[string]struct{}),
		}
		if frag.MessageID != "" {
			e.ids[frag.MessageID] = struct{}{}
		}
		sh.entries[frag.Key] = e
		b.arm(sh, frag.Key, e)
		return domain.SubmitBuffered
	}

	// Cycle in progress: quiet window restarts either way.
	e.cancel()

	if b.dedup && frag.MessageID != "" {
		if _, dup := e.ids[frag.MessageID]; dup {
			b.arm(sh, frag.Key, e)
			return domain.SubmitDuplicate
		}
		e.ids[frag.MessageID] = struct{}{}
	}

	e.frags = append(e.frags, frag.Content)
	e.creds = frag.Creds // freshest credentials win
	if frag.PushName != "" {
		e.pushName = frag.PushName
	}
	b.arm(sh, frag.Key, e)
	return domain.SubmitAppended
}

// arm replaces the entry's timer. Caller holds the shard lock; bumping gen
// first guarantees a previously-fired-but-not-yet-run callback can never
// steal this cycle.
func (b *Buffer) arm(sh *shard, key domain.BufferKey, e *entry) {
	e.gen++
	gen := e.gen
	e.cancel = b.sched.Schedule(b.window, func() {
		b.onElapsed(sh, key, gen)
	})
}

// onElapsed runs when a quiet window passes without cancellation. The
// entry is removed under the shard lock before the fire callback runs, so
// a concurrent Submit for the same key starts a fresh cycle and the
// downstream invocation happens at most once per cycle.
func (b *Buffer) onElapsed(sh *shard, key domain.BufferKey, gen uint64) {
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok || e.gen != gen {
		// A newer timer owns this key, or the cycle is already gone.
		sh.mu.Unlock()
		return
	}
	delete(sh.entries, key)

	now := time.Now()
	if b.dedup {
		for id := range e.ids {
			sh.seen[id] = now
		}
	}

	job := domain.TurnJob{
		Key:      key,
		AgentID:  e.agentID,
		PushName: e.pushName,
		Kind:     e.kind,
		Content:  strings.Join(e.frags, " "),
		MediaURL: e.mediaURL,
		Creds:    e.creds,
		FiredAt:  now,
	}
	sh.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			// The entry is already gone; the turn is lost, not retried.
			b.logger.Error("turn handler panicked", "key", key.String(), "panic", r)
		}
	}()
	b.fire(job)
}

// Pending returns the number of active buffering cycles.
func (b *Buffer) Pending() int {
	var n int
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close cancels every pending timer and drops buffered fragments.
func (b *Buffer) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	var dropped int
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for key, e := range b.shards[i].entries {
			e.cancel()
			delete(sh.entries, key)
			dropped++
		}
		sh.mu.Unlock()
	}
	if dropped > 0 {
		b.logger.Warn("closed with buffered fragments dropped", "cycles", dropped)
	}
}

func (b *Buffer) shard(key domain.BufferKey) *shard {
	h := fnv32(key.JID) ^ fnv32(key.Instance)
	return &b.shards[h%shardCount]
}

func (sh *shard) pruneSeen(now time.Time, ttl time.Duration) {
	for id, at := range sh.seen {
		if now.Sub(at) > ttl {
			delete(sh.seen, id)
		}
	}
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
