package infra

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// KeyedMutex serializes work per key. Different keys never block each
// other. Entries are reference counted and dropped when idle.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) acquireEntry(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) releaseEntry(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	unlock, _ := k.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock that gives up when ctx is done.
func (k *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := k.acquireEntry(key)
	select {
	case e.sem <- struct{}{}:
		return k.unlocker(key, e), nil
	case <-ctx.Done():
		k.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free right now.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	e := k.acquireEntry(key)
	select {
	case e.sem <- struct{}{}:
		return k.unlocker(key, e), true
	default:
		k.releaseEntry(key, e)
		return nil, false
	}
}

func (k *KeyedMutex) unlocker(key string, e *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.releaseEntry(key, e)
		})
	}
}

// KeyedGate admits one holder per key and tracks which keys are busy.
type KeyedGate struct {
	locks    *KeyedMutex
	busy     sync.Map // key -> *atomic.Bool
	inFlight atomic.Int64
}

func NewKeyedGate() *KeyedGate {
	return &KeyedGate{locks: NewKeyedMutex()}
}

// Enter waits for key, marks it busy and returns the release func.
func (g *KeyedGate) Enter(ctx context.Context, key string) (func(), error) {
	unlock, err := g.locks.LockContext(ctx, key)
	if err != nil {
		return nil, err
	}
	return g.mark(key, unlock), nil
}

// TryEnter is Enter without waiting.
func (g *KeyedGate) TryEnter(key string) (func(), bool) {
	unlock, ok := g.locks.TryLock(key)
	if !ok {
		return nil, false
	}
	return g.mark(key, unlock), true
}

func (g *KeyedGate) mark(key string, unlock func()) func() {
	flag, _ := g.busy.LoadOrStore(key, atomic.NewBool(false))
	flag.(*atomic.Bool).Store(true)
	g.inFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			flag.(*atomic.Bool).Store(false)
			g.inFlight.Dec()
			unlock()
		})
	}
}

// Busy reports whether key is currently held.
func (g *KeyedGate) Busy(key string) bool {
	flag, ok := g.busy.Load(key)
	return ok && flag.(*atomic.Bool).Load()
}

// InFlight returns how many keys are held right now.
func (g *KeyedGate) InFlight() int64 {
	return g.inFlight.Load()
}
