// Package executor implements the card-gated executor: the single
// serialization point for every operation that requires a physical card
// tap (spec.md §4.D). Only one card wait may be outstanding at a time; a
// new request always pre-empts the previous one.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cardvault/cardvault/internal/carddriver"
	"github.com/cardvault/cardvault/internal/kdf"
	"github.com/cardvault/cardvault/internal/vaulterr"
)

// State names the executor's current position in its state machine.
type State int

const (
	StateIdle State = iota
	StateWaitingCard
	StateAuthenticating
	StateCrypto
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultWaitTimeout  = 15 * time.Second
)

// RootKeySource supplies the current unlocked root key on demand. The
// executor never stores the root key itself; it asks for it exactly when
// needed and never outlives the call.
type RootKeySource interface {
	RootKey() ([]byte, error)
}

// Executor serializes every card-gated crypto operation behind one
// process-wide cancellation token.
type Executor struct {
	driver carddriver.Driver
	rk     RootKeySource

	pollInterval time.Duration
	waitTimeout  time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// New constructs an Executor bound to a card driver and a root-key
// source.
func New(driver carddriver.Driver, rk RootKeySource) *Executor {
	return &Executor{
		driver:       driver,
		rk:           rk,
		state:        StateIdle,
		pollInterval: defaultPollInterval,
		waitTimeout:  defaultWaitTimeout,
	}
}

// State reports the executor's current state machine position.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// register cancels any previously outstanding wait and installs a fresh
// cancellation token for this call, honoring the "new tap prompt always
// wins" policy (spec.md §5).
func (e *Executor) register(parent context.Context) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	return ctx
}

// CryptoFn is the pure, non-suspending crypto operation invoked once the
// entry key has been derived. It must not perform I/O.
type CryptoFn func(entryKey []byte) (any, error)

// WithEntryKey waits for a card tap, authenticates to it, derives the
// entry key bound to entryID, and invokes fn with it. The entry key (and
// every key material derived along the way) is zeroized on every exit
// path, successful or not.
func (e *Executor) WithEntryKey(ctx context.Context, entryID string, fn CryptoFn) (any, error) {
	waitCtx := e.register(ctx)
	defer func() {
		e.mu.Lock()
		// A pre-empted call must not clear the newer call's cancel func.
		if waitCtx.Err() == nil {
			e.cancel = nil
		}
		e.mu.Unlock()
	}()

	e.setState(StateWaitingCard)
	uid, err := e.waitForCard(waitCtx)
	if err != nil {
		e.setState(StateIdle)
		return nil, err
	}

	rootKey, err := e.rk.RootKey()
	if err != nil {
		e.setState(StateIdle)
		return nil, err
	}
	defer kdf.Zero(rootKey)

	e.setState(StateAuthenticating)
	if err := waitCtx.Err(); err != nil {
		e.setState(StateIdle)
		return nil, vaulterr.ErrCancelled
	}

	readKey, err := kdf.DeriveCardKey(rootKey, uid)
	if err != nil {
		e.setState(StateIdle)
		return nil, err
	}
	cardSecret, err := e.driver.ReadCardSecret(waitCtx, readKey)
	kdf.Zero(readKey)
	if err != nil {
		e.setState(StateIdle)
		return nil, err
	}

	entryKey, err := kdf.DeriveEntryKey(cardSecret, rootKey, entryID)
	kdf.Zero(cardSecret)
	if err != nil {
		e.setState(StateIdle)
		return nil, err
	}

	defer kdf.Zero(entryKey)
	e.setState(StateCrypto)
	result, err := fn(entryKey)
	e.setState(StateIdle)
	return result, err
}

// waitForCard polls the driver every pollInterval until a UID appears,
// the context is cancelled, or waitTimeout elapses.
func (e *Executor) waitForCard(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(e.waitTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if uid, ok, err := e.driver.PeekUID(ctx); err != nil {
			return nil, err
		} else if ok {
			return uid, nil
		}

		if time.Now().After(deadline) {
			return nil, vaulterr.ErrCardTimeout
		}

		select {
		case <-ctx.Done():
			return nil, vaulterr.ErrCancelled
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, vaulterr.ErrCardTimeout
			}
		}
	}
}
