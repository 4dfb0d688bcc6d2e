package bridge

import (
	"context"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/internal/config"
	"github.com/endl-ch/pumaduct/internal/loop"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/store"
)

// Backend assembles the full layer stack and is the only entry point
// the frontend talks to.
type Backend struct {
	base *Base

	layers []Layer
}

// NewBackend builds the layer stack. Nothing runs until Start.
func NewBackend(
	ctx context.Context, conf *config.Config, lp *loop.Loop,
	matrixClient matrix.Client, clients map[string]imclient.Client,
	st *store.Store,
) (*Backend, error) {
	base, err := NewBase(ctx, conf, lp, matrixClient, clients, st)
	if err != nil {
		return nil, err
	}
	connection := NewConnection(base)
	messages := NewMessages(base)
	typing := NewTyping(base)
	service := NewService(base, messages)
	roomState := NewRoomState(base, service)
	presence := NewPresence(base)
	registration := NewRegistration(base, messages, service)
	input := NewInput(base, service, registration)
	info := NewInfo(base, messages, service)
	return &Backend{
		base: base,
		// Order matters: layers registered earlier see client events
		// first, so connection populates account state before the
		// layers depending on it run.
		layers: []Layer{
			base, connection, messages, typing, service,
			roomState, presence, registration, input, info,
		},
	}, nil
}

// Start runs the two-stage initialization: Enter every layer (callback
// registration), then Start every layer (the actual work).
func (b *Backend) Start() error {
	for _, layer := range b.layers {
		if err := layer.Enter(); err != nil {
			return err
		}
	}
	for _, layer := range b.layers {
		if err := layer.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Close unregisters all callbacks, in reverse of Enter order. Runs on
// the loop: the callback tables are loop-owned and the back-ends may
// still be emitting while shutdown drains, so unregistering from any
// other goroutine would race with dispatch.
func (b *Backend) Close() error {
	var firstErr error
	b.base.Loop.Invoke(func() {
		for i := len(b.layers) - 1; i >= 0; i-- {
			if err := b.layers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// ProcessTransaction hands a transaction to the main loop and returns
// immediately: the AS protocol has no way to report per-event errors,
// and the frontend goroutine must not touch loop state.
func (b *Backend) ProcessTransaction(txnID string, txn *matrix.Transaction) {
	b.base.Loop.Post(func() {
		b.base.ProcessTransaction(txnID, txn)
	})
}

// HasContact reports whether any account has the contact. Called from
// the frontend goroutine, so the lookup runs via the loop.
func (b *Backend) HasContact(contact string) bool {
	var has bool
	b.base.Loop.Invoke(func() {
		has = b.base.HasContact(contact)
	})
	return has
}

// Stop initiates shutdown in reverse layer order. Runs on the loop:
// layers touch loop-owned state and back-end clients on the way down.
func (b *Backend) Stop() {
	b.base.Loop.Invoke(func() {
		for i := len(b.layers) - 1; i >= 0; i-- {
			b.layers[i].Stop()
		}
	})
}

// Stopped reports whether every layer has finished shutting down.
func (b *Backend) Stopped() bool {
	var stopped bool
	b.base.Loop.Invoke(func() {
		stopped = true
		for _, layer := range b.layers {
			if !layer.Stopped() {
				stopped = false
				return
			}
		}
	})
	return stopped
}
