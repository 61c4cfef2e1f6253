// Package hub fans ingestion updates out to live observers.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agentpulse/internal/metrics"
)

const DefaultSendTimeout = 2 * time.Second

var ErrSendTimeout = errors.New("observer send timed out")

// Observer is a live dashboard connection. Send must be safe to call from
// a goroutine other than the one that registered the observer.
type Observer interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close()
}

// Result summarises one broadcast.
type Result struct {
	Delivered int
	Failed    []string
}

type Hub struct {
	mu        sync.RWMutex
	observers map[string]Observer

	// order serializes broadcasts and snapshot registration so every
	// observer sees broadcasts in the same order.
	order sync.Mutex

	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func New(timeout time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *Hub {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Hub{
		observers: make(map[string]Observer),
		timeout:   timeout,
		logger:    logger,
		metrics:   recorder,
	}
}

func (h *Hub) Register(obs Observer) {
	h.mu.Lock()
	prev, replaced := h.observers[obs.ID()]
	h.observers[obs.ID()] = obs
	n := len(h.observers)
	h.mu.Unlock()

	if replaced && prev != obs {
		prev.Close()
	}
	h.metrics.SetObservers(n)
	if h.logger != nil {
		h.logger.Info("observer registered", "observer", obs.ID(), "observers", n)
	}
}

// RegisterWithSnapshot sends the snapshot to obs and then registers it. No
// broadcast can run between the two, so the observer misses nothing that
// completed after the snapshot was built.
func (h *Hub) RegisterWithSnapshot(ctx context.Context, obs Observer, snapshot func(ctx context.Context) ([]byte, error)) error {
	h.order.Lock()
	defer h.order.Unlock()

	payload, err := snapshot(ctx)
	if err != nil {
		return err
	}
	if err := h.send(context.WithoutCancel(ctx), obs, payload); err != nil {
		obs.Close()
		return err
	}
	h.Register(obs)
	return nil
}

// Unregister removes obs and closes it. Repeated calls are no-ops.
func (h *Hub) Unregister(obs Observer) {
	if h.remove(obs) {
		obs.Close()
	}
}

func (h *Hub) remove(obs Observer) bool {
	h.mu.Lock()
	cur, ok := h.observers[obs.ID()]
	if !ok || cur != obs {
		h.mu.Unlock()
		return false
	}
	delete(h.observers, obs.ID())
	n := len(h.observers)
	h.mu.Unlock()

	h.metrics.SetObservers(n)
	if h.logger != nil {
		h.logger.Info("observer removed", "observer", obs.ID(), "observers", n)
	}
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast delivers payload to every registered observer concurrently.
// Observers that fail or exceed the send timeout are removed and closed
// before Broadcast returns. Cancellation of ctx does not cut sends short.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) Result {
	h.order.Lock()
	defer h.order.Unlock()

	h.mu.RLock()
	targets := make([]Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		targets = append(targets, obs)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return Result{}
	}

	base := context.WithoutCancel(ctx)
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, obs := range targets {
		wg.Add(1)
		go func(i int, obs Observer) {
			defer wg.Done()
			errs[i] = h.send(base, obs, payload)
		}(i, obs)
	}
	wg.Wait()

	res := Result{}
	for i, obs := range targets {
		if errs[i] == nil {
			res.Delivered++
			continue
		}
		res.Failed = append(res.Failed, obs.ID())
		if h.logger != nil {
			h.logger.Warn("observer send failed", "observer", obs.ID(), "err", errs[i])
		}
		h.Unregister(obs)
	}
	h.metrics.BroadcastFailed(len(res.Failed))
	return res
}

// send bounds one delivery by the hub timeout. A Send that ignores its
// context is abandoned, not waited on.
func (h *Hub) send(ctx context.Context, obs Observer, payload []byte) error {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- obs.Send(sctx, payload)
	}()
	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return ErrSendTimeout
	}
}

// Close unregisters and closes every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		all = append(all, obs)
	}
	h.observers = make(map[string]Observer)
	h.mu.Unlock()

	for _, obs := range all {
		obs.Close()
	}
	h.metrics.SetObservers(0)
}
