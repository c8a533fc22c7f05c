package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Registry hosts the configured channels and starts and stops them together.
type Registry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	order    []ChannelKind
	channels map[ChannelKind]Channel
	started  map[ChannelKind]bool
}

// NewRegistry constructs a channel registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "channels").Logger(),
		channels: make(map[ChannelKind]Channel),
		started:  make(map[ChannelKind]bool),
	}
}

// Register adds a channel to the registry. Channels start in registration order.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}
	kind := ch.Kind()
	if kind == "" {
		return fmt.Errorf("channel kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[kind]; exists {
		return fmt.Errorf("channel %q already registered", kind)
	}
	r.channels[kind] = ch
	r.order = append(r.order, kind)
	return nil
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(kind ChannelKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[kind]
	return ok
}

// Get returns the registered channel of kind.
func (r *Registry) Get(kind ChannelKind) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[kind]
	return ch, ok
}

// Kinds returns registered kinds in registration order.
func (r *Registry) Kinds() []ChannelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ChannelKind(nil), r.order...)
}

// Started returns the kinds that started successfully.
func (r *Registry) Started() []ChannelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ChannelKind
	for _, kind := range r.order {
		if r.started[kind] {
			out = append(out, kind)
		}
	}
	return out
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and skipped; the failures are returned joined.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs []error
	for _, kind := range r.Kinds() {
		if err := r.Start(ctx, kind); err != nil {
			r.logger.Error().Err(err).Str("channel", string(kind)).Msg("Channel failed to start")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops started channels in reverse order, returning the first error.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	kinds := r.Kinds()
	for i := len(kinds) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, kinds[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel.
func (r *Registry) Start(ctx context.Context, kind ChannelKind) error {
	r.mu.Lock()
	ch, ok := r.channels[kind]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", kind)
	}
	if r.started[kind] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Start(ctx); err != nil {
		// release whatever the partial start acquired
		if stopErr := ch.Stop(ctx); stopErr != nil {
			r.logger.Warn().Err(stopErr).Str("channel", string(kind)).Msg("Cleanup after failed start")
		}
		return fmt.Errorf("failed to start channel %q: %w", kind, err)
	}

	r.mu.Lock()
	r.started[kind] = true
	r.mu.Unlock()
	return nil
}

// Stop stops a started channel.
func (r *Registry) Stop(ctx context.Context, kind ChannelKind) error {
	r.mu.Lock()
	ch, ok := r.channels[kind]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", kind)
	}
	if !r.started[kind] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", kind, err)
	}

	r.mu.Lock()
	delete(r.started, kind)
	r.mu.Unlock()
	return nil
}

// Broadcast sends msg through every running channel, best-effort.
func (r *Registry) Broadcast(ctx context.Context, msg OutboundMessage) error {
	var errs []error
	for _, kind := range r.Started() {
		ch, _ := r.Get(kind)
		if err := ch.Broadcast(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}
