// teamnotify - team notification dispatch
// License: MIT
//
// Copyright (c) 2026 teamnotify contributors

package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"teamnotify/pkg/logger"
)

// DefaultRequestTimeout bounds every provider call.
const DefaultRequestTimeout = 15 * time.Second

// Adapter sends one text message over one kind of channel. Implementations make
// exactly one outbound call per Send, never retry, and return *SendError on failure.
type Adapter interface {
	Kind() ChannelKind
	Send(ctx context.Context, cfg ChannelConfig, recipient Recipient, body string) (json.RawMessage, error)
}

// Registry maps channel kinds to their adapters.
type Registry struct {
	adapters map[ChannelKind]Adapter
	mu       sync.RWMutex
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[ChannelKind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
	logger.DebugCF("channels", "Adapter registered", map[string]interface{}{
		logger.FieldChannel: a.Kind().String(),
	})
}

func (r *Registry) Unregister(kind ChannelKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, kind)
}

func (r *Registry) Get(kind ChannelKind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists the registered kinds in stable order.
func (r *Registry) Kinds() []ChannelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]ChannelKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Send looks up the adapter for cfg.Kind and forwards the call.
func (r *Registry) Send(ctx context.Context, cfg ChannelConfig, recipient Recipient, body string) (json.RawMessage, error) {
	a, ok := r.Get(cfg.Kind)
	if !ok {
		return nil, ConfigError("no adapter registered for channel %q", cfg.Kind)
	}
	raw, err := a.Send(ctx, cfg, recipient, body)
	if err != nil {
		return nil, AsSendError(err)
	}
	return raw, nil
}

func (r *Registry) String() string {
	return fmt.Sprintf("channels%v", r.Kinds())
}
