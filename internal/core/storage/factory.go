package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Config selects and configures a backend.
type Config struct {
	Type         string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	Path         string
	InMemory     bool
}

// Opener builds a backend client from configuration.
type Opener func(ctx context.Context, cfg Config) (Client, error)

// Factory maps backend type tags to their openers.
type Factory struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

func NewFactory() *Factory {
	return &Factory{openers: make(map[string]Opener)}
}

// Register adds a backend. Registering the same type twice panics.
func (f *Factory) Register(typ string, open Opener) {
	typ = strings.ToLower(typ)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.openers[typ]; dup {
		panic("storage: backend registered twice: " + typ)
	}
	f.openers[typ] = open
}

// Types lists the registered backend types, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.openers))
	for t := range f.openers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open builds the client for cfg.Type.
func (f *Factory) Open(ctx context.Context, cfg Config) (Client, error) {
	f.mu.RLock()
	open, ok := f.openers[strings.ToLower(cfg.Type)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend %q (registered: %s)", cfg.Type, strings.Join(f.Types(), ", "))
	}
	client, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Type, err)
	}
	return client, nil
}
