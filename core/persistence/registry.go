package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/kilianp07/fleetlive/core/logger"
)

// ModuleConfig contains the type name and raw configuration of a backend or
// mirror.
type ModuleConfig struct {
	Type string         `json:"type"`
	Conf map[string]any `json:"conf"`
}

// BuildOptions carries settings shared by every storage module.
type BuildOptions struct {
	// IdleSpeed is used to derive the persisted status of samples without hint.
	IdleSpeed float64
	Logger    logger.Logger
}

// BackendFactory builds a Port from raw configuration.
type BackendFactory func(ctx context.Context, conf map[string]any, opts BuildOptions) (Port, error)

// MirrorFactory builds a write-only Writer from raw configuration.
type MirrorFactory func(ctx context.Context, conf map[string]any, opts BuildOptions) (Writer, error)

type registry[F any] struct {
	mu        sync.RWMutex
	factories map[string]F
}

func (r *registry[F]) register(name string, f F) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]F)
	}
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("factory already registered for %s", name)
	}
	r.factories[name] = f
	return nil
}

func (r *registry[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *registry[F]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var (
	backends registry[BackendFactory]
	mirrors  registry[MirrorFactory]
)

// RegisterBackend adds a storage engine factory identified by name.
func RegisterBackend(name string, f BackendFactory) error {
	if f == nil {
		return fmt.Errorf("factory nil for %s", name)
	}
	return backends.register(name, f)
}

// RegisterMirror adds a write-only mirror factory identified by name.
func RegisterMirror(name string, f MirrorFactory) error {
	if f == nil {
		return fmt.Errorf("factory nil for %s", name)
	}
	return mirrors.register(name, f)
}

// Backends lists registered backend names.
func Backends() []string { return backends.names() }

// Mirrors lists registered mirror names.
func Mirrors() []string { return mirrors.names() }

// NewBackend instantiates the backend described by cfg.
func NewBackend(ctx context.Context, cfg ModuleConfig, opts BuildOptions) (Port, error) {
	f, ok := backends.lookup(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown storage type %q (known: %v)", cfg.Type, backends.names())
	}
	return f(ctx, cfg.Conf, opts)
}

// NewMirror instantiates the mirror described by cfg.
func NewMirror(ctx context.Context, cfg ModuleConfig, opts BuildOptions) (Writer, error) {
	f, ok := mirrors.lookup(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown mirror type %q (known: %v)", cfg.Type, mirrors.names())
	}
	return f(ctx, cfg.Conf, opts)
}

// Decode fills out the provided struct using json tags. Duration strings
// such as "5s" are accepted for time.Duration fields.
func Decode(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}
