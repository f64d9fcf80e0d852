// Package source defines the acquisition capability and the registry
// that maps config source types to constructors.
package source

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/gather/internal/config"
	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/fetch"
	"github.com/hpungsan/gather/internal/item"
)

// Source lists candidate items from one configured origin and applies
// post-commit actions to them.
type Source interface {
	Name() string
	Type() string

	// ListCandidates returns items created at or after since. A nil
	// since means no lower bound. Items with unknown creation times are
	// always returned; age filtering happens downstream.
	ListCandidates(ctx context.Context, since *time.Time) ([]item.CandidateItem, error)

	// ApplyAction runs a named side effect for a committed item.
	// Unknown actions are permanent errors.
	ApplyAction(ctx context.Context, action string, it item.CandidateItem) error
}

// Factory builds a source from its config stanza.
type Factory func(cfg config.Source, client *fetch.Client, log zerolog.Logger) (Source, error)

var registry = map[string]Factory{}

// Register installs a factory for a config source type. Built-ins
// register from init; callers may add their own before New is used.
func Register(sourceType string, f Factory) {
	registry[sourceType] = f
}

// New constructs the source described by cfg.
func New(cfg config.Source, client *fetch.Client, log zerolog.Logger) (Source, error) {
	f, ok := registry[cfg.Type]
	if !ok {
		return nil, errors.NewConfigf("source %q: unknown type %q (known: %v)",
			cfg.Name, cfg.Type, Types())
	}
	return f(cfg, client, log)
}

// Types lists registered source types, sorted for stable messages.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
