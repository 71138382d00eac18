// Package publish delivers approved reports to external destinations: an
// internal wiki over HTTP and per-report git repositories.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"reportkit/api/internal/assembly"
	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
)

// Target kinds.
const (
	TargetWiki = "wiki"
	TargetGit  = "git"
)

var (
	ErrUnknownTarget = errors.New("unknown publish target")
	ErrNoPublication = errors.New("no such publication")
)

// Builder assembles a snapshot into a document.
type Builder interface {
	Build(ctx context.Context, snapshot store.Snapshot, opts assembly.Options) (assembly.Document, map[string]slices.Result, error)
}

// Publisher delivers a snapshot and returns a reference to the published copy.
type Publisher interface {
	Publish(ctx context.Context, snapshot store.Snapshot, target string) (string, error)
}

// Router dispatches publish requests by target kind.
type Router struct {
	targets map[string]Publisher
}

func NewRouter() *Router {
	return &Router{targets: map[string]Publisher{}}
}

// Register binds a target kind to a publisher. A nil publisher is ignored so
// unconfigured destinations stay unavailable.
func (r *Router) Register(kind string, publisher Publisher) *Router {
	if publisher != nil {
		r.targets[strings.ToLower(kind)] = publisher
	}
	return r
}

// Targets lists the registered target kinds in sorted order.
func (r *Router) Targets() []string {
	out := make([]string, 0, len(r.targets))
	for kind := range r.targets {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Publish(ctx context.Context, snapshot store.Snapshot, target string) (string, error) {
	publisher, ok := r.targets[strings.ToLower(strings.TrimSpace(target))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return publisher.Publish(ctx, snapshot, target)
}
