// Package registry provides the discovery backends a client watches and a provider registers with.
//
// Membership of a service is a flat list of children under one path:
//
//	/simplerpc/services/{ServiceName}/{host:port}
//
// Three backends are implemented: etcd (leases), redis (sorted set + pub/sub) and an in-memory
// backend for tests and single-process demos.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ServiceRoot is the parent of every service path.
const ServiceRoot = "/simplerpc/services"

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("registry: backend closed")

// ServicePath returns the membership path of serviceName.
func ServicePath(serviceName string) string {
	return ServiceRoot + "/" + serviceName
}

// Backend is the client-side view of a discovery store.
type Backend interface {
	// ListChildren returns the current children of path, sorted. A missing path has no children.
	ListChildren(ctx context.Context, path string) ([]string, error)

	// WatchChildren installs a persistent watch on path and returns once it is installed.
	// onChange runs on a backend-owned goroutine at least once after every membership change,
	// until ctx is done. Changes may be coalesced.
	WatchChildren(ctx context.Context, path string, onChange func()) error

	Close() error
}

// Registrar is the provider-side view of a discovery store.
type Registrar interface {
	// Register adds child under path. The entry disappears ttl seconds after the registrar stops
	// renewing it; ttl <= 0 registers without expiry where the backend allows it.
	Register(ctx context.Context, path, child string, ttl int64) error
	Deregister(ctx context.Context, path, child string) error
}

// normalize dedups and sorts children, dropping empty names.
func normalize(children []string) []string {
	out := make([]string, 0, len(children))
	seen := make(map[string]struct{}, len(children))
	for _, c := range children {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
