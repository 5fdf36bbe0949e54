// Package idem is the ingress deduplication filter for mutating requests.
//
// The guard is process-local and best-effort: horizontally scaled API
// servers do not share dedupe state, and a restart loses the window. True
// exactly-once would need an idempotency-key header backed by a shared
// store; that is a known limitation, not something this package papers over.
package idem

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Guard tracks recently admitted request signatures. Each admitted signature
// schedules its own expiry timer; entries are removed individually on expiry
// rather than swept in bulk.
type Guard struct {
	defaultTTL time.Duration
	routes     []RouteTTL

	mu   sync.Mutex
	seen map[string]*time.Timer
}

// RouteTTL overrides the admission window for paths under a prefix. The
// longest matching prefix wins.
type RouteTTL struct {
	Prefix string
	TTL    time.Duration
}

// NewGuard returns a Guard with the given default window. Route overrides are
// matched by longest prefix; order does not matter.
func NewGuard(defaultTTL time.Duration, routes []RouteTTL) *Guard {
	sorted := make([]RouteTTL, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Guard{
		defaultTTL: defaultTTL,
		routes:     sorted,
		seen:       make(map[string]*time.Timer),
	}
}

// Signature builds the dedupe key from method, path, query and body. Query
// parameters are sorted so that reordered but structurally identical
// requests collide.
func Signature(method, path, rawQuery string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(canonicalQuery(rawQuery)))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Admit records the signature and returns true, or returns false when the
// same signature was admitted within its window. The window is chosen from
// the route overrides by path, falling back to the default TTL.
func (g *Guard) Admit(path, signature string) bool {
	ttl := g.TTLFor(path)
	if ttl <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.seen[signature]; dup {
		return false
	}
	g.seen[signature] = time.AfterFunc(ttl, func() {
		g.mu.Lock()
		delete(g.seen, signature)
		g.mu.Unlock()
	})
	return true
}

// TTLFor returns the admission window applied to a path.
func (g *Guard) TTLFor(path string) time.Duration {
	for _, r := range g.routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r.TTL
		}
	}
	return g.defaultTTL
}

// Close stops all pending expiry timers and clears the window.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sig, t := range g.seen {
		t.Stop()
		delete(g.seen, sig)
	}
}

// Len reports the number of live signatures, for tests and introspection.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}
