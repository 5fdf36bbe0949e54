// Package registry tracks live client connections and routes materialized
// updates to them.
//
// Every connection holds its own subscription to its user's update subject,
// so two open connections for the same user both receive every update
// (broadcast, not competing-consumer). Connections are ephemeral: they
// disappear on unsubscribe, on transport close, and when a reaper collects
// connections idle past the TTL.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/idgen"
	"github.com/alfredjeanlab/courier/internal/model"
)

// ErrClosed is returned by Subscribe after the registry shut down.
var ErrClosed = errors.New("registry: closed")

const connBuffer = 64

// Connection is one live client subscription. The transport adapter reads
// Updates() and forwards each element verbatim to its wire protocol.
type Connection struct {
	ID       string
	TenantID string
	UserID   string

	ch     chan *model.Update
	cancel func() // broker unsubscribe, nil in local mode

	mu         sync.Mutex
	lastActive time.Time
	closed     bool
}

// Updates is the stream of updates for this connection. The channel closes
// when the connection is unsubscribed or reaped.
func (c *Connection) Updates() <-chan *model.Update { return c.ch }

// Touch marks the connection active, deferring the idle reaper.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// deliver enqueues one update, dropping it when the client cannot keep up.
// Slow consumers lose real-time messages, not correctness: the update row is
// durable and readable through the catch-up API.
func (c *Connection) deliver(u *model.Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- u:
		c.lastActive = time.Now()
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	close(c.ch)
}

// Registry owns all live connections of a process. With a broker subscriber
// it binds one broker subscription per connection; without one it relies on
// Deliver being called in-process (single-node mode).
type Registry struct {
	sub     events.Subscriber
	idleTTL time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// New returns a Registry. sub may be nil for single-node local fan-out.
func New(sub events.Subscriber, idleTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &Registry{
		sub:     sub,
		idleTTL: idleTTL,
		logger:  logger,
		conns:   make(map[string]*Connection),
	}
}

// Subscribe registers a new connection for (tenant, user) and returns it.
func (r *Registry) Subscribe(tenantID, userID string) (*Connection, error) {
	id, err := idgen.Generate(idgen.PrefixConnection)
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		ID:         id,
		TenantID:   tenantID,
		UserID:     userID,
		ch:         make(chan *model.Update, connBuffer),
		lastActive: time.Now(),
	}

	if r.sub != nil {
		subject := events.UpdateSubject(tenantID, userID)
		ch, cancel, err := r.sub.Subscribe(subject)
		if err != nil {
			return nil, err
		}
		conn.cancel = cancel
		go r.pump(conn, ch)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		conn.close()
		return nil, ErrClosed
	}
	r.conns[id] = conn
	r.logger.Debug("connection subscribed",
		"conn_id", id, "tenant_id", tenantID, "user_id", userID)
	return conn, nil
}

// pump decodes broker payloads onto the connection channel until the broker
// subscription closes.
func (r *Registry) pump(conn *Connection, ch <-chan []byte) {
	for payload := range ch {
		var u model.Update
		if err := json.Unmarshal(payload, &u); err != nil {
			r.logger.Warn("dropping malformed update payload",
				"conn_id", conn.ID, "err", err)
			continue
		}
		if !conn.deliver(&u) {
			r.logger.Warn("dropping update for slow or closed connection",
				"conn_id", conn.ID, "update_id", u.ID)
		}
	}
}

// Unsubscribe removes a connection and closes its update channel. Unknown ids
// are ignored.
func (r *Registry) Unsubscribe(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if ok {
		conn.close()
		r.logger.Debug("connection unsubscribed", "conn_id", connID)
	}
}

// Deliver fans an update out to every live connection of its recipient.
// Used in single-node mode where no broker carries updates between
// processes; with a broker the per-connection subscriptions handle routing
// and this is unnecessary.
func (r *Registry) Deliver(u *model.Update) int {
	r.mu.Lock()
	targets := make([]*Connection, 0, 2)
	for _, c := range r.conns {
		if c.TenantID == u.TenantID && c.UserID == u.UserID {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if c.deliver(u) {
			delivered++
		}
	}
	return delivered
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// RunReaper collects idle connections every interval until ctx is canceled.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.ReapIdle(time.Now().Add(-r.idleTTL)); n > 0 {
				r.logger.Info("reaped idle connections", "count", n)
			}
		}
	}
}

// ReapIdle closes connections whose last activity predates the cutoff and
// returns how many were closed.
func (r *Registry) ReapIdle(cutoff time.Time) int {
	r.mu.Lock()
	var idle []*Connection
	for id, c := range r.conns {
		if c.idleSince().Before(cutoff) {
			idle = append(idle, c)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
	return len(idle)
}

// Close shuts the registry down, closing every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
