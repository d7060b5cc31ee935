// Package connections tracks every live connection for every authenticated identity.
package connections

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opRegister          = "connections.register"
	defaultSendBuffer   = 256
	reasonMissingIdent  = "missing_identity"
	reasonIDGeneration  = "id_generation_failed"
	fieldConnectionID   = "connection_id"
	fieldIdentityID     = "identity_id"
	fieldLastConnection = "last_for_identity"
)

var errMissingIdentity = errors.New("connections: authenticated identity required")

// DisconnectHook observes a connection leaving the registry. lastForIdentity is true
// when the identity holds no other live connection.
type DisconnectHook func(ctx context.Context, conn *Connection, lastForIdentity bool)

// RegistryConfig describes the registry dependencies.
type RegistryConfig struct {
	SendBuffer int
	Clock      func() time.Time
	NewID      func() (string, error)
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Registry owns every live Connection, indexed by id and by identity.
type Registry struct {
	mu         sync.RWMutex
	byID       map[ConnectionID]*Connection
	byIdentity map[string]map[ConnectionID]*Connection

	hooksMu sync.RWMutex
	hooks   []DisconnectHook

	sendBuffer int
	clock      func() time.Time
	newID      func() (string, error)
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byID:       make(map[ConnectionID]*Connection),
		byIdentity: make(map[string]map[ConnectionID]*Connection),
		sendBuffer: sendBuffer,
		clock:      clock,
		newID:      newID,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// OnDisconnect appends a hook run by Unregister, in registration order.
func (r *Registry) OnDisconnect(hook DisconnectHook) {
	if hook == nil {
		return
	}
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register creates a connection for an identity established during handshake.
func (r *Registry) Register(identity Identity) (*Connection, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	if identity.ID == "" {
		return nil, fault.New(fault.KindUnauthenticated, opRegister, reasonMissingIdent, errMissingIdentity)
	}
	rawID, err := r.newID()
	if err != nil {
		return nil, fault.Transient(opRegister, reasonIDGeneration, err)
	}

	id := ConnectionID(rawID)
	conn := newConnection(id, identity, r.clock().UTC(), r.sendBuffer, func() {
		go r.evict(id)
	})

	r.mu.Lock()
	r.byID[conn.id] = conn
	perIdentity := r.byIdentity[identity.ID]
	if perIdentity == nil {
		perIdentity = make(map[ConnectionID]*Connection)
		r.byIdentity[identity.ID] = perIdentity
	}
	perIdentity[conn.id] = conn
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered",
		zap.String(fieldConnectionID, conn.id.String()),
		zap.String(fieldIdentityID, identity.ID))
	return conn, nil
}

// Unregister removes the connection and runs the disconnect hooks before the outbound
// queue is closed. It is a no-op for unknown or already removed connections.
func (r *Registry) Unregister(ctx context.Context, id ConnectionID) {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	identityID := conn.identity.ID
	perIdentity := r.byIdentity[identityID]
	delete(perIdentity, id)
	lastForIdentity := len(perIdentity) == 0
	if lastForIdentity {
		delete(r.byIdentity, identityID)
	}
	r.mu.Unlock()

	conn.markClosing()

	r.hooksMu.RLock()
	hooks := append([]DisconnectHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, conn, lastForIdentity)
	}

	conn.closeOutbound()
	r.metrics.ConnectionClosed()
	r.logger.Debug("connection unregistered",
		zap.String(fieldConnectionID, id.String()),
		zap.String(fieldIdentityID, identityID),
		zap.Bool(fieldLastConnection, lastForIdentity))
}

// evict unregisters a connection whose outbound queue overflowed. Its queued frames
// are still written before the transport closes.
func (r *Registry) evict(id ConnectionID) {
	r.logger.Warn("slow connection evicted", zap.String(fieldConnectionID, id.String()))
	r.Unregister(context.Background(), id)
}

// Get returns a live connection by id.
func (r *Registry) Get(id ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// ConnectionsFor returns the ids of every live connection held by the identity.
func (r *Registry) ConnectionsFor(identityID string) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	perIdentity := r.byIdentity[identityID]
	ids := make([]ConnectionID, 0, len(perIdentity))
	for id := range perIdentity {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionsOf returns every live connection held by the identity.
func (r *Registry) ConnectionsOf(identityID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	perIdentity := r.byIdentity[identityID]
	conns := make([]*Connection, 0, len(perIdentity))
	for _, conn := range perIdentity {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CloseAll unregisters every live connection. Used during shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]ConnectionID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Unregister(ctx, id)
	}
}
