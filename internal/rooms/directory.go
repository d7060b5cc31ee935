// Package rooms maintains subscriber sets for workspace, conversation and document rooms.
package rooms

import (
	"context"
	"errors"
	"sync"

	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"go.uber.org/zap"
)

const (
	opJoin                = "rooms.join"
	opSubscribe           = "rooms.subscribe"
	reasonInvalidKey      = "invalid_key"
	reasonConnClosed      = "connection_closed"
	reasonAuthorization   = "authorization_failed"
	reasonMissingIdentity = "missing_identity"
	fieldRoom             = "room"
	fieldConnectionID     = "connection_id"
)

var errConnectionClosed = errors.New("rooms: connection is closed")

// Authorizer is the external membership check consulted before a join.
// It returns a Forbidden or NotFound fault on denial.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, identityID string, key Key) error
}

// DirectoryConfig describes the directory dependencies.
type DirectoryConfig struct {
	Authorizer Authorizer
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

type room struct {
	mu       sync.Mutex
	members  map[connections.ConnectionID]*connections.Connection
	released bool
}

// Directory owns the room subscriber sets. Membership of a room is serialized by the
// room's own lock; the directory lock only guards the indexes.
//
// Lock order is room.mu before Directory.mu.
type Directory struct {
	mu     sync.Mutex
	rooms  map[Key]*room
	byConn map[connections.ConnectionID]map[Key]struct{}

	authorizer Authorizer
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewDirectory constructs an empty directory.
func NewDirectory(cfg DirectoryConfig) *Directory {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		rooms:      make(map[Key]*room),
		byConn:     make(map[connections.ConnectionID]map[Key]struct{}),
		authorizer: cfg.Authorizer,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Join authorizes the connection's identity for the room and subscribes it. joined is
// false when the connection was already a member; no state changes in that case.
func (d *Directory) Join(ctx context.Context, conn *connections.Connection, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, fault.Invalid(opJoin, reasonInvalidKey, err)
	}
	if conn.IdentityID() == "" {
		return false, fault.New(fault.KindUnauthenticated, opJoin, reasonMissingIdentity, nil)
	}
	if d.authorizer != nil {
		if err := d.authorizer.AuthorizeJoin(ctx, conn.IdentityID(), key); err != nil {
			if !fault.Classified(err) {
				err = fault.Transient(opJoin, reasonAuthorization, err)
			}
			d.logger.Debug("room join denied",
				zap.String(fieldRoom, key.String()),
				zap.String(fieldConnectionID, conn.ID().String()),
				zap.Error(err))
			return false, err
		}
	}
	return d.Subscribe(conn, key)
}

// Subscribe adds the connection to the room without consulting the authorizer. Callers
// must have authorized the identity already.
func (d *Directory) Subscribe(conn *connections.Connection, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, fault.Invalid(opSubscribe, reasonInvalidKey, err)
	}
	connID := conn.ID()
	for {
		r := d.acquire(key)
		r.mu.Lock()
		if r.released {
			r.mu.Unlock()
			continue
		}
		if _, ok := r.members[connID]; ok {
			r.mu.Unlock()
			return false, nil
		}

		d.mu.Lock()
		if conn.Closed() {
			d.mu.Unlock()
			d.releaseIfEmptyLocked(key, r)
			r.mu.Unlock()
			return false, fault.Conflict(opSubscribe, reasonConnClosed, errConnectionClosed)
		}
		tracked := d.byConn[connID]
		if tracked == nil {
			tracked = make(map[Key]struct{})
			d.byConn[connID] = tracked
		}
		tracked[key] = struct{}{}
		d.mu.Unlock()

		r.members[connID] = conn
		r.mu.Unlock()
		return true, nil
	}
}

// Leave removes the connection from the room. Leaving a room the connection is not
// a member of is a no-op.
func (d *Directory) Leave(conn *connections.Connection, key Key) bool {
	connID := conn.ID()
	d.mu.Lock()
	r := d.rooms[key]
	if tracked := d.byConn[connID]; tracked != nil {
		delete(tracked, key)
		if len(tracked) == 0 {
			delete(d.byConn, connID)
		}
	}
	d.mu.Unlock()
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[connID]; !ok {
		return false
	}
	delete(r.members, connID)
	d.releaseIfEmptyLocked(key, r)
	return true
}

// RemoveConnection drops the connection from every room it belongs to and returns the
// rooms it left. Callers mark the connection closed first so that no concurrent join
// can re-add it.
func (d *Directory) RemoveConnection(connID connections.ConnectionID) []Key {
	d.mu.Lock()
	tracked := d.byConn[connID]
	delete(d.byConn, connID)
	keys := make([]Key, 0, len(tracked))
	targets := make([]*room, 0, len(tracked))
	for key := range tracked {
		if r := d.rooms[key]; r != nil {
			keys = append(keys, key)
			targets = append(targets, r)
		}
	}
	d.mu.Unlock()

	left := make([]Key, 0, len(keys))
	for i, r := range targets {
		r.mu.Lock()
		if _, ok := r.members[connID]; ok {
			delete(r.members, connID)
			left = append(left, keys[i])
		}
		d.releaseIfEmptyLocked(keys[i], r)
		r.mu.Unlock()
	}
	return left
}

// MembersOf returns a snapshot of the room's current subscribers.
func (d *Directory) MembersOf(key Key) []*connections.Connection {
	d.mu.Lock()
	r := d.rooms[key]
	d.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*connections.Connection, 0, len(r.members))
	for _, conn := range r.members {
		members = append(members, conn)
	}
	return members
}

// IsMember reports whether the connection currently subscribes to the room.
func (d *Directory) IsMember(connID connections.ConnectionID, key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byConn[connID][key]
	return ok
}

// RoomsOf returns the rooms the connection currently subscribes to.
func (d *Directory) RoomsOf(connID connections.ConnectionID) []Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	tracked := d.byConn[connID]
	keys := make([]Key, 0, len(tracked))
	for key := range tracked {
		keys = append(keys, key)
	}
	return keys
}

// RoomCount returns the number of rooms with at least one subscriber.
func (d *Directory) RoomCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// DisconnectHook adapts RemoveConnection to the registry hook signature.
func (d *Directory) DisconnectHook(_ context.Context, conn *connections.Connection, _ bool) {
	left := d.RemoveConnection(conn.ID())
	if len(left) > 0 {
		d.logger.Debug("connection swept from rooms",
			zap.String(fieldConnectionID, conn.ID().String()),
			zap.Int("rooms", len(left)))
	}
}

func (d *Directory) acquire(key Key) *room {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.rooms[key]
	if r == nil {
		r = &room{members: make(map[connections.ConnectionID]*connections.Connection)}
		d.rooms[key] = r
		d.metrics.RoomCreated()
	}
	return r
}

// releaseIfEmptyLocked drops an empty room from the index. r.mu must be held.
func (d *Directory) releaseIfEmptyLocked(key Key, r *room) {
	if r.released || len(r.members) > 0 {
		return
	}
	d.mu.Lock()
	if d.rooms[key] == r {
		delete(d.rooms, key)
		d.metrics.RoomReleased()
	}
	d.mu.Unlock()
	r.released = true
}
