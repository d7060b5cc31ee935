// Package presence derives per-workspace presence from live connections and explicit
// client requests, writing every transition through to storage.
package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

const (
	opAttach             = "presence.attach"
	opSetStatus          = "presence.set_status"
	opGet                = "presence.get"
	opNewTracker         = "presence.new"
	reasonMissingStore   = "missing_store"
	reasonMissingSpace   = "missing_workspace_id"
	reasonConnClosed     = "connection_closed"
	reasonNotAttached    = "not_attached"
	reasonInvalidStatus  = "invalid_status"
	reasonPersistFailed  = "persist_failed"
	reasonAuthorization  = "authorization_failed"
	fieldIdentityID      = "identity_id"
	fieldWorkspaceID     = "workspace_id"
	fieldStatus          = "status"
	keySeparator         = "\x00"
	transitionAttach     = "attach"
	transitionDetach     = "detach"
	transitionSetStatus  = "set_status"
	transitionDebounced  = "debounced"
	transitionFieldLabel = "transition"
)

var (
	errMissingStore     = errors.New("presence: store is required")
	errMissingWorkspace = errors.New("presence: workspace id is required")
	errConnectionClosed = errors.New("presence: connection is closed")
	errNotAttached      = errors.New("presence: identity has no live connection in workspace")
)

// Authorizer checks workspace access before an explicit status change.
type Authorizer interface {
	AuthorizeWorkspace(ctx context.Context, identityID, workspaceID string) error
}

// Publisher receives every presence transition. It is called with the key lock held
// and must not call back into the Tracker.
type Publisher func(ctx context.Context, record Record)

// TrackerConfig describes the tracker dependencies.
type TrackerConfig struct {
	Store      Store
	Authorizer Authorizer
	Publish    Publisher
	Clock      clock.Clock
	// Debounce delays the offline transition; a re-attach inside the window cancels
	// it. Zero broadcasts every zero-crossing.
	Debounce time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

type entry struct {
	identityID  string
	workspaceID string
	conns       map[connections.ConnectionID]struct{}
	record      Record
	pending     clock.Timer
	generation  uint64
}

// Tracker owns in-memory presence. Each (identity, workspace) pair is serialized by
// its own key lock, held only for the in-memory transition and its broadcast; mu
// only guards the indexes and record snapshots.
type Tracker struct {
	store      Store
	authorizer Authorizer
	publish    Publisher
	clock      clock.Clock
	debounce   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Collector

	locks *kmutex.Kmutex

	mu      sync.Mutex
	entries map[string]*entry
	byConn  map[connections.ConnectionID]map[string]struct{}

	version atomic.Int64
}

// NewTracker constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, fault.Invalid(opNewTracker, reasonMissingStore, errMissingStore)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	publish := cfg.Publish
	if publish == nil {
		publish = func(context.Context, Record) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.Debounce
	if debounce < 0 {
		debounce = 0
	}
	t := &Tracker{
		store:      cfg.Store,
		authorizer: cfg.Authorizer,
		publish:    publish,
		clock:      clk,
		debounce:   debounce,
		logger:     logger,
		metrics:    cfg.Metrics,
		locks:      kmutex.New(),
		entries:    make(map[string]*entry),
		byConn:     make(map[connections.ConnectionID]map[string]struct{}),
	}
	// Seeded from the clock so versions keep increasing across restarts.
	t.version.Store(clk.Now().UnixNano())
	return t, nil
}

// Attach counts conn toward its identity's presence in the workspace. The first
// attached connection transitions the identity online.
func (t *Tracker) Attach(ctx context.Context, conn *connections.Connection, workspaceID string) (Record, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return Record{}, fault.Invalid(opAttach, reasonMissingSpace, errMissingWorkspace)
	}
	record, changed, err := t.attach(ctx, conn, workspaceID)
	if err != nil || !changed {
		return record, err
	}
	t.persist(ctx, record, transitionAttach)
	return record, nil
}

func (t *Tracker) attach(ctx context.Context, conn *connections.Connection, workspaceID string) (Record, bool, error) {
	identityID := conn.IdentityID()
	key := entryKey(identityID, workspaceID)

	t.locks.Lock(key)
	defer t.locks.Unlock(key)

	e := t.entryLocked(key, identityID, workspaceID)
	if _, ok := e.conns[conn.ID()]; ok {
		return t.snapshot(e), false, nil
	}

	t.mu.Lock()
	if conn.Closed() {
		t.mu.Unlock()
		t.dropIfIdleLocked(key, e)
		return Record{}, false, fault.Conflict(opAttach, reasonConnClosed, errConnectionClosed)
	}
	wasIdle := len(e.conns) == 0
	e.conns[conn.ID()] = struct{}{}
	tracked := t.byConn[conn.ID()]
	if tracked == nil {
		tracked = make(map[string]struct{})
		t.byConn[conn.ID()] = tracked
	}
	tracked[key] = struct{}{}
	t.mu.Unlock()

	if e.pending != nil {
		// Reconnected inside the debounce window; the identity never went offline.
		e.pending.Stop()
		e.pending = nil
		e.generation++
		return t.snapshot(e), false, nil
	}
	if !wasIdle && e.record.Status != StatusOffline {
		return t.snapshot(e), false, nil
	}

	record := Record{
		IdentityID:  identityID,
		WorkspaceID: workspaceID,
		Status:      StatusOnline,
		LastSeenAt:  t.clock.Now().UTC(),
		Version:     t.nextVersion(),
	}
	t.applyLocked(ctx, e, record, transitionAttach)
	return record, true, nil
}

// Detach stops counting conn toward the workspace. When it was the identity's last
// connection there, the identity transitions offline.
func (t *Tracker) Detach(ctx context.Context, conn *connections.Connection, workspaceID string) {
	key := entryKey(conn.IdentityID(), strings.TrimSpace(workspaceID))
	if record, changed := t.detachKey(ctx, conn.ID(), key); changed {
		t.persist(ctx, record, transitionDetach)
	}
}

// DetachAll detaches conn from every workspace it was attached to. It is the
// registry disconnect hook.
func (t *Tracker) DetachAll(ctx context.Context, conn *connections.Connection, _ bool) {
	t.mu.Lock()
	tracked := t.byConn[conn.ID()]
	delete(t.byConn, conn.ID())
	keys := make([]string, 0, len(tracked))
	for key := range tracked {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	for _, key := range keys {
		if record, changed := t.detachKey(ctx, conn.ID(), key); changed {
			t.persist(ctx, record, transitionDetach)
		}
	}
}

func (t *Tracker) detachKey(ctx context.Context, connID connections.ConnectionID, key string) (Record, bool) {
	t.locks.Lock(key)
	defer t.locks.Unlock(key)

	t.mu.Lock()
	e := t.entries[key]
	t.untrackLocked(connID, key)
	if e == nil {
		t.mu.Unlock()
		return Record{}, false
	}
	if _, ok := e.conns[connID]; !ok {
		t.mu.Unlock()
		return Record{}, false
	}
	delete(e.conns, connID)
	remaining := len(e.conns)
	t.mu.Unlock()
	if remaining > 0 {
		return Record{}, false
	}

	lastSeen := t.clock.Now().UTC()
	if t.debounce > 0 {
		e.generation++
		generation := e.generation
		e.pending = t.clock.AfterFunc(t.debounce, func() {
			t.expire(key, generation, lastSeen)
		})
		return Record{}, false
	}
	return t.goOfflineLocked(ctx, key, e, lastSeen, transitionDetach), true
}

// expire applies a debounced offline transition unless a re-attach superseded it.
func (t *Tracker) expire(key string, generation uint64, lastSeen time.Time) {
	if record, changed := t.expireKey(key, generation, lastSeen); changed {
		t.persist(context.Background(), record, transitionDebounced)
	}
}

func (t *Tracker) expireKey(key string, generation uint64, lastSeen time.Time) (Record, bool) {
	t.locks.Lock(key)
	defer t.locks.Unlock(key)

	t.mu.Lock()
	e := t.entries[key]
	t.mu.Unlock()
	if e == nil || e.generation != generation || len(e.conns) > 0 {
		return Record{}, false
	}
	e.pending = nil
	return t.goOfflineLocked(context.Background(), key, e, lastSeen, transitionDebounced), true
}

// goOfflineLocked applies the offline transition and forgets the idle entry. The
// caller holds the key lock and persists the returned record after releasing it.
func (t *Tracker) goOfflineLocked(ctx context.Context, key string, e *entry, lastSeen time.Time, transition string) Record {
	record := Record{
		IdentityID:  e.identityID,
		WorkspaceID: e.workspaceID,
		Status:      StatusOffline,
		LastSeenAt:  lastSeen,
		Version:     t.nextVersion(),
	}
	t.applyLocked(ctx, e, record, transition)
	t.dropIfIdleLocked(key, e)
	return record
}

// SetStatus applies an explicit client status. The identity must have workspace
// access and at least one connection attached to the workspace.
func (t *Tracker) SetStatus(ctx context.Context, identityID, workspaceID string, status Status) (Record, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return Record{}, fault.Invalid(opSetStatus, reasonMissingSpace, errMissingWorkspace)
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return Record{}, fault.Invalid(opSetStatus, reasonInvalidStatus, err)
	}
	if t.authorizer != nil {
		if err := t.authorizer.AuthorizeWorkspace(ctx, identityID, workspaceID); err != nil {
			if !fault.Classified(err) {
				err = fault.Transient(opSetStatus, reasonAuthorization, err)
			}
			return Record{}, err
		}
	}

	record, err := t.setStatus(ctx, identityID, workspaceID, status)
	if err != nil {
		return Record{}, err
	}
	t.persist(ctx, record, transitionSetStatus)
	return record, nil
}

func (t *Tracker) setStatus(ctx context.Context, identityID, workspaceID string, status Status) (Record, error) {
	key := entryKey(identityID, workspaceID)
	t.locks.Lock(key)
	defer t.locks.Unlock(key)

	t.mu.Lock()
	e := t.entries[key]
	attached := e != nil && len(e.conns) > 0
	t.mu.Unlock()
	if !attached {
		return Record{}, fault.Conflict(opSetStatus, reasonNotAttached, errNotAttached)
	}

	record := Record{
		IdentityID:  identityID,
		WorkspaceID: workspaceID,
		Status:      status,
		LastSeenAt:  t.clock.Now().UTC(),
		Explicit:    true,
		Version:     t.nextVersion(),
	}
	t.applyLocked(ctx, e, record, transitionSetStatus)
	return record, nil
}

// persist writes an applied transition through to the store once the key lock is
// released. Live presence is already authoritative in memory, so a failed write is
// logged and the next transition of the pair overwrites the stale row.
func (t *Tracker) persist(ctx context.Context, record Record, transition string) {
	if err := t.store.Save(ctx, record); err != nil {
		t.logger.Warn("presence transition not persisted",
			zap.String(fieldIdentityID, record.IdentityID),
			zap.String(fieldWorkspaceID, record.WorkspaceID),
			zap.String(fieldStatus, string(record.Status)),
			zap.String(transitionFieldLabel, transition),
			zap.Error(err))
	}
}

func (t *Tracker) nextVersion() int64 {
	return t.version.Add(1)
}

// Get returns the identity's presence in the workspace. Without an attached
// connection the identity is offline; the stored snapshot supplies lastSeenAt.
func (t *Tracker) Get(ctx context.Context, identityID, workspaceID string) (Record, error) {
	key := entryKey(identityID, workspaceID)
	t.mu.Lock()
	e := t.entries[key]
	var record Record
	live := e != nil && e.record.Status != ""
	if live {
		record = e.record
	}
	t.mu.Unlock()
	if live {
		return record, nil
	}

	offline := Record{IdentityID: identityID, WorkspaceID: workspaceID, Status: StatusOffline}
	stored, ok, err := t.store.Load(ctx, identityID, workspaceID)
	if err != nil {
		if fault.Classified(err) {
			return Record{}, err
		}
		return Record{}, fault.Transient(opGet, reasonPersistFailed, err)
	}
	if ok {
		offline.LastSeenAt = stored.LastSeenAt
	}
	return offline, nil
}

// Snapshot returns the presence of every identity currently attached to the workspace.
func (t *Tracker) Snapshot(workspaceID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]Record, 0)
	for _, e := range t.entries {
		if e.workspaceID != workspaceID || len(e.conns) == 0 || e.record.Status == "" {
			continue
		}
		records = append(records, e.record)
	}
	return records
}

// ConnectionCount returns the number of the identity's connections attached to the workspace.
func (t *Tracker) ConnectionCount(identityID, workspaceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[entryKey(identityID, workspaceID)]; e != nil {
		return len(e.conns)
	}
	return 0
}

func (t *Tracker) snapshot(e *entry) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.record
}

func (t *Tracker) applyLocked(ctx context.Context, e *entry, record Record, transition string) {
	t.mu.Lock()
	e.record = record
	t.mu.Unlock()
	t.metrics.PresenceTransition(string(record.Status))
	t.logger.Debug("presence transition",
		zap.String(fieldIdentityID, record.IdentityID),
		zap.String(fieldWorkspaceID, record.WorkspaceID),
		zap.String(fieldStatus, string(record.Status)),
		zap.String(transitionFieldLabel, transition))
	t.publish(ctx, record)
}

// entryLocked returns the entry for key, creating it. The caller holds the key lock.
func (t *Tracker) entryLocked(key, identityID, workspaceID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		e = &entry{
			identityID:  identityID,
			workspaceID: workspaceID,
			conns:       make(map[connections.ConnectionID]struct{}),
		}
		t.entries[key] = e
	}
	return e
}

// dropIfIdleLocked forgets an entry with no connections and no pending transition.
// The caller holds the key lock.
func (t *Tracker) dropIfIdleLocked(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(e.conns) == 0 && e.pending == nil && t.entries[key] == e {
		delete(t.entries, key)
	}
}

// untrackLocked requires t.mu.
func (t *Tracker) untrackLocked(connID connections.ConnectionID, key string) {
	tracked := t.byConn[connID]
	if tracked == nil {
		return
	}
	delete(tracked, key)
	if len(tracked) == 0 {
		delete(t.byConn, connID)
	}
}

func entryKey(identityID, workspaceID string) string {
	return identityID + keySeparator + workspaceID
}
