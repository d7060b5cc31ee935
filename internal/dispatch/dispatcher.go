// Package dispatch routes domain events to rooms and identities and runs every domain
// mutation in authorize, persist, apply, publish order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
	"github.com/Lewis-walter7/comm-sub001/internal/typing"
	"go.uber.org/zap"
)

const (
	opPublishRoom      = "dispatch.publish_room"
	opPublishIdentity  = "dispatch.publish_identity"
	opNewDispatcher    = "dispatch.new"
	reasonEncodeFailed = "encode_failed"
	reasonRelayFailed  = "relay_failed"
	reasonMissingDeps  = "missing_dependencies"
	fieldEvent         = "event"
	fieldRoom          = "room"
	fieldIdentityID    = "identity_id"
)

var errMissingDependencies = errors.New("dispatch: directory and registry are required")

// Envelope carries an encoded frame between engine instances.
type Envelope struct {
	Origin     string                     `json:"origin"`
	Event      string                     `json:"event"`
	RoomKind   rooms.Kind                 `json:"roomKind,omitempty"`
	RoomID     string                     `json:"roomId,omitempty"`
	IdentityID string                     `json:"identityId,omitempty"`
	Exclude    []connections.ConnectionID `json:"exclude,omitempty"`
	Frame      json.RawMessage            `json:"frame"`
}

// Relay forwards envelopes to other engine instances. Publish must not block on I/O.
type Relay interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// Config describes the dispatcher dependencies.
type Config struct {
	Directory *rooms.Directory
	Registry  *connections.Registry
	Relay     Relay
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Collector
}

// Dispatcher fans encoded frames out to live connections. Delivery never blocks:
// frames for closed or saturated connections are dropped and counted.
type Dispatcher struct {
	directory *rooms.Directory
	registry  *connections.Registry
	relay     Relay
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Directory == nil || cfg.Registry == nil {
		return nil, fault.Invalid(opNewDispatcher, reasonMissingDeps, errMissingDependencies)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		directory: cfg.Directory,
		registry:  cfg.Registry,
		relay:     cfg.Relay,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// PublishToRoom delivers the event to every current subscriber of the room except the
// excluded connections, then hands it to the relay.
func (d *Dispatcher) PublishToRoom(ctx context.Context, key rooms.Key, event string, data interface{}, exclude ...connections.ConnectionID) error {
	frame, err := d.encode(event, data)
	if err != nil {
		d.logger.Error("event not encoded",
			zap.String("operation", opPublishRoom),
			zap.String("reason", reasonEncodeFailed),
			zap.String(fieldEvent, event),
			zap.Error(err))
		return fault.Invalid(opPublishRoom, reasonEncodeFailed, err)
	}
	d.deliverToRoom(key, event, frame, exclude)
	return d.forward(ctx, opPublishRoom, Envelope{
		Event:    event,
		RoomKind: key.Kind,
		RoomID:   key.ID,
		Exclude:  exclude,
		Frame:    frame,
	})
}

// PublishToIdentity delivers the event to every connection the identity holds.
func (d *Dispatcher) PublishToIdentity(ctx context.Context, identityID, event string, data interface{}) error {
	frame, err := d.encode(event, data)
	if err != nil {
		d.logger.Error("event not encoded",
			zap.String("operation", opPublishIdentity),
			zap.String("reason", reasonEncodeFailed),
			zap.String(fieldEvent, event),
			zap.Error(err))
		return fault.Invalid(opPublishIdentity, reasonEncodeFailed, err)
	}
	d.deliverToIdentity(identityID, event, frame)
	return d.forward(ctx, opPublishIdentity, Envelope{
		Event:      event,
		IdentityID: identityID,
		Frame:      frame,
	})
}

// DeliverRemote delivers an envelope received from another instance to local
// connections only.
func (d *Dispatcher) DeliverRemote(envelope Envelope) {
	if envelope.RoomID != "" {
		d.deliverToRoom(rooms.Key{Kind: envelope.RoomKind, ID: envelope.RoomID}, envelope.Event, envelope.Frame, envelope.Exclude)
		return
	}
	if envelope.IdentityID != "" {
		d.deliverToIdentity(envelope.IdentityID, envelope.Event, envelope.Frame)
	}
}

// PresencePublisher broadcasts presence transitions to the workspace room.
func (d *Dispatcher) PresencePublisher() presence.Publisher {
	return func(ctx context.Context, record presence.Record) {
		_ = d.PublishToRoom(ctx, rooms.WorkspaceKey(record.WorkspaceID), EventPresenceUpdate, record)
	}
}

// TypingPublisher broadcasts typing changes to the conversation room. The connection
// that started typing does not receive its own start event.
func (d *Dispatcher) TypingPublisher() typing.Publisher {
	return func(ctx context.Context, notice typing.Notice) {
		payload := TypingPayload{ConversationID: notice.ConversationID, IdentityID: notice.IdentityID}
		key := rooms.ConversationKey(notice.ConversationID)
		if notice.Typing {
			_ = d.PublishToRoom(ctx, key, EventTypingStart, payload, notice.Origin)
			return
		}
		_ = d.PublishToRoom(ctx, key, EventTypingStop, payload)
	}
}

func (d *Dispatcher) encode(event string, data interface{}) ([]byte, error) {
	return json.Marshal(Frame{Type: frameTypeEvent, Event: event, Data: data, At: d.clock().UTC()})
}

func (d *Dispatcher) deliverToRoom(key rooms.Key, event string, frame []byte, exclude []connections.ConnectionID) {
	for _, conn := range d.directory.MembersOf(key) {
		if excluded(conn.ID(), exclude) {
			continue
		}
		d.deliver(conn, event, frame)
	}
}

func (d *Dispatcher) deliverToIdentity(identityID, event string, frame []byte) {
	for _, conn := range d.registry.ConnectionsOf(identityID) {
		d.deliver(conn, event, frame)
	}
}

func (d *Dispatcher) deliver(conn *connections.Connection, event string, frame []byte) {
	if conn.Deliver(frame) {
		d.metrics.EventDelivered(event)
		return
	}
	d.metrics.EventDropped(event)
}

func (d *Dispatcher) forward(ctx context.Context, operation string, envelope Envelope) error {
	if d.relay == nil {
		return nil
	}
	if err := d.relay.Publish(ctx, envelope); err != nil {
		d.logger.Warn("event not relayed",
			zap.String("operation", operation),
			zap.String("reason", reasonRelayFailed),
			zap.String(fieldEvent, envelope.Event),
			zap.String(fieldRoom, envelope.RoomID),
			zap.String(fieldIdentityID, envelope.IdentityID),
			zap.Error(err))
		return fault.Transient(operation, reasonRelayFailed, err)
	}
	return nil
}

func excluded(id connections.ConnectionID, exclude []connections.ConnectionID) bool {
	for _, candidate := range exclude {
		if candidate == id {
			return true
		}
	}
	return false
}
