// Package session authenticates incoming connections, registers them and runs their
// command loop against the engine components.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/auth"
	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/dispatch"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
	"github.com/Lewis-walter7/comm-sub001/internal/typing"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	opNewHandler           = "session.new"
	opHandshake            = "session.handshake"
	opDecode               = "session.decode"
	opDispatch             = "session.dispatch"
	reasonMissingDeps      = "missing_dependencies"
	reasonUnauthenticated  = "unauthenticated"
	reasonMalformedFrame   = "malformed_frame"
	reasonMalformedPayload = "malformed_payload"
	reasonUnknownCommand   = "unknown_command"
	reasonUnhandled        = "unhandled_command"
	outcomeOK              = "ok"
	defaultMaxMessageBytes = 64 << 10
	defaultPingInterval    = 30 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	fieldConnectionID      = "connection_id"
	fieldIdentityID        = "identity_id"
	fieldCommand           = "command"
	fieldSource            = "credential_source"
)

var (
	errMissingDependencies = errors.New("session: validator, identities, registry, directory, presence, typing, actions and conversations are required")
	errUnknownCommand      = errors.New("session: unknown command")
)

// Authenticator validates the handshake credential of a request.
type Authenticator interface {
	ExtractCredential(r *http.Request) (string, auth.CredentialSource)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// IdentityResolver turns validated claims into the identity a connection registers as.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, claims auth.SessionClaims) (connections.Identity, error)
}

// ConversationLister lists the conversations an identity belongs to in a workspace.
type ConversationLister interface {
	ConversationIDsFor(ctx context.Context, workspaceID, identityID string) ([]string, error)
}

// HandlerConfig describes the session dependencies.
type HandlerConfig struct {
	Authenticator   Authenticator
	Identities      IdentityResolver
	Registry        *connections.Registry
	Directory       *rooms.Directory
	Presence        *presence.Tracker
	Typing          *typing.Coordinator
	Actions         *dispatch.Actions
	Conversations   ConversationLister
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	CheckOrigin     func(r *http.Request) bool
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

// Handler is the websocket endpoint. It implements http.Handler.
type Handler struct {
	authenticator   Authenticator
	identities      IdentityResolver
	registry        *connections.Registry
	directory       *rooms.Directory
	presence        *presence.Tracker
	typing          *typing.Coordinator
	actions         *dispatch.Actions
	conversations   ConversationLister
	maxMessageBytes int64
	pingInterval    time.Duration
	pongWait        time.Duration
	writeWait       time.Duration
	upgrader        websocket.Upgrader
	logger          *zap.Logger
	metrics         *metrics.Collector

	handlers map[Command]commandHandler
	inflight sync.Map // connections.ConnectionID -> *pendingAck
}

// pendingAck is the frame a connection is handling. Commands of one connection run
// one at a time, so each connection has at most one.
type pendingAck struct {
	frame InboundFrame
	sent  bool
}

// NewHandler constructs a Handler. It fails when any Command lacks a handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Authenticator == nil || cfg.Identities == nil || cfg.Registry == nil || cfg.Directory == nil ||
		cfg.Presence == nil || cfg.Typing == nil || cfg.Actions == nil || cfg.Conversations == nil {
		return nil, fault.Invalid(opNewHandler, reasonMissingDeps, errMissingDependencies)
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 9 / 10
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		authenticator:   cfg.Authenticator,
		identities:      cfg.Identities,
		registry:        cfg.Registry,
		directory:       cfg.Directory,
		presence:        cfg.Presence,
		typing:          cfg.Typing,
		actions:         cfg.Actions,
		conversations:   cfg.Conversations,
		maxMessageBytes: maxMessageBytes,
		pingInterval:    pingInterval,
		pongWait:        pongWait,
		writeWait:       writeWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger,
		metrics: cfg.Metrics,
	}
	h.handlers = h.commandTable()
	for _, command := range Commands() {
		if h.handlers[command] == nil {
			return nil, fault.Invalid(opNewHandler, reasonUnhandled, fmt.Errorf("session: no handler for %q", command))
		}
	}
	return h, nil
}

// ServeHTTP authenticates the handshake, upgrades the connection and runs it until
// the client disconnects. A missing or invalid credential is answered with 401 and
// no upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, source := h.authenticator.ExtractCredential(r)
	if source == auth.CredentialSourceNone {
		h.reject(w, auth.ErrMissingSessionToken, source)
		return
	}
	claims, err := h.authenticator.ValidateToken(token)
	if err != nil {
		h.reject(w, err, source)
		return
	}
	identity, err := h.identities.ResolveIdentity(r.Context(), claims)
	if err != nil {
		if fault.Is(err, fault.KindUnauthenticated) {
			h.reject(w, err, source)
			return
		}
		h.logger.Error("identity not resolved", zap.String(fieldIdentityID, claims.IdentityID()), zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, fault.CodeOf(err))
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn, err := h.registry.Register(identity)
	if err != nil {
		h.logger.Warn("connection not registered", zap.String(fieldIdentityID, identity.ID), zap.Error(err))
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"),
			time.Now().Add(h.writeWait))
		_ = socket.Close()
		return
	}
	h.logger.Debug("connection opened",
		zap.String(fieldConnectionID, conn.ID().String()),
		zap.String(fieldIdentityID, identity.ID),
		zap.String(fieldSource, string(source)))

	go h.writePump(socket, conn)
	h.readPump(socket, conn)
}

func (h *Handler) reject(w http.ResponseWriter, err error, source auth.CredentialSource) {
	h.logger.Debug("handshake rejected", zap.String(fieldSource, string(source)), zap.Error(err))
	writeJSONError(w, http.StatusUnauthorized, opHandshake+"."+reasonUnauthenticated)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// readPump processes commands in arrival order until the socket fails, then removes
// the connection from every registry.
func (h *Handler) readPump(socket *websocket.Conn, conn *connections.Connection) {
	defer func() {
		h.registry.Unregister(context.Background(), conn.ID())
		_ = socket.Close()
	}()

	socket.SetReadLimit(h.maxMessageBytes)
	_ = socket.SetReadDeadline(time.Now().Add(h.pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("connection read failed", zap.String(fieldConnectionID, conn.ID().String()), zap.Error(err))
			}
			return
		}
		if ack, sent := h.handleFrame(context.Background(), conn, raw); !sent {
			h.deliverAck(conn, ack)
		}
	}
}

// deliverAck queues an acknowledgment behind the events already queued for conn. A
// refused ack means the connection is being torn down.
func (h *Handler) deliverAck(conn *connections.Connection, ack AckFrame) {
	encoded, err := json.Marshal(ack)
	if err != nil {
		h.logger.Error("ack not encoded", zap.String(fieldCommand, string(ack.Command)), zap.Error(err))
		return
	}
	if !conn.Deliver(encoded) {
		h.metrics.EventDropped(frameTypeAck)
		h.logger.Debug("ack dropped", zap.String(fieldConnectionID, conn.ID().String()), zap.String(fieldCommand, string(ack.Command)))
	}
}

// acknowledge queues the success ack of the frame conn is handling immediately, so it
// precedes anything published after this call. The handler's own result is then
// not sent again.
func (h *Handler) acknowledge(conn *connections.Connection, data interface{}) {
	value, ok := h.inflight.Load(conn.ID())
	if !ok {
		return
	}
	pending := value.(*pendingAck)
	if pending.sent {
		return
	}
	pending.sent = true
	h.deliverAck(conn, AckFrame{Type: frameTypeAck, ID: pending.frame.ID, Command: pending.frame.Command, OK: true, Data: data})
}

// writePump is the only writer of the socket. It ends when the outbound queue is
// closed by Unregister or a write fails.
func (h *Handler) writePump(socket *websocket.Conn, conn *connections.Connection) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = socket.Close()
	}()

	outbound := conn.Outbound()
	for {
		select {
		case frame, ok := <-outbound:
			_ = socket.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame decodes one inbound frame and runs its handler. Every failure becomes
// an error acknowledgment; nothing here closes the connection. sent reports that the
// handler already queued the acknowledgment itself.
func (h *Handler) handleFrame(ctx context.Context, conn *connections.Connection, raw []byte) (ack AckFrame, sent bool) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return failure(frame, fault.Invalid(opDecode, reasonMalformedFrame, err)), false
	}
	handler, ok := h.handlers[frame.Command]
	if !ok {
		h.metrics.CommandHandled(string(frame.Command), fault.KindInvalid.String(), 0)
		return failure(frame, fault.Invalid(opDispatch, reasonUnknownCommand, fmt.Errorf("%w: %q", errUnknownCommand, frame.Command))), false
	}

	pending := &pendingAck{frame: frame}
	h.inflight.Store(conn.ID(), pending)
	defer h.inflight.Delete(conn.ID())

	started := time.Now()
	data, err := handler(ctx, conn, frame.Payload)
	elapsed := time.Since(started)
	if pending.sent {
		h.metrics.CommandHandled(string(frame.Command), outcomeOK, elapsed)
		return AckFrame{}, true
	}
	if err != nil {
		if !fault.Classified(err) {
			err = fault.Transient(opDispatch, reasonUnhandled, err)
		}
		h.metrics.CommandHandled(string(frame.Command), fault.KindOf(err).String(), elapsed)
		h.logger.Debug("command failed",
			zap.String(fieldConnectionID, conn.ID().String()),
			zap.String(fieldCommand, string(frame.Command)),
			zap.Error(err))
		return failure(frame, err), false
	}
	h.metrics.CommandHandled(string(frame.Command), outcomeOK, elapsed)
	return AckFrame{Type: frameTypeAck, ID: frame.ID, Command: frame.Command, OK: true, Data: data}, false
}

func failure(frame InboundFrame, err error) AckFrame {
	return AckFrame{Type: frameTypeAck, ID: frame.ID, Command: frame.Command, OK: false, Error: newAckError(err)}
}

func decode(payload json.RawMessage, target interface{}) error {
	if len(payload) == 0 {
		return fault.Invalid(opDecode, reasonMalformedPayload, errors.New("session: payload is required"))
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fault.Invalid(opDecode, reasonMalformedPayload, err)
	}
	return nil
}
