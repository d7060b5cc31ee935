package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/auth"
	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/dispatch"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
	"github.com/Lewis-walter7/comm-sub001/internal/typing"
	"github.com/Lewis-walter7/comm-sub001/internal/updatelog"
	"github.com/Lewis-walter7/comm-sub001/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	testSigningSecret  = "session-secret"
	testIssuer         = "collab-test"
	testCookieName     = "collab_session"
	testWorkspaceID    = "ws-1"
	testConversationID = "conv-1"
	testDocumentID     = "doc-1"
	alice              = "alice"
	bob                = "bob"
	carol              = "carol"
	readTimeout        = 5 * time.Second
)

type clientFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	ID      string          `json:"id"`
	Command Command         `json:"command"`
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data"`
	Error   *AckError       `json:"error"`
}

type sessionFixture struct {
	handler  *Handler
	registry *connections.Registry
	actions  *dispatch.Actions
	server   *httptest.Server
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append(chat.Models(), &updatelog.DocumentUpdate{}, &presence.PresenceRecord{}, &users.Profile{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newSessionFixture(t *testing.T) sessionFixture {
	t.Helper()
	db := openTestDatabase(t)
	ctx := context.Background()

	service, err := chat.NewService(chat.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}
	mustNoError(t, service.CreateWorkspace(ctx, testWorkspaceID, "Acme", alice))
	mustNoError(t, service.AddWorkspaceMember(ctx, testWorkspaceID, bob))
	mustNoError(t, service.AddWorkspaceMember(ctx, testWorkspaceID, carol))
	mustNoError(t, service.CreateConversation(ctx, testWorkspaceID, testConversationID, "general", alice, bob))
	mustNoError(t, service.CreateDocument(ctx, testWorkspaceID, testDocumentID, "Plan"))

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}

	registry := connections.NewRegistry(connections.RegistryConfig{})
	directory := rooms.NewDirectory(rooms.DirectoryConfig{Authorizer: service})
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{Directory: directory, Registry: registry})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	coordinator := typing.NewCoordinator(typing.CoordinatorConfig{Publish: dispatcher.TypingPublisher()})
	presenceStore, err := presence.NewGormStore(presence.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct presence store: %v", err)
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Store:      presenceStore,
		Authorizer: service,
		Publish:    dispatcher.PresencePublisher(),
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	registry.OnDisconnect(directory.DisconnectHook)
	registry.OnDisconnect(coordinator.ConnectionClosed)
	registry.OnDisconnect(tracker.DetachAll)

	updateStore, err := updatelog.NewGormStore(updatelog.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct update store: %v", err)
	}
	updates, err := updatelog.New(updatelog.Config{Store: updateStore})
	if err != nil {
		t.Fatalf("failed to construct update log: %v", err)
	}
	actions, err := dispatch.NewActions(dispatch.ActionsConfig{
		Dispatcher: dispatcher,
		Authorizer: service,
		Store:      service,
		Updates:    updates,
		Typing:     coordinator,
	})
	if err != nil {
		t.Fatalf("failed to construct actions: %v", err)
	}

	handler, err := NewHandler(HandlerConfig{
		Authenticator: validator,
		Identities:    identities,
		Registry:      registry,
		Directory:     directory,
		Presence:      tracker,
		Typing:        coordinator,
		Actions:       actions,
		Conversations: service,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		registry.CloseAll(context.Background())
		server.Close()
	})
	return sessionFixture{handler: handler, registry: registry, actions: actions, server: server}
}

func mustNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustToken(t *testing.T, identityID string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          identityID,
		UserDisplayName: strings.ToUpper(identityID[:1]) + identityID[1:],
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (f sessionFixture) websocketURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f sessionFixture) dial(t *testing.T, identityID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+mustToken(t, identityID))
	socket, response, err := websocket.DefaultDialer.Dial(f.websocketURL(), header)
	if err != nil {
		t.Fatalf("%s failed to connect: %v", identityID, err)
	}
	if response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() { _ = socket.Close() })
	return socket
}

func send(t *testing.T, socket *websocket.Conn, id string, command Command, payload interface{}) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	frame := InboundFrame{ID: id, Command: command, Payload: encoded}
	if err := socket.WriteJSON(frame); err != nil {
		t.Fatalf("failed to send %s: %v", command, err)
	}
}

// readUntil returns the first frame matching match, discarding the others.
func readUntil(t *testing.T, socket *websocket.Conn, description string, match func(clientFrame) bool) clientFrame {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		var frame clientFrame
		if err := socket.ReadJSON(&frame); err != nil {
			t.Fatalf("failed waiting for %s: %v", description, err)
		}
		if match(frame) {
			return frame
		}
	}
}

func ackFor(id string) func(clientFrame) bool {
	return func(frame clientFrame) bool { return frame.Type == frameTypeAck && frame.ID == id }
}

func eventNamed(event string) func(clientFrame) bool {
	return func(frame clientFrame) bool { return frame.Type == "event" && frame.Event == event }
}

func presenceOf(identityID string, status presence.Status) func(clientFrame) bool {
	return func(frame clientFrame) bool {
		if frame.Type != "event" || frame.Event != dispatch.EventPresenceUpdate {
			return false
		}
		var record presence.Record
		if err := json.Unmarshal(frame.Data, &record); err != nil {
			return false
		}
		return record.IdentityID == identityID && record.Status == status
	}
}

func mustAck(t *testing.T, socket *websocket.Conn, id string) clientFrame {
	t.Helper()
	ack := readUntil(t, socket, "ack "+id, ackFor(id))
	if !ack.OK {
		t.Fatalf("expected %s to succeed, got %+v", id, ack.Error)
	}
	return ack
}

func joinWorkspace(t *testing.T, socket *websocket.Conn, id string) workspaceJoined {
	t.Helper()
	send(t, socket, id, CommandJoinWorkspace, workspacePayload{WorkspaceID: testWorkspaceID})
	ack := mustAck(t, socket, id)
	var joined workspaceJoined
	if err := json.Unmarshal(ack.Data, &joined); err != nil {
		t.Fatalf("failed to decode join result: %v", err)
	}
	return joined
}

func TestEveryCommandHasHandler(t *testing.T) {
	f := newSessionFixture(t)
	if len(f.handler.handlers) != len(Commands()) {
		t.Fatalf("expected %d handlers, got %d", len(Commands()), len(f.handler.handlers))
	}
	for _, command := range Commands() {
		if f.handler.handlers[command] == nil {
			t.Fatalf("command %s has no handler", command)
		}
	}
}

func TestHandshakeRejectsMissingAndInvalidCredentials(t *testing.T) {
	f := newSessionFixture(t)

	testCases := []struct {
		name   string
		header http.Header
	}{
		{name: "missing", header: http.Header{}},
		{name: "invalid", header: http.Header{"Authorization": []string{"Bearer not-a-jwt"}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			socket, response, err := websocket.DefaultDialer.Dial(f.websocketURL(), testCase.header)
			if err == nil {
				_ = socket.Close()
				t.Fatalf("expected handshake to fail")
			}
			if response == nil || response.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401 response, got %+v", response)
			}
			_ = response.Body.Close()
		})
	}
	if count := f.registry.Count(); count != 0 {
		t.Fatalf("expected no registered connection, got %d", count)
	}
}

func TestHandshakeAcceptsQueryCredential(t *testing.T) {
	f := newSessionFixture(t)
	socket, response, err := websocket.DefaultDialer.Dial(f.websocketURL()+"?token="+mustToken(t, alice), nil)
	if err != nil {
		t.Fatalf("expected query credential to be accepted: %v", err)
	}
	_ = response.Body.Close()
	defer socket.Close()

	joined := joinWorkspace(t, socket, "j1")
	if len(joined.Conversations) != 1 || joined.Conversations[0] != testConversationID {
		t.Fatalf("unexpected conversations: %v", joined.Conversations)
	}
}

func TestMalformedAndUnknownFramesAreAcknowledged(t *testing.T) {
	f := newSessionFixture(t)
	socket := f.dial(t, alice)

	if err := socket.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	malformed := readUntil(t, socket, "malformed ack", func(frame clientFrame) bool { return frame.Type == frameTypeAck })
	if malformed.OK || malformed.Error == nil || malformed.Error.Kind != "invalid" {
		t.Fatalf("expected invalid ack, got %+v", malformed)
	}

	send(t, socket, "u1", Command("teleport"), map[string]string{})
	unknown := readUntil(t, socket, "unknown ack", ackFor("u1"))
	if unknown.OK || unknown.Error == nil || unknown.Error.Kind != "invalid" {
		t.Fatalf("expected invalid ack for unknown command, got %+v", unknown)
	}

	joinWorkspace(t, socket, "still-open")
}

func TestSendMessageReachesConversationMembers(t *testing.T) {
	f := newSessionFixture(t)
	aliceSocket := f.dial(t, alice)
	bobSocket := f.dial(t, bob)

	joined := joinWorkspace(t, aliceSocket, "a1")
	if len(joined.Presence) != 1 || joined.Presence[0].IdentityID != alice {
		t.Fatalf("expected alice presence snapshot, got %+v", joined.Presence)
	}
	joinWorkspace(t, bobSocket, "b1")
	readUntil(t, aliceSocket, "bob online", presenceOf(bob, presence.StatusOnline))

	send(t, aliceSocket, "a2", CommandSendMessage, dispatch.SendMessageInput{
		ConversationID: testConversationID,
		Content:        "hello @bob",
		Mentions:       []string{bob},
	})
	ack := mustAck(t, aliceSocket, "a2")
	var sent chat.Message
	if err := json.Unmarshal(ack.Data, &sent); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}

	received := readUntil(t, bobSocket, "message:new", eventNamed(dispatch.EventMessageNew))
	var delivered chat.Message
	if err := json.Unmarshal(received.Data, &delivered); err != nil {
		t.Fatalf("failed to decode delivered message: %v", err)
	}
	if delivered.ID != sent.ID || delivered.Content != "hello @bob" {
		t.Fatalf("unexpected delivered message: %+v", delivered)
	}
	readUntil(t, bobSocket, "mention", eventNamed(dispatch.EventMentionNotification))
}

func TestTypingRequiresConversationSubscription(t *testing.T) {
	f := newSessionFixture(t)
	carolSocket := f.dial(t, carol)
	joined := joinWorkspace(t, carolSocket, "c1")
	if len(joined.Conversations) != 0 {
		t.Fatalf("expected carol to have no conversations, got %v", joined.Conversations)
	}

	send(t, carolSocket, "c2", CommandTypingStart, conversationPayload{ConversationID: testConversationID})
	ack := readUntil(t, carolSocket, "typing ack", ackFor("c2"))
	if ack.OK || ack.Error == nil || ack.Error.Kind != "forbidden" {
		t.Fatalf("expected forbidden ack, got %+v", ack)
	}

	send(t, carolSocket, "c3", CommandJoinConversation, conversationPayload{ConversationID: testConversationID})
	ack = readUntil(t, carolSocket, "join ack", ackFor("c3"))
	if ack.OK || ack.Error == nil || ack.Error.Kind != "forbidden" {
		t.Fatalf("expected forbidden join, got %+v", ack)
	}
}

func TestTypingIsRelayedToOtherMembers(t *testing.T) {
	f := newSessionFixture(t)
	aliceSocket := f.dial(t, alice)
	bobSocket := f.dial(t, bob)
	joinWorkspace(t, aliceSocket, "a1")
	joinWorkspace(t, bobSocket, "b1")

	send(t, aliceSocket, "a2", CommandTypingStart, conversationPayload{ConversationID: testConversationID})
	mustAck(t, aliceSocket, "a2")
	started := readUntil(t, bobSocket, "typing:start", eventNamed(dispatch.EventTypingStart))
	var notice dispatch.TypingPayload
	if err := json.Unmarshal(started.Data, &notice); err != nil {
		t.Fatalf("failed to decode typing notice: %v", err)
	}
	if notice.IdentityID != alice || notice.ConversationID != testConversationID {
		t.Fatalf("unexpected typing notice: %+v", notice)
	}

	send(t, aliceSocket, "a3", CommandTypingStop, conversationPayload{ConversationID: testConversationID})
	mustAck(t, aliceSocket, "a3")
	readUntil(t, bobSocket, "typing:stop", eventNamed(dispatch.EventTypingStop))
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	f := newSessionFixture(t)
	aliceSocket := f.dial(t, alice)
	bobSocket := f.dial(t, bob)
	joinWorkspace(t, aliceSocket, "a1")
	joinWorkspace(t, bobSocket, "b1")
	readUntil(t, aliceSocket, "bob online", presenceOf(bob, presence.StatusOnline))

	_ = bobSocket.Close()
	readUntil(t, aliceSocket, "bob offline", presenceOf(bob, presence.StatusOffline))
}

func TestDocumentUpdatesReachLateJoiner(t *testing.T) {
	f := newSessionFixture(t)
	aliceSocket := f.dial(t, alice)
	bobSocket := f.dial(t, bob)

	send(t, aliceSocket, "a1", CommandDocumentJoin, documentPayload{DocumentID: testDocumentID})
	mustAck(t, aliceSocket, "a1")
	send(t, aliceSocket, "a2", CommandDocumentUpdate, documentPayload{DocumentID: testDocumentID, Update: []byte("U1")})
	mustAck(t, aliceSocket, "a2")

	send(t, bobSocket, "b1", CommandDocumentJoin, documentPayload{DocumentID: testDocumentID})
	ack := mustAck(t, bobSocket, "b1")
	var replay documentReplay
	if err := json.Unmarshal(ack.Data, &replay); err != nil {
		t.Fatalf("failed to decode replay: %v", err)
	}
	if len(replay.Entries) != 1 || string(replay.Entries[0].Payload) != "U1" || replay.Head != 1 {
		t.Fatalf("expected replay of U1, got %+v", replay)
	}

	send(t, aliceSocket, "a3", CommandDocumentUpdate, documentPayload{DocumentID: testDocumentID, Update: []byte("U2")})
	appendAck := mustAck(t, aliceSocket, "a3")
	var appended documentAppended
	if err := json.Unmarshal(appendAck.Data, &appended); err != nil {
		t.Fatalf("failed to decode append result: %v", err)
	}
	if appended.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", appended.Sequence)
	}

	live := readUntil(t, bobSocket, "live update", eventNamed(dispatch.EventDocumentUpdate))
	var update dispatch.DocumentUpdate
	if err := json.Unmarshal(live.Data, &update); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	if update.Sequence != 2 || string(update.Payload) != "U2" {
		t.Fatalf("expected live U2, got %+v", update)
	}
}

func TestUpdatePresenceRejectsUnknownStatus(t *testing.T) {
	f := newSessionFixture(t)
	socket := f.dial(t, alice)
	joinWorkspace(t, socket, "a1")

	send(t, socket, "a2", CommandUpdatePresence, presencePayload{WorkspaceID: testWorkspaceID, Status: "invisible"})
	ack := readUntil(t, socket, "presence ack", ackFor("a2"))
	if ack.OK || ack.Error == nil || ack.Error.Kind != "invalid" {
		t.Fatalf("expected invalid ack, got %+v", ack)
	}

	// The broadcast is queued while the command runs, so it may precede the ack.
	send(t, socket, "a3", CommandUpdatePresence, presencePayload{WorkspaceID: testWorkspaceID, Status: "busy"})
	isAck, isBusy := ackFor("a3"), presenceOf(alice, presence.StatusBusy)
	var acked, broadcast bool
	for !acked || !broadcast {
		frame := readUntil(t, socket, "busy ack and broadcast", func(frame clientFrame) bool { return isAck(frame) || isBusy(frame) })
		if isAck(frame) {
			if !frame.OK {
				t.Fatalf("expected a3 to succeed, got %+v", frame.Error)
			}
			acked = true
			continue
		}
		broadcast = true
	}
}

func drainOutbound(t *testing.T, conn *connections.Connection) []clientFrame {
	t.Helper()
	var frames []clientFrame
	for {
		select {
		case encoded, ok := <-conn.Outbound():
			if !ok {
				return frames
			}
			var frame clientFrame
			if err := json.Unmarshal(encoded, &frame); err != nil {
				t.Fatalf("failed to decode outbound frame: %v", err)
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func TestDocumentJoinAckPrecedesLaterUpdates(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	writer, err := f.registry.Register(connections.Identity{ID: alice})
	mustNoError(t, err)
	reader, err := f.registry.Register(connections.Identity{ID: bob})
	mustNoError(t, err)

	_, err = f.actions.AppendDocumentUpdate(ctx, writer, testDocumentID, []byte("U1"))
	mustNoError(t, err)

	payload, err := json.Marshal(documentPayload{DocumentID: testDocumentID})
	mustNoError(t, err)
	raw, err := json.Marshal(InboundFrame{ID: "b1", Command: CommandDocumentJoin, Payload: payload})
	mustNoError(t, err)
	ack, sent := f.handler.handleFrame(ctx, reader, raw)

	// An append landing between the join and the read loop queuing its result.
	_, err = f.actions.AppendDocumentUpdate(ctx, writer, testDocumentID, []byte("U2"))
	mustNoError(t, err)
	if !sent {
		f.handler.deliverAck(reader, ack)
	}

	frames := drainOutbound(t, reader)
	if len(frames) != 2 {
		t.Fatalf("expected ack and one live update, got %+v", frames)
	}
	if !ackFor("b1")(frames[0]) || !frames[0].OK {
		t.Fatalf("expected join ack first, got %+v", frames[0])
	}
	var replay documentReplay
	if err := json.Unmarshal(frames[0].Data, &replay); err != nil {
		t.Fatalf("failed to decode replay: %v", err)
	}
	if replay.Head != 1 || len(replay.Entries) != 1 || string(replay.Entries[0].Payload) != "U1" {
		t.Fatalf("expected replay of U1 with head 1, got %+v", replay)
	}
	if !eventNamed(dispatch.EventDocumentUpdate)(frames[1]) {
		t.Fatalf("expected live update second, got %+v", frames[1])
	}
	var update dispatch.DocumentUpdate
	if err := json.Unmarshal(frames[1].Data, &update); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	if update.Sequence != 2 || string(update.Payload) != "U2" {
		t.Fatalf("expected live U2 at sequence 2, got %+v", update)
	}
}
