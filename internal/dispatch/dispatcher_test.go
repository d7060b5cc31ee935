package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
	"github.com/Lewis-walter7/comm-sub001/internal/typing"
	"github.com/Lewis-walter7/comm-sub001/internal/updatelog"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

const (
	testWorkspaceID    = "ws-1"
	testConversationID = "conv-1"
	testDocumentID     = "doc-1"
	alice              = "alice"
	bob                = "bob"
	carol              = "carol"
)

type receivedFrame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fixture struct {
	service    *chat.Service
	registry   *connections.Registry
	directory  *rooms.Directory
	dispatcher *Dispatcher
	actions    *Actions
	typing     *typing.Coordinator
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
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
	models := append(chat.Models(), &updatelog.DocumentUpdate{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newFixture(t *testing.T, relay Relay) fixture {
	t.Helper()
	db := openTestDatabase(t)
	service, err := chat.NewService(chat.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}
	ctx := context.Background()
	mustNoError(t, service.CreateWorkspace(ctx, testWorkspaceID, "Acme", alice))
	mustNoError(t, service.AddWorkspaceMember(ctx, testWorkspaceID, bob))
	mustNoError(t, service.AddWorkspaceMember(ctx, testWorkspaceID, carol))
	mustNoError(t, service.CreateConversation(ctx, testWorkspaceID, testConversationID, "general", alice, bob))
	mustNoError(t, service.CreateDocument(ctx, testWorkspaceID, testDocumentID, "Plan"))

	registry := connections.NewRegistry(connections.RegistryConfig{})
	directory := rooms.NewDirectory(rooms.DirectoryConfig{Authorizer: service})
	registry.OnDisconnect(directory.DisconnectHook)
	dispatcher, err := NewDispatcher(Config{Directory: directory, Registry: registry, Relay: relay})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	coordinator := typing.NewCoordinator(typing.CoordinatorConfig{Publish: dispatcher.TypingPublisher()})
	registry.OnDisconnect(coordinator.ConnectionClosed)

	store, err := updatelog.NewGormStore(updatelog.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct update store: %v", err)
	}
	updates, err := updatelog.New(updatelog.Config{Store: store})
	if err != nil {
		t.Fatalf("failed to construct update log: %v", err)
	}
	actions, err := NewActions(ActionsConfig{
		Dispatcher: dispatcher,
		Authorizer: service,
		Store:      service,
		Updates:    updates,
		Typing:     coordinator,
	})
	if err != nil {
		t.Fatalf("failed to construct actions: %v", err)
	}
	return fixture{
		service:    service,
		registry:   registry,
		directory:  directory,
		dispatcher: dispatcher,
		actions:    actions,
		typing:     coordinator,
	}
}

func mustNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f fixture) connect(t *testing.T, identityID string, joined ...rooms.Key) *connections.Connection {
	t.Helper()
	conn, err := f.registry.Register(connections.Identity{ID: identityID})
	if err != nil {
		t.Fatalf("failed to register %s: %v", identityID, err)
	}
	for _, key := range joined {
		if _, err := f.directory.Join(context.Background(), conn, key); err != nil {
			t.Fatalf("%s failed to join %s: %v", identityID, key, err)
		}
	}
	return conn
}

// drain returns every frame queued on the connection without blocking.
func drain(t *testing.T, conn *connections.Connection) []receivedFrame {
	t.Helper()
	var frames []receivedFrame
	for {
		select {
		case raw, ok := <-conn.Outbound():
			if !ok {
				return frames
			}
			var frame receivedFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				t.Fatalf("failed to decode frame: %v", err)
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func events(frames []receivedFrame) []string {
	names := make([]string, 0, len(frames))
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	return names
}

func TestPublishToRoomSkipsExcludedAndNonMembers(t *testing.T) {
	f := newFixture(t, nil)
	conversation := rooms.ConversationKey(testConversationID)
	first := f.connect(t, alice, conversation)
	second := f.connect(t, bob, conversation)
	outside := f.connect(t, carol)

	if err := f.dispatcher.PublishToRoom(context.Background(), conversation, EventMessageNew, map[string]string{"id": "m1"}, first.ID()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if frames := drain(t, first); len(frames) != 0 {
		t.Fatalf("expected excluded connection to receive nothing, got %v", events(frames))
	}
	if frames := drain(t, outside); len(frames) != 0 {
		t.Fatalf("expected non-member to receive nothing, got %v", events(frames))
	}
	frames := drain(t, second)
	if len(frames) != 1 || frames[0].Type != frameTypeEvent || frames[0].Event != EventMessageNew {
		t.Fatalf("unexpected frames for member: %+v", frames)
	}
}

func TestPublishToIdentityReachesEveryDevice(t *testing.T) {
	f := newFixture(t, nil)
	phone := f.connect(t, bob)
	laptop := f.connect(t, bob)
	other := f.connect(t, alice)

	if err := f.dispatcher.PublishToIdentity(context.Background(), bob, EventMentionNotification, MentionNotice{MessageID: "m1"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	for _, conn := range []*connections.Connection{phone, laptop} {
		if frames := drain(t, conn); len(frames) != 1 || frames[0].Event != EventMentionNotification {
			t.Fatalf("expected mention on every device, got %+v", frames)
		}
	}
	if frames := drain(t, other); len(frames) != 0 {
		t.Fatalf("expected other identity to receive nothing, got %v", events(frames))
	}
}

func TestSendMessageBroadcastsAfterPersistence(t *testing.T) {
	f := newFixture(t, nil)
	sender := f.connect(t, alice, rooms.WorkspaceKey(testWorkspaceID), rooms.ConversationKey(testConversationID))
	reader := f.connect(t, bob, rooms.WorkspaceKey(testWorkspaceID), rooms.ConversationKey(testConversationID))
	mustNoError(t, f.typing.Start(context.Background(), alice, testConversationID, sender.ID()))
	drain(t, reader)

	message, err := f.actions.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: testConversationID,
		Content:        "hi @bob",
		Mentions:       []string{bob},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if f.typing.IsTyping(alice, testConversationID) {
		t.Fatalf("expected sending to stop the typing indicator")
	}

	got := events(drain(t, reader))
	want := []string{EventTypingStop, EventMessageNew, EventConversationUpdated, EventMentionNotification}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	senderEvents := events(drain(t, sender))
	if len(senderEvents) != 3 || senderEvents[1] != EventMessageNew {
		t.Fatalf("expected sender to see its own message, got %v", senderEvents)
	}
	if message.ID == "" || message.WorkspaceID != testWorkspaceID {
		t.Fatalf("unexpected message: %+v", message)
	}
}

func TestSendMessageByNonMemberIsForbiddenAndSilent(t *testing.T) {
	f := newFixture(t, nil)
	reader := f.connect(t, bob, rooms.ConversationKey(testConversationID))

	_, err := f.actions.SendMessage(context.Background(), carol, SendMessageInput{ConversationID: testConversationID, Content: "let me in"})
	if !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if frames := drain(t, reader); len(frames) != 0 {
		t.Fatalf("expected no broadcast, got %v", events(frames))
	}
}

type failingStore struct {
	*chat.Service
}

func (failingStore) CreateMessage(context.Context, chat.NewMessage) (chat.Message, error) {
	return chat.Message{}, errors.New("database is locked")
}

func TestPersistenceFailureSkipsBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	f.actions.store = &failingStore{Service: f.service}
	reader := f.connect(t, bob, rooms.ConversationKey(testConversationID))

	_, err := f.actions.SendMessage(context.Background(), alice, SendMessageInput{ConversationID: testConversationID, Content: "lost"})
	if !fault.Is(err, fault.KindTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if frames := drain(t, reader); len(frames) != 0 {
		t.Fatalf("expected no broadcast after failed write, got %v", events(frames))
	}
}

func TestEditReactPinAndDeleteBroadcastToConversation(t *testing.T) {
	f := newFixture(t, nil)
	reader := f.connect(t, bob, rooms.ConversationKey(testConversationID))
	ctx := context.Background()

	message, err := f.actions.SendMessage(ctx, alice, SendMessageInput{ConversationID: testConversationID, Content: "v1"})
	mustNoError(t, err)
	_, err = f.actions.EditMessage(ctx, alice, message.ID, "v2")
	mustNoError(t, err)
	_, err = f.actions.ToggleReaction(ctx, bob, message.ID, "tada")
	mustNoError(t, err)
	_, err = f.actions.TogglePin(ctx, bob, message.ID)
	mustNoError(t, err)
	_, err = f.actions.MarkRead(ctx, bob, testConversationID, message.ID)
	mustNoError(t, err)
	_, err = f.actions.DeleteMessage(ctx, alice, message.ID)
	mustNoError(t, err)

	got := events(drain(t, reader))
	want := []string{EventMessageNew, EventMessageEdit, EventMessageReaction, EventMessagePin, EventMessageRead, EventMessageDelete}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	if _, err := f.actions.EditMessage(ctx, bob, message.ID, "hijack"); err == nil {
		t.Fatalf("expected edit of a deleted message by a non-author to fail")
	}
}

func TestAddAndRemoveMemberUpdateLiveSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	newcomer := f.connect(t, carol, rooms.WorkspaceKey(testWorkspaceID))
	admin := f.connect(t, alice, rooms.ConversationKey(testConversationID))

	if _, err := f.actions.AddMember(ctx, bob, testConversationID, carol, chat.RoleMember); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected plain member to be denied, got %v", err)
	}
	if _, err := f.actions.AddMember(ctx, alice, testConversationID, carol, chat.RoleMember); err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	if !f.directory.IsMember(newcomer.ID(), rooms.ConversationKey(testConversationID)) {
		t.Fatalf("expected the new member's live connection to be subscribed")
	}
	if got := events(drain(t, newcomer)); len(got) != 1 || got[0] != EventMemberAdded {
		t.Fatalf("expected newcomer to see member:added, got %v", got)
	}

	if _, err := f.actions.RemoveMember(ctx, carol, testConversationID, carol); err != nil {
		t.Fatalf("self removal failed: %v", err)
	}
	if f.directory.IsMember(newcomer.ID(), rooms.ConversationKey(testConversationID)) {
		t.Fatalf("expected removed member to be unsubscribed")
	}
	if got := events(drain(t, newcomer)); len(got) != 1 || got[0] != EventMemberRemoved {
		t.Fatalf("expected removed member to be told directly, got %v", got)
	}
	if got := events(drain(t, admin)); fmt.Sprint(got) != fmt.Sprint([]string{EventMemberAdded, EventMemberRemoved}) {
		t.Fatalf("unexpected admin events: %v", got)
	}
}

func TestTypingStartExcludesOriginConnection(t *testing.T) {
	f := newFixture(t, nil)
	key := rooms.ConversationKey(testConversationID)
	typingDevice := f.connect(t, alice, key)
	otherDevice := f.connect(t, alice, key)
	reader := f.connect(t, bob, key)

	mustNoError(t, f.typing.Start(context.Background(), alice, testConversationID, typingDevice.ID()))
	if frames := drain(t, typingDevice); len(frames) != 0 {
		t.Fatalf("expected origin to be excluded, got %v", events(frames))
	}
	for _, conn := range []*connections.Connection{otherDevice, reader} {
		if got := events(drain(t, conn)); len(got) != 1 || got[0] != EventTypingStart {
			t.Fatalf("expected typing:start, got %v", got)
		}
	}

	f.registry.Unregister(context.Background(), typingDevice.ID())
	if got := events(drain(t, reader)); len(got) != 1 || got[0] != EventTypingStop {
		t.Fatalf("expected immediate typing:stop on disconnect, got %v", got)
	}
}

func TestLateDocumentJoinerReplaysThenReceivesLive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	writer := f.connect(t, alice)
	if _, err := f.actions.JoinDocument(ctx, writer, testDocumentID, 0, nil); err != nil {
		t.Fatalf("writer join failed: %v", err)
	}

	first, err := f.actions.AppendDocumentUpdate(ctx, writer, testDocumentID, []byte("U1"))
	if err != nil || first.Sequence != 1 {
		t.Fatalf("expected U1 at sequence 1, entry=%+v err=%v", first, err)
	}

	joiner := f.connect(t, bob)
	replayed, err := f.actions.JoinDocument(ctx, joiner, testDocumentID, 0, nil)
	if err != nil {
		t.Fatalf("joiner failed: %v", err)
	}
	if len(replayed) != 1 || string(replayed[0].Payload) != "U1" {
		t.Fatalf("expected replay [U1], got %+v", replayed)
	}

	if _, err := f.actions.AppendDocumentUpdate(ctx, writer, testDocumentID, []byte("U2")); err != nil {
		t.Fatalf("append U2 failed: %v", err)
	}
	frames := drain(t, joiner)
	if len(frames) != 1 || frames[0].Event != EventDocumentUpdate {
		t.Fatalf("expected one live update, got %v", events(frames))
	}
	var update DocumentUpdate
	if err := json.Unmarshal(frames[0].Data, &update); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	if update.Sequence != 2 || string(update.Payload) != "U2" {
		t.Fatalf("unexpected live update: %+v", update)
	}
	if got := drain(t, writer); len(got) != 0 {
		t.Fatalf("expected the writer not to receive its own updates, got %v", events(got))
	}
}

type recordingRelay struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (r *recordingRelay) Publish(_ context.Context, envelope Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, envelope)
	return nil
}

func (r *recordingRelay) snapshot() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envelopes...)
}

func TestRelayForwardsLocalEventsButNotRemoteOnes(t *testing.T) {
	relay := &recordingRelay{}
	f := newFixture(t, relay)
	key := rooms.ConversationKey(testConversationID)
	local := f.connect(t, bob, key)

	mustNoError(t, f.dispatcher.PublishToRoom(context.Background(), key, EventMessageNew, map[string]string{"id": "m1"}))
	envelopes := relay.snapshot()
	if len(envelopes) != 1 || envelopes[0].RoomID != testConversationID || envelopes[0].RoomKind != rooms.KindConversation {
		t.Fatalf("unexpected relayed envelopes: %+v", envelopes)
	}
	drain(t, local)

	remote := envelopes[0]
	remote.Origin = "node-b"
	f.dispatcher.DeliverRemote(remote)
	if got := events(drain(t, local)); len(got) != 1 || got[0] != EventMessageNew {
		t.Fatalf("expected remote envelope delivered locally, got %v", got)
	}
	if len(relay.snapshot()) != 1 {
		t.Fatalf("expected remote envelope not to be relayed again")
	}
}

func TestPreviewTruncatesLongContent(t *testing.T) {
	long := make([]rune, mentionPreviewLength+10)
	for i := range long {
		long[i] = 'x'
	}
	if got := []rune(preview(string(long))); len(got) != mentionPreviewLength+1 {
		t.Fatalf("expected truncated preview, got %d runes", len(got))
	}
	if preview(" short ") != "short" {
		t.Fatalf("expected short preview to be trimmed")
	}
}

func TestQueueOverflowIsCountedOncePerEvent(t *testing.T) {
	collector := metrics.NewCollector()
	registry := connections.NewRegistry(connections.RegistryConfig{SendBuffer: 1, Metrics: collector})
	dispatcher, err := NewDispatcher(Config{
		Directory: rooms.NewDirectory(rooms.DirectoryConfig{}),
		Registry:  registry,
		Metrics:   collector,
	})
	mustNoError(t, err)
	conn, err := registry.Register(connections.Identity{ID: bob})
	mustNoError(t, err)

	ctx := context.Background()
	mustNoError(t, dispatcher.PublishToIdentity(ctx, bob, EventMentionNotification, map[string]string{"id": "m1"}))
	mustNoError(t, dispatcher.PublishToIdentity(ctx, bob, EventMentionNotification, map[string]string{"id": "m2"}))
	if !conn.Closed() {
		t.Fatalf("expected overflowing connection to be closing")
	}

	expected := `
# HELP collab_engine_events_dropped_total Events dropped because the connection was closed or its queue was full.
# TYPE collab_engine_events_dropped_total counter
collab_engine_events_dropped_total{event="notification:mention"} 1
`
	if err := testutil.CollectAndCompare(collector, strings.NewReader(expected), "collab_engine_events_dropped_total"); err != nil {
		t.Fatalf("unexpected dropped events: %v", err)
	}
}
