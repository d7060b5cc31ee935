package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/dispatch"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
	"github.com/Lewis-walter7/comm-sub001/internal/updatelog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opTypingStart       = "session.typing_start"
	opUpdatePresence    = "session.update_presence"
	reasonNotSubscribed = "not_subscribed"
	reasonMissingField  = "missing_field"
	bulkJoinConcurrency = 8
	fieldConversationID = "conversation_id"
)

var (
	errNotSubscribed = errors.New("session: join the conversation before typing in it")
	errMissingField  = errors.New("session: required field is empty")
)

type commandHandler func(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error)

func (h *Handler) commandTable() map[Command]commandHandler {
	return map[Command]commandHandler{
		CommandJoinWorkspace:     h.joinWorkspace,
		CommandLeaveWorkspace:    h.leaveWorkspace,
		CommandJoinConversation:  h.joinConversation,
		CommandLeaveConversation: h.leaveConversation,
		CommandSendMessage:       h.sendMessage,
		CommandEditMessage:       h.editMessage,
		CommandDeleteMessage:     h.deleteMessage,
		CommandAddReaction:       h.addReaction,
		CommandPinMessage:        h.pinMessage,
		CommandTypingStart:       h.typingStart,
		CommandTypingStop:        h.typingStop,
		CommandUpdatePresence:    h.updatePresence,
		CommandMarkAsRead:        h.markAsRead,
		CommandAddMember:         h.addMember,
		CommandRemoveMember:      h.removeMember,
		CommandChangeRole:        h.changeRole,
		CommandDocumentJoin:      h.documentJoin,
		CommandDocumentLeave:     h.documentLeave,
		CommandDocumentSync:      h.documentSync,
		CommandDocumentUpdate:    h.documentUpdate,
	}
}

// joinWorkspace joins the workspace room, attaches presence and bulk-joins every
// conversation the identity belongs to. The result carries the workspace presence.
func (h *Handler) joinWorkspace(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request workspacePayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	if err := required(request.WorkspaceID); err != nil {
		return nil, err
	}
	key := rooms.WorkspaceKey(request.WorkspaceID)
	joined, err := h.directory.Join(ctx, conn, key)
	if err != nil {
		return nil, err
	}
	if _, err := h.presence.Attach(ctx, conn, request.WorkspaceID); err != nil {
		if joined {
			h.directory.Leave(conn, key)
		}
		return nil, err
	}

	conversationIDs, err := h.conversations.ConversationIDsFor(ctx, request.WorkspaceID, conn.IdentityID())
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	subscribed := make([]string, 0, len(conversationIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(bulkJoinConcurrency)
	for _, conversationID := range conversationIDs {
		group.Go(func() error {
			if _, err := h.directory.Join(groupCtx, conn, rooms.ConversationKey(conversationID)); err != nil {
				if fault.Is(err, fault.KindTransient) {
					return err
				}
				h.logger.Debug("conversation skipped during workspace join",
					zap.String(fieldConversationID, conversationID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			subscribed = append(subscribed, conversationID)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(subscribed)

	snapshot := h.presence.Snapshot(request.WorkspaceID)
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].IdentityID < snapshot[j].IdentityID })
	return workspaceJoined{WorkspaceID: request.WorkspaceID, Conversations: subscribed, Presence: snapshot}, nil
}

// leaveWorkspace leaves the workspace room and its conversation rooms and detaches
// presence.
func (h *Handler) leaveWorkspace(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request workspacePayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	if err := required(request.WorkspaceID); err != nil {
		return nil, err
	}
	conversationIDs, err := h.conversations.ConversationIDsFor(ctx, request.WorkspaceID, conn.IdentityID())
	if err != nil {
		return nil, err
	}
	for _, conversationID := range conversationIDs {
		h.directory.Leave(conn, rooms.ConversationKey(conversationID))
	}
	left := h.directory.Leave(conn, rooms.WorkspaceKey(request.WorkspaceID))
	h.presence.Detach(ctx, conn, request.WorkspaceID)
	return membershipResult{Changed: left}, nil
}

func (h *Handler) joinConversation(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request conversationPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	joined, err := h.directory.Join(ctx, conn, rooms.ConversationKey(request.ConversationID))
	if err != nil {
		return nil, err
	}
	return membershipResult{Changed: joined}, nil
}

func (h *Handler) leaveConversation(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request conversationPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	if err := required(request.ConversationID); err != nil {
		return nil, err
	}
	left := h.directory.Leave(conn, rooms.ConversationKey(request.ConversationID))
	return membershipResult{Changed: left}, nil
}

func (h *Handler) sendMessage(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request dispatch.SendMessageInput
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.SendMessage(ctx, conn.IdentityID(), request)
}

func (h *Handler) editMessage(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request editMessagePayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.EditMessage(ctx, conn.IdentityID(), request.MessageID, request.Content)
}

func (h *Handler) deleteMessage(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request messagePayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.DeleteMessage(ctx, conn.IdentityID(), request.MessageID)
}

func (h *Handler) addReaction(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request reactionPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.ToggleReaction(ctx, conn.IdentityID(), request.MessageID, request.Emoji)
}

func (h *Handler) pinMessage(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request messagePayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.TogglePin(ctx, conn.IdentityID(), request.MessageID)
}

// typingStart requires the connection to be subscribed to the conversation, which
// implies its identity was authorized at join time.
func (h *Handler) typingStart(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request conversationPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	if err := required(request.ConversationID); err != nil {
		return nil, err
	}
	if !h.directory.IsMember(conn.ID(), rooms.ConversationKey(request.ConversationID)) {
		return nil, fault.Forbidden(opTypingStart, reasonNotSubscribed, errNotSubscribed)
	}
	if err := h.typing.Start(ctx, conn.IdentityID(), request.ConversationID, conn.ID()); err != nil {
		return nil, err
	}
	return typingResult{Typing: true}, nil
}

func (h *Handler) typingStop(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request conversationPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	if _, err := h.typing.Stop(ctx, conn.IdentityID(), request.ConversationID); err != nil {
		return nil, err
	}
	return typingResult{Typing: false}, nil
}

func (h *Handler) updatePresence(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request presencePayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	status, err := presence.ParseStatus(request.Status)
	if err != nil {
		return nil, fault.Invalid(opUpdatePresence, "invalid_status", err)
	}
	return h.presence.SetStatus(ctx, conn.IdentityID(), request.WorkspaceID, status)
}

func (h *Handler) markAsRead(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request markReadPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.MarkRead(ctx, conn.IdentityID(), request.ConversationID, request.MessageID)
}

func (h *Handler) addMember(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request memberPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.AddMember(ctx, conn.IdentityID(), request.ConversationID, request.IdentityID, request.Role)
}

func (h *Handler) removeMember(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request memberPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.RemoveMember(ctx, conn.IdentityID(), request.ConversationID, request.IdentityID)
}

func (h *Handler) changeRole(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request memberPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	return h.actions.ChangeRole(ctx, conn.IdentityID(), request.ConversationID, request.IdentityID, request.Role)
}

func (h *Handler) documentJoin(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request documentPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	// The replay is acknowledged while the document is still locked, so it reaches
	// the client before any update appended after the join.
	entries, err := h.actions.JoinDocument(ctx, conn, request.DocumentID, request.After, func(entries []updatelog.Entry) {
		h.acknowledge(conn, newDocumentReplay(request.DocumentID, request.After, entries))
	})
	if err != nil {
		return nil, err
	}
	return newDocumentReplay(request.DocumentID, request.After, entries), nil
}

func (h *Handler) documentLeave(_ context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request documentPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	if err := required(request.DocumentID); err != nil {
		return nil, err
	}
	return membershipResult{Changed: h.actions.LeaveDocument(conn, request.DocumentID)}, nil
}

func (h *Handler) documentSync(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request documentPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	entries, err := h.actions.SyncDocument(ctx, conn, request.DocumentID, request.After)
	if err != nil {
		return nil, err
	}
	return newDocumentReplay(request.DocumentID, request.After, entries), nil
}

func (h *Handler) documentUpdate(ctx context.Context, conn *connections.Connection, payload json.RawMessage) (interface{}, error) {
	var request documentPayload
	if err := decode(payload, &request); err != nil {
		return nil, err
	}
	entry, err := h.actions.AppendDocumentUpdate(ctx, conn, request.DocumentID, request.Update)
	if err != nil {
		return nil, err
	}
	return documentAppended{DocumentID: entry.DocumentID, Sequence: entry.Sequence}, nil
}

func required(values ...string) error {
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			return fault.Invalid(opDecode, reasonMissingField, errMissingField)
		}
	}
	return nil
}
