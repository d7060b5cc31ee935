// Package typing tracks who is typing in each conversation. Entries expire on their
// own timer unless refreshed.
package typing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// DefaultTimeout is how long an identity stays in a typing set without a refresh.
const DefaultTimeout = 3 * time.Second

const (
	opStart               = "typing.start"
	opStop                = "typing.stop"
	reasonMissingIdentity = "missing_identity"
	reasonMissingConvo    = "missing_conversation_id"
	fieldConversationID   = "conversation_id"
	fieldIdentityID       = "identity_id"
	fieldCause            = "cause"
	causeExplicit         = "explicit"
	causeExpired          = "expired"
	causeDisconnected     = "disconnected"
)

var (
	errMissingIdentity     = errors.New("typing: identity is required")
	errMissingConversation = errors.New("typing: conversation id is required")
)

// Notice describes a typing change for one identity in one conversation. Origin is
// the connection that started typing; it is excluded from the start broadcast.
type Notice struct {
	ConversationID string
	IdentityID     string
	Typing         bool
	Origin         connections.ConnectionID
}

// Publisher receives typing changes while the conversation is locked. It must not
// call back into the Coordinator.
type Publisher func(ctx context.Context, notice Notice)

// CoordinatorConfig describes the coordinator dependencies.
type CoordinatorConfig struct {
	Timeout time.Duration
	Clock   clock.Clock
	Publish Publisher
	Logger  *zap.Logger
}

type entry struct {
	origin     connections.ConnectionID
	timer      clock.Timer
	generation uint64
}

// Coordinator owns every typing set. Mutations of one conversation, timer expiry
// included, hold that conversation's key lock.
type Coordinator struct {
	timeout time.Duration
	clock   clock.Clock
	publish Publisher
	logger  *zap.Logger

	locks *kmutex.Kmutex

	mu            sync.Mutex
	conversations map[string]map[string]*entry
	byIdentity    map[string]map[string]struct{}
	generation    uint64
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	publish := cfg.Publish
	if publish == nil {
		publish = func(context.Context, Notice) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		timeout:       timeout,
		clock:         clk,
		publish:       publish,
		logger:        logger,
		locks:         kmutex.New(),
		conversations: make(map[string]map[string]*entry),
		byIdentity:    make(map[string]map[string]struct{}),
	}
}

// Start adds the identity to the conversation's typing set and (re)arms its expiry
// timer. Every call broadcasts typing:start, refreshes included, to everyone in the
// conversation except the origin connection.
func (c *Coordinator) Start(ctx context.Context, identityID, conversationID string, origin connections.ConnectionID) error {
	identityID, conversationID, err := normalize(opStart, identityID, conversationID)
	if err != nil {
		return err
	}

	c.locks.Lock(conversationID)
	defer c.locks.Unlock(conversationID)

	c.mu.Lock()
	e := c.conversations[conversationID][identityID]
	c.generation++
	generation := c.generation
	c.mu.Unlock()

	if e != nil {
		e.timer.Stop()
		e.origin = origin
		e.generation = generation
		e.timer = c.schedule(conversationID, identityID, e, generation)
	} else {
		e = &entry{origin: origin, generation: generation}
		e.timer = c.schedule(conversationID, identityID, e, generation)
		c.mu.Lock()
		set := c.conversations[conversationID]
		if set == nil {
			set = make(map[string]*entry)
			c.conversations[conversationID] = set
		}
		set[identityID] = e
		tracked := c.byIdentity[identityID]
		if tracked == nil {
			tracked = make(map[string]struct{})
			c.byIdentity[identityID] = tracked
		}
		tracked[conversationID] = struct{}{}
		c.mu.Unlock()
	}

	c.publish(ctx, Notice{
		ConversationID: conversationID,
		IdentityID:     identityID,
		Typing:         true,
		Origin:         origin,
	})
	return nil
}

// Stop removes the identity from the typing set and cancels its timer. It reports
// whether the identity was typing; nothing is broadcast otherwise.
func (c *Coordinator) Stop(ctx context.Context, identityID, conversationID string) (bool, error) {
	identityID, conversationID, err := normalize(opStop, identityID, conversationID)
	if err != nil {
		return false, err
	}

	c.locks.Lock(conversationID)
	defer c.locks.Unlock(conversationID)

	e := c.lookup(conversationID, identityID)
	if e == nil {
		return false, nil
	}
	c.removeLocked(ctx, conversationID, identityID, e, causeExplicit)
	return true, nil
}

// ConnectionClosed is the registry disconnect hook. The identity leaves every typing
// set it belongs to, whichever of its connections started typing.
func (c *Coordinator) ConnectionClosed(ctx context.Context, conn *connections.Connection, _ bool) {
	identityID := conn.IdentityID()
	c.mu.Lock()
	conversationIDs := make([]string, 0, len(c.byIdentity[identityID]))
	for conversationID := range c.byIdentity[identityID] {
		conversationIDs = append(conversationIDs, conversationID)
	}
	c.mu.Unlock()
	sort.Strings(conversationIDs)

	for _, conversationID := range conversationIDs {
		c.locks.Lock(conversationID)
		e := c.lookup(conversationID, identityID)
		if e != nil {
			c.removeLocked(ctx, conversationID, identityID, e, causeDisconnected)
		}
		c.locks.Unlock(conversationID)
	}
}

// Typing returns the identities currently typing in the conversation, sorted.
func (c *Coordinator) Typing(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.conversations[conversationID]
	identities := make([]string, 0, len(set))
	for identityID := range set {
		identities = append(identities, identityID)
	}
	sort.Strings(identities)
	return identities
}

// IsTyping reports whether the identity is in the conversation's typing set.
func (c *Coordinator) IsTyping(identityID, conversationID string) bool {
	return c.lookup(conversationID, identityID) != nil
}

func (c *Coordinator) schedule(conversationID, identityID string, e *entry, generation uint64) clock.Timer {
	return c.clock.AfterFunc(c.timeout, func() {
		c.expire(conversationID, identityID, e, generation)
	})
}

// expire runs on the timer. A refresh or stop that won the lock first bumps the
// generation or removes the entry, which turns this into a no-op.
func (c *Coordinator) expire(conversationID, identityID string, fired *entry, generation uint64) {
	c.locks.Lock(conversationID)
	defer c.locks.Unlock(conversationID)

	e := c.lookup(conversationID, identityID)
	if e == nil || e != fired || e.generation != generation {
		return
	}
	c.removeLocked(context.Background(), conversationID, identityID, e, causeExpired)
}

// removeLocked requires the conversation key lock.
func (c *Coordinator) removeLocked(ctx context.Context, conversationID, identityID string, e *entry, cause string) {
	e.timer.Stop()
	c.mu.Lock()
	if set := c.conversations[conversationID]; set != nil {
		delete(set, identityID)
		if len(set) == 0 {
			delete(c.conversations, conversationID)
		}
	}
	if tracked := c.byIdentity[identityID]; tracked != nil {
		delete(tracked, conversationID)
		if len(tracked) == 0 {
			delete(c.byIdentity, identityID)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("typing stopped",
		zap.String(fieldConversationID, conversationID),
		zap.String(fieldIdentityID, identityID),
		zap.String(fieldCause, cause))
	c.publish(ctx, Notice{
		ConversationID: conversationID,
		IdentityID:     identityID,
		Typing:         false,
		Origin:         e.origin,
	})
}

func (c *Coordinator) lookup(conversationID, identityID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversations[conversationID][identityID]
}

func normalize(operation, identityID, conversationID string) (string, string, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return "", "", fault.Invalid(operation, reasonMissingIdentity, errMissingIdentity)
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", "", fault.Invalid(operation, reasonMissingConvo, errMissingConversation)
	}
	return identityID, conversationID, nil
}
