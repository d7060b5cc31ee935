// Package updatelog keeps the append-only, strictly ordered update sequence of every
// document and replays it to late joiners.
package updatelog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"
)

const (
	opAppend              = "updatelog.append"
	opReplay              = "updatelog.replay"
	opSubscribeAndReplay  = "updatelog.subscribe_and_replay"
	opNewLog              = "updatelog.new"
	defaultMaxPayload     = 1 << 20
	fieldDocumentID       = "document_id"
	fieldSequence         = "sequence"
	reasonMissingDocument = "missing_document_id"
	reasonEmptyPayload    = "empty_payload"
	reasonPayloadTooLarge = "payload_too_large"
	reasonHydrateFailed   = "hydrate_failed"
	reasonPersistFailed   = "persist_failed"
	reasonMissingStore    = "missing_store"
	reasonNegativeCursor  = "negative_cursor"
	maxHydrateAttempts    = 3
)

var (
	errMissingStore      = errors.New("updatelog: store is required")
	errMissingDocumentID = errors.New("updatelog: document id is required")
	errEmptyPayload      = errors.New("updatelog: payload is empty")
	errNegativeCursor    = errors.New("updatelog: cursor must not be negative")
	errCacheInvalidated  = errors.New("updatelog: cache invalidated while loading")
)

// Entry is one appended update. Payloads are opaque and never interpreted.
type Entry struct {
	DocumentID       string
	Sequence         int64
	Payload          []byte
	AppendedAt       time.Time
	OriginIdentityID string
}

// Config describes the log dependencies.
type Config struct {
	Store           Store
	MaxPayloadBytes int
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

type document struct {
	loaded  bool
	entries []Entry
}

// Log assigns sequences and serializes appends per document. Two key locks cover
// one document: the writer lock orders appends and hydration across store I/O, and
// the state lock guards the cached entries and subscription for the short in-memory
// steps. Cached state changes only with both held.
type Log struct {
	store      Store
	maxPayload int
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Collector

	writers *kmutex.Kmutex
	locks   *kmutex.Kmutex

	mu        sync.Mutex
	documents map[string]*document
}

// New constructs a Log over the provided store.
func New(cfg Config) (*Log, error) {
	if cfg.Store == nil {
		return nil, fault.Invalid(opNewLog, reasonMissingStore, errMissingStore)
	}
	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayload
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		store:      cfg.Store,
		maxPayload: maxPayload,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		writers:    kmutex.New(),
		locks:      kmutex.New(),
		documents:  make(map[string]*document),
	}, nil
}

// Append assigns the next sequence to payload and persists it. committed runs under
// the document's state lock, so entries reach it in sequence order and never race a
// SubscribeAndReplay. A persistence failure leaves the log unchanged and committed is
// not called.
func (l *Log) Append(ctx context.Context, documentID, originIdentityID string, payload []byte, committed func(Entry)) (Entry, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Entry{}, fault.Invalid(opAppend, reasonMissingDocument, errMissingDocumentID)
	}
	if len(payload) == 0 {
		return Entry{}, fault.Invalid(opAppend, reasonEmptyPayload, errEmptyPayload)
	}
	if len(payload) > l.maxPayload {
		return Entry{}, fault.Invalid(opAppend, reasonPayloadTooLarge,
			fmt.Errorf("updatelog: payload of %d bytes exceeds %d", len(payload), l.maxPayload))
	}

	l.writers.Lock(documentID)
	defer l.writers.Unlock(documentID)

	doc, err := l.hydrateWriterLocked(ctx, opAppend, documentID)
	if err != nil {
		return Entry{}, err
	}

	var last int64
	if n := len(doc.entries); n > 0 {
		last = doc.entries[n-1].Sequence
	}
	entry := Entry{
		DocumentID:       documentID,
		Sequence:         last + 1,
		Payload:          append([]byte(nil), payload...),
		AppendedAt:       l.clock().UTC(),
		OriginIdentityID: originIdentityID,
	}
	if err := l.store.Append(ctx, entry); err != nil {
		// The store may now disagree with the cache; reload on the next access.
		l.locks.Lock(documentID)
		doc.loaded = false
		doc.entries = nil
		l.locks.Unlock(documentID)
		l.logger.Warn("document update not persisted",
			zap.String(fieldDocumentID, documentID),
			zap.Int64(fieldSequence, entry.Sequence),
			zap.Error(err))
		if fault.Classified(err) {
			return Entry{}, err
		}
		return Entry{}, fault.Transient(opAppend, reasonPersistFailed, err)
	}

	l.locks.Lock(documentID)
	defer l.locks.Unlock(documentID)
	doc.entries = append(doc.entries, entry)
	l.metrics.UpdateAppended()
	if committed != nil {
		committed(entry)
	}
	return entry, nil
}

// Replay returns every entry of the document in sequence order.
func (l *Log) Replay(ctx context.Context, documentID string) ([]Entry, error) {
	return l.ReplaySince(ctx, documentID, 0)
}

// ReplaySince returns the entries whose sequence is greater than after.
func (l *Log) ReplaySince(ctx context.Context, documentID string, after int64) ([]Entry, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, fault.Invalid(opReplay, reasonMissingDocument, errMissingDocumentID)
	}
	if after < 0 {
		return nil, fault.Invalid(opReplay, reasonNegativeCursor, errNegativeCursor)
	}
	return l.readLoaded(ctx, opReplay, documentID, func(doc *document) ([]Entry, error) {
		return entriesAfter(doc.entries, after), nil
	})
}

// SubscribeAndReplay runs subscribe and reads the log as one step with respect to
// appends: every entry is either in the returned slice or delivered to the new
// subscriber by a later committed callback, never both. replayed, when set, receives
// the same entries before any later committed callback runs. Neither callback may
// block on I/O.
func (l *Log) SubscribeAndReplay(ctx context.Context, documentID string, after int64, subscribe func() error, replayed func([]Entry)) ([]Entry, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, fault.Invalid(opSubscribeAndReplay, reasonMissingDocument, errMissingDocumentID)
	}
	if after < 0 {
		return nil, fault.Invalid(opSubscribeAndReplay, reasonNegativeCursor, errNegativeCursor)
	}
	return l.readLoaded(ctx, opSubscribeAndReplay, documentID, func(doc *document) ([]Entry, error) {
		if subscribe != nil {
			if err := subscribe(); err != nil {
				return nil, err
			}
		}
		entries := entriesAfter(doc.entries, after)
		if replayed != nil {
			replayed(entries)
		}
		return entries, nil
	})
}

// readLoaded runs read under the state lock once the document is cached. Hydration
// happens under the writer lock only; a failed append can invalidate the cache in
// between, in which case the document is loaded again.
func (l *Log) readLoaded(ctx context.Context, operation, documentID string, read func(*document) ([]Entry, error)) ([]Entry, error) {
	for attempt := 0; ; attempt++ {
		l.locks.Lock(documentID)
		doc := l.document(documentID)
		if doc.loaded {
			entries, err := read(doc)
			l.locks.Unlock(documentID)
			return entries, err
		}
		l.locks.Unlock(documentID)

		if attempt == maxHydrateAttempts {
			return nil, fault.Transient(operation, reasonHydrateFailed, errCacheInvalidated)
		}
		l.writers.Lock(documentID)
		_, err := l.hydrateWriterLocked(ctx, operation, documentID)
		l.writers.Unlock(documentID)
		if err != nil {
			return nil, err
		}
	}
}

// Head returns the last assigned sequence of the document, zero when it is empty.
func (l *Log) Head(ctx context.Context, documentID string) (int64, error) {
	entries, err := l.Replay(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Sequence, nil
}

func (l *Log) document(documentID string) *document {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc := l.documents[documentID]
	if doc == nil {
		doc = &document{}
		l.documents[documentID] = doc
	}
	return doc
}

// hydrateWriterLocked returns the cached document, loading it from the store on
// first use. The caller holds the writer lock, so no other goroutine changes the
// cache while the store is read.
func (l *Log) hydrateWriterLocked(ctx context.Context, operation, documentID string) (*document, error) {
	doc := l.document(documentID)
	l.locks.Lock(documentID)
	loaded := doc.loaded
	l.locks.Unlock(documentID)
	if loaded {
		return doc, nil
	}

	entries, err := l.store.Load(ctx, documentID)
	if err != nil {
		l.logger.Warn("document update log not loaded",
			zap.String(fieldDocumentID, documentID),
			zap.Error(err))
		if fault.Classified(err) {
			return nil, err
		}
		return nil, fault.Transient(operation, reasonHydrateFailed, err)
	}
	l.locks.Lock(documentID)
	doc.entries = entries
	doc.loaded = true
	l.locks.Unlock(documentID)
	return doc, nil
}

func entriesAfter(entries []Entry, after int64) []Entry {
	start := 0
	for start < len(entries) && entries[start].Sequence <= after {
		start++
	}
	out := make([]Entry, len(entries)-start)
	copy(out, entries[start:])
	return out
}
