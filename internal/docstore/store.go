package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quillforge/quill/internal/crdt"
	"github.com/quillforge/quill/internal/persist"
	"go.uber.org/zap"
)

// serverReplica is the reserved replica id the server edits under, used
// only to seed migrated legacy content. Client replicas are always > 1.
const serverReplica = 1

var (
	errMissingGateway = errors.New("docstore: persistence gateway required")
	noOpLogger        = zap.NewNop()
)

const (
	opOpen    = "docstore.open"
	opRelease = "docstore.release"
)

// Gateway is the persistence capability the store consumes: a loader for
// initial state and a coalescing writer for snapshots.
type Gateway interface {
	Load(ctx context.Context, docID string) (content []byte, contentType string, found bool, err error)
	ScheduleFlush(docID string, snapshot []byte)
	FlushNow(ctx context.Context, docID string) error
	HasPending(docID string) bool
}

// StoreConfig describes the inputs required to build a Store.
type StoreConfig struct {
	Gateway Gateway
	Logger  *zap.Logger
}

// Store holds the in-memory replicated state of every open document.
// Documents materialize lazily on first Open and are evicted after the
// last Release once no flush remains in flight. Documents are independent
// of one another; each Handle serializes its own mutations.
type Store struct {
	gateway Gateway
	logger  *zap.Logger

	mu   sync.Mutex
	docs map[string]*Handle
}

// NewStore constructs a Store with the provided configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		gateway: cfg.Gateway,
		logger:  logger,
		docs:    make(map[string]*Handle),
	}, nil
}

// Open returns the resident handle for a document, loading it from the
// gateway on first open. Each Open must be paired with a Release.
func (s *Store) Open(ctx context.Context, docID string) (*Handle, error) {
	s.mu.Lock()
	if handle, ok := s.docs[docID]; ok {
		handle.sessions++
		s.mu.Unlock()
		return handle, nil
	}
	s.mu.Unlock()

	doc, err := s.materialize(ctx, docID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.docs[docID]; ok {
		// Lost the materialization race; the resident copy wins.
		handle.sessions++
		return handle, nil
	}
	handle := &Handle{docID: docID, doc: doc, gateway: s.gateway, sessions: 1}
	s.docs[docID] = handle
	return handle, nil
}

// Release drops one session's claim on a document. When the last claim is
// released the buffered snapshot is flushed and, once the gateway reports
// nothing in flight, the document is evicted from memory.
func (s *Store) Release(ctx context.Context, docID string) {
	s.mu.Lock()
	handle, ok := s.docs[docID]
	if !ok {
		s.mu.Unlock()
		return
	}
	handle.sessions--
	if handle.sessions > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.docs, docID)
	s.mu.Unlock()

	if err := s.gateway.FlushNow(ctx, docID); err != nil {
		s.logError(opRelease, "final_flush_failed", err, zap.String("doc_id", docID))
		// The snapshot stays pending at the gateway; re-opening the
		// document reloads the last durable state plus any retried flush.
	}
	if s.gateway.HasPending(docID) {
		s.logger.Warn("document evicted with flush still pending",
			zap.String("operation", opRelease),
			zap.String("doc_id", docID))
	}
}

// OpenCount reports the number of resident documents.
func (s *Store) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// materialize reconstructs CRDT state from durable storage. Legacy
// content seeds a fresh document with one initial insert; the snapshot
// scheduled immediately after carries the binary tag, so the migration
// never runs twice.
func (s *Store) materialize(ctx context.Context, docID string) (*crdt.Doc, error) {
	content, contentType, found, err := s.gateway.Load(ctx, docID)
	if err != nil {
		// Starting empty is only acceptable when nothing is recoverable;
		// a load failure with unknown history is worth a warning.
		s.logger.Warn("document load failed, starting empty",
			zap.String("operation", opOpen),
			zap.String("doc_id", docID),
			zap.Error(err))
		return crdt.NewDoc(serverReplica)
	}
	if !found {
		return crdt.NewDoc(serverReplica)
	}

	if contentType == persist.ContentTypeCRDT {
		doc, loadErr := crdt.LoadSnapshot(serverReplica, content)
		if loadErr != nil {
			return nil, fmt.Errorf("docstore: corrupt snapshot for %s: %w", docID, loadErr)
		}
		return doc, nil
	}

	doc, newErr := crdt.NewDoc(serverReplica)
	if newErr != nil {
		return nil, newErr
	}
	if len(content) > 0 {
		if _, insErr := doc.LocalInsert(0, string(content)); insErr != nil {
			return nil, insErr
		}
	}
	snapshot, snapErr := doc.Snapshot()
	if snapErr != nil {
		return nil, snapErr
	}
	s.gateway.ScheduleFlush(docID, snapshot)
	s.logger.Info("legacy document migrated to crdt state",
		zap.String("operation", opOpen),
		zap.String("doc_id", docID),
		zap.String("legacy_content_type", contentType))
	return doc, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}
