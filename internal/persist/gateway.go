package persist

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errGatewayClosed   = errors.New("gateway is closed")
	noOpLogger         = zap.NewNop()
)

const (
	opGatewayNew   = "persist.gateway.new"
	opLoad         = "persist.load"
	opFlush        = "persist.flush"
	fieldDocID     = "doc_id"
	defaultFlushMs = 750
)

// GatewayError carries a coded operation.reason failure from the gateway.
type GatewayError struct {
	code string
	err  error
}

func (e *GatewayError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *GatewayError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *GatewayError) Code() string {
	return e.code
}

func newGatewayError(operation, reason string, cause error) error {
	return &GatewayError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// GatewayConfig describes the inputs required to build a Gateway.
type GatewayConfig struct {
	Database *gorm.DB
	Debounce time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

type pendingWrite struct {
	timer    *time.Timer
	snapshot []byte
	seq      uint64
	writing  bool
}

// Gateway is the debounced, coalescing persistence writer and the loader
// for initial document state. At most one pending write exists per
// document: a newer snapshot replaces the buffered one and restarts the
// timer, so the store sees "latest state" semantics rather than an
// append-only log. A failed durable write is logged and retried with the
// latest snapshot on the next triggering edit.
type Gateway struct {
	db       *gorm.DB
	debounce time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]*pendingWrite
	closed  bool
}

// NewGateway constructs a Gateway with the provided configuration.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Database == nil {
		return nil, newGatewayError(opGatewayNew, "missing_database", errMissingDatabase)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultFlushMs * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	g := &Gateway{
		db:       cfg.Database,
		debounce: debounce,
		clock:    clock,
		logger:   logger,
		pending:  make(map[string]*pendingWrite),
	}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Load fetches the stored snapshot for a document. found is false when no
// record exists yet.
func (g *Gateway) Load(ctx context.Context, docID string) (content []byte, contentType string, found bool, err error) {
	var record DocumentRecord
	queryErr := g.db.WithContext(ctx).Where("doc_id = ?", docID).Take(&record).Error
	if errors.Is(queryErr, gorm.ErrRecordNotFound) {
		return nil, "", false, nil
	}
	if queryErr != nil {
		g.logError(opLoad, "query_failed", queryErr, zap.String(fieldDocID, docID))
		return nil, "", false, newGatewayError(opLoad, "query_failed", queryErr)
	}

	decoded, decodeErr := base64.StdEncoding.DecodeString(record.ContentB64)
	if decodeErr != nil {
		g.logError(opLoad, "content_decode_failed", decodeErr, zap.String(fieldDocID, docID))
		return nil, "", false, newGatewayError(opLoad, "content_decode_failed", decodeErr)
	}
	return decoded, record.ContentType, true, nil
}

// ScheduleFlush queues the latest snapshot for a debounced durable write.
// An existing pending write for the document is coalesced: its buffered
// bytes are replaced and its timer restarted.
func (g *Gateway) ScheduleFlush(docID string, snapshot []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}

	if p, ok := g.pending[docID]; ok {
		p.snapshot = snapshot
		p.seq++
		p.timer.Reset(g.debounce)
		return
	}

	p := &pendingWrite{snapshot: snapshot}
	p.timer = time.AfterFunc(g.debounce, func() {
		g.fire(docID)
	})
	g.pending[docID] = p
}

// FlushNow cancels any pending debounce for the document and writes its
// buffered snapshot immediately. Used on last-disconnect and shutdown.
// A debounced write already committing for the document is waited out
// first, so FlushNow never races an older snapshot onto disk after a
// newer one.
func (g *Gateway) FlushNow(ctx context.Context, docID string) error {
	g.mu.Lock()
	for {
		p, ok := g.pending[docID]
		if !ok {
			g.mu.Unlock()
			return nil
		}
		if !p.writing {
			p.timer.Stop()
			delete(g.pending, docID)
			snapshot := p.snapshot
			g.mu.Unlock()
			return g.write(ctx, docID, snapshot)
		}
		g.cond.Wait()
	}
}

// HasPending reports whether a debounced or in-flight write is still
// outstanding for the document. Document eviction waits on this.
func (g *Gateway) HasPending(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[docID]
	return ok
}

// Close drains every pending write synchronously and rejects further
// scheduling.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errGatewayClosed
	}
	g.closed = true
	g.mu.Unlock()

	var lastErr error
	for {
		g.mu.Lock()
		docID, found := "", false
		for id := range g.pending {
			docID, found = id, true
			break
		}
		g.mu.Unlock()
		if !found {
			return lastErr
		}
		if err := g.FlushNow(ctx, docID); err != nil {
			lastErr = err
		}
	}
}

// fire runs on the debounce timer goroutine, off the per-document hot
// path. The pending entry stays in the map while its write is in flight
// so HasPending covers outstanding disk work; a snapshot scheduled
// mid-write is written out by the same loop before the entry clears.
func (g *Gateway) fire(docID string) {
	g.mu.Lock()
	for {
		p, ok := g.pending[docID]
		if !ok || p.writing {
			break
		}
		p.writing = true
		snapshot, seq := p.snapshot, p.seq
		g.mu.Unlock()

		// Failure is logged, not dropped: the in-memory document stays
		// the source of truth and the next edit reschedules the latest
		// snapshot.
		if err := g.write(context.Background(), docID, snapshot); err != nil {
			g.logger.Warn("debounced flush failed",
				zap.String("operation", opFlush),
				zap.String(fieldDocID, docID),
				zap.Error(err))
		}

		g.mu.Lock()
		p.writing = false
		g.cond.Broadcast()
		if cur, stillPending := g.pending[docID]; stillPending && cur == p && p.seq == seq {
			delete(g.pending, docID)
			break
		}
	}
	g.mu.Unlock()
}

func (g *Gateway) write(ctx context.Context, docID string, snapshot []byte) error {
	record := DocumentRecord{
		DocID:       docID,
		ContentB64:  base64.StdEncoding.EncodeToString(snapshot),
		ContentType: ContentTypeCRDT,
		UpdatedAtS:  g.clock().UTC().Unix(),
	}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		g.logError(opFlush, "write_failed", err, zap.String(fieldDocID, docID))
		return newGatewayError(opFlush, "write_failed", err)
	}
	return nil
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("persistence gateway error", attrs...)
}
