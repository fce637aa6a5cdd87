package docstore

import (
	"sync"

	"github.com/quillforge/quill/internal/crdt"
)

// Handle is the serialized access point for one resident document. All
// merge, diff, and snapshot traffic for the document flows through the
// handle's lock; separate documents proceed fully in parallel.
type Handle struct {
	docID   string
	gateway Gateway

	mu       sync.Mutex
	doc      *crdt.Doc
	sessions int
}

// DocID returns the document identifier.
func (h *Handle) DocID() string {
	return h.docID
}

// Merge incorporates a peer update and schedules the resulting snapshot
// for a debounced durable write.
func (h *Handle) Merge(update crdt.Update) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doc.ApplyUpdate(update)
	snapshot, err := h.doc.Snapshot()
	if err != nil {
		return err
	}
	h.gateway.ScheduleFlush(h.docID, snapshot)
	return nil
}

// Diff computes the minimal update a peer holding remote is missing.
func (h *Handle) Diff(remote crdt.StateVector) crdt.Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Diff(remote)
}

// StateVector returns the document's incorporated-history summary.
func (h *Handle) StateVector() crdt.StateVector {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.StateVector()
}

// Snapshot serializes the full document state.
func (h *Handle) Snapshot() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Snapshot()
}

// Content renders the document's visible text.
func (h *Handle) Content() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Content()
}
