package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrIndexOutOfRange indicates a local edit addressed a position beyond
	// the visible document length.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrInvalidReplica indicates a document was constructed without a
	// usable replica identifier.
	ErrInvalidReplica = errors.New("crdt: replica id must be non-zero")
)

// OpID uniquely identifies an operation. Every operation a replica
// produces, insert or delete, consumes one tick of that replica's clock.
type OpID struct {
	Replica uint32 `cbor:"1,keyasint"`
	Clock   uint64 `cbor:"2,keyasint"`
}

// Insert places a single rune at a dense position.
type Insert struct {
	ID    OpID     `cbor:"1,keyasint"`
	Pos   Position `cbor:"2,keyasint"`
	Value rune     `cbor:"3,keyasint"`
}

// Delete tombstones the insert identified by Target.
type Delete struct {
	ID     OpID `cbor:"1,keyasint"`
	Target OpID `cbor:"2,keyasint"`
}

// Update is an opaque, appendable delta. Merging an update is commutative
// and idempotent: inserts carry self-contained positions and deletes
// targeting unseen inserts are parked until the insert arrives.
type Update struct {
	Inserts []Insert `cbor:"1,keyasint,omitempty"`
	Deletes []Delete `cbor:"2,keyasint,omitempty"`
}

// Empty reports whether the update carries no operations.
func (u Update) Empty() bool {
	return len(u.Inserts) == 0 && len(u.Deletes) == 0
}

// StateVector summarizes incorporated history as the maximum clock seen
// per replica. Exchanging vectors lets two replicas compute the minimal
// set of operations each is missing.
type StateVector map[uint32]uint64

// Covers reports whether the vector has incorporated the given operation.
func (sv StateVector) Covers(id OpID) bool {
	return id.Clock <= sv[id.Replica]
}

type item struct {
	id      OpID
	pos     Position
	value   rune
	deleted bool
}

// Doc is one replica of a convergent rune sequence. Tombstoned elements
// stay resident so concurrent position references remain resolvable.
// Doc is not safe for concurrent use; callers serialize access.
type Doc struct {
	replica   uint32
	clock     uint64
	items     []*item
	byID      map[OpID]*item
	deleteOps map[OpID]OpID
	parked    map[OpID]struct{}
	insertLog map[uint32][]*item
	deleteLog map[uint32][]Delete
	sv        StateVector
}

// NewDoc constructs an empty document for the given replica id.
func NewDoc(replica uint32) (*Doc, error) {
	if replica == 0 {
		return nil, ErrInvalidReplica
	}
	return &Doc{
		replica:   replica,
		byID:      make(map[OpID]*item),
		deleteOps: make(map[OpID]OpID),
		parked:    make(map[OpID]struct{}),
		insertLog: make(map[uint32][]*item),
		deleteLog: make(map[uint32][]Delete),
		sv:        make(StateVector),
	}, nil
}

// Replica returns the document's replica identifier.
func (d *Doc) Replica() uint32 {
	return d.replica
}

// Content renders the visible text.
func (d *Doc) Content() string {
	var builder strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			builder.WriteRune(it.value)
		}
	}
	return builder.String()
}

// Len returns the visible rune count.
func (d *Doc) Len() int {
	count := 0
	for _, it := range d.items {
		if !it.deleted {
			count++
		}
	}
	return count
}

// StateVector returns a copy of the document's incorporated-history summary.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.sv))
	for replica, clock := range d.sv {
		sv[replica] = clock
	}
	return sv
}

// LocalInsert inserts text at the visible rune index and returns the
// update describing the edit for peers.
func (d *Doc) LocalInsert(index int, text string) (Update, error) {
	if index < 0 || index > d.Len() {
		return Update{}, fmt.Errorf("%w: insert at %d", ErrIndexOutOfRange, index)
	}

	fullIndex := d.fullIndex(index)
	update := Update{}
	for _, value := range text {
		var left, right Position
		if fullIndex > 0 {
			left = d.items[fullIndex-1].pos
		}
		if fullIndex < len(d.items) {
			right = d.items[fullIndex].pos
		}

		d.clock++
		ins := Insert{
			ID:    OpID{Replica: d.replica, Clock: d.clock},
			Pos:   posBetween(left, right, d.replica),
			Value: value,
		}
		d.insertAt(fullIndex, ins)
		d.sv[d.replica] = d.clock
		update.Inserts = append(update.Inserts, ins)
		fullIndex++
	}
	return update, nil
}

// LocalDelete removes length visible runes starting at index and returns
// the update describing the edit for peers.
func (d *Doc) LocalDelete(index, length int) (Update, error) {
	if length < 0 || index < 0 || index+length > d.Len() {
		return Update{}, fmt.Errorf("%w: delete [%d,%d)", ErrIndexOutOfRange, index, index+length)
	}

	update := Update{}
	remaining := length
	visible := 0
	for _, it := range d.items {
		if remaining == 0 {
			break
		}
		if it.deleted {
			continue
		}
		if visible >= index {
			d.clock++
			del := Delete{
				ID:     OpID{Replica: d.replica, Clock: d.clock},
				Target: it.id,
			}
			it.deleted = true
			d.deleteOps[del.ID] = del.Target
			d.deleteLog[del.ID.Replica] = append(d.deleteLog[del.ID.Replica], del)
			d.sv[d.replica] = d.clock
			update.Deletes = append(update.Deletes, del)
			remaining--
		}
		visible++
	}
	return update, nil
}

// ApplyUpdate merges a peer update. Already-incorporated operations are
// skipped, so applying the same update twice leaves the document unchanged.
func (d *Doc) ApplyUpdate(update Update) {
	before := d.StateVector()

	for _, ins := range update.Inserts {
		if before.Covers(ins.ID) {
			continue
		}
		if _, exists := d.byID[ins.ID]; exists {
			continue
		}
		d.integrate(ins)
		if ins.ID.Clock > d.sv[ins.ID.Replica] {
			d.sv[ins.ID.Replica] = ins.ID.Clock
		}
	}

	for _, del := range update.Deletes {
		if before.Covers(del.ID) {
			continue
		}
		if _, exists := d.deleteOps[del.ID]; exists {
			continue
		}
		d.deleteOps[del.ID] = del.Target
		d.deleteLog[del.ID.Replica] = append(d.deleteLog[del.ID.Replica], del)
		if target, ok := d.byID[del.Target]; ok {
			target.deleted = true
		} else {
			d.parked[del.Target] = struct{}{}
		}
		if del.ID.Clock > d.sv[del.ID.Replica] {
			d.sv[del.ID.Replica] = del.ID.Clock
		}
	}
}

// Diff returns the minimal update bringing a replica at remote up to full
// parity with this document: exactly the operations whose clocks exceed
// the remote vector, in per-replica clock order.
func (d *Doc) Diff(remote StateVector) Update {
	update := Update{}
	for replica, log := range d.insertLog {
		seen := remote[replica]
		for _, it := range log {
			if it.id.Clock > seen {
				update.Inserts = append(update.Inserts, Insert{ID: it.id, Pos: it.pos, Value: it.value})
			}
		}
	}
	for replica, log := range d.deleteLog {
		seen := remote[replica]
		for _, del := range log {
			if del.ID.Clock > seen {
				update.Deletes = append(update.Deletes, del)
			}
		}
	}
	sort.Slice(update.Inserts, func(i, j int) bool {
		a, b := update.Inserts[i].ID, update.Inserts[j].ID
		if a.Replica != b.Replica {
			return a.Replica < b.Replica
		}
		return a.Clock < b.Clock
	})
	sort.Slice(update.Deletes, func(i, j int) bool {
		a, b := update.Deletes[i].ID, update.Deletes[j].ID
		if a.Replica != b.Replica {
			return a.Replica < b.Replica
		}
		return a.Clock < b.Clock
	})
	return update
}

// integrate places a remote insert at its position-ordered slot.
func (d *Doc) integrate(ins Insert) {
	idx := sort.Search(len(d.items), func(i int) bool {
		return d.items[i].pos.Compare(ins.Pos) >= 0
	})
	d.insertAt(idx, ins)
}

func (d *Doc) insertAt(idx int, ins Insert) {
	it := &item{id: ins.ID, pos: ins.Pos, value: ins.Value}
	if _, pending := d.parked[ins.ID]; pending {
		it.deleted = true
		delete(d.parked, ins.ID)
	}
	d.items = append(d.items, nil)
	copy(d.items[idx+1:], d.items[idx:])
	d.items[idx] = it
	d.byID[ins.ID] = it
	d.insertLog[ins.ID.Replica] = append(d.insertLog[ins.ID.Replica], it)
}

// fullIndex maps a visible rune index onto the tombstone-inclusive slice
// index where an insertion at that point belongs.
func (d *Doc) fullIndex(visibleIndex int) int {
	if visibleIndex == 0 {
		return 0
	}
	visible := 0
	for full, it := range d.items {
		if it.deleted {
			continue
		}
		visible++
		if visible == visibleIndex {
			return full + 1
		}
	}
	return len(d.items)
}
