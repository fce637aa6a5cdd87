package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrInvalidPayload indicates a wire or snapshot payload failed to decode.
	ErrInvalidPayload = errors.New("crdt: invalid payload")
)

type snapshotItem struct {
	ID      OpID     `cbor:"1,keyasint"`
	Pos     Position `cbor:"2,keyasint"`
	Value   rune     `cbor:"3,keyasint"`
	Deleted bool     `cbor:"4,keyasint,omitempty"`
}

type snapshotModel struct {
	Items   []snapshotItem `cbor:"1,keyasint,omitempty"`
	Deletes []Delete       `cbor:"2,keyasint,omitempty"`
	Vector  StateVector    `cbor:"3,keyasint,omitempty"`
}

// EncodeUpdate serializes an update for the wire or storage.
func EncodeUpdate(update Update) ([]byte, error) {
	return cbor.Marshal(update)
}

// DecodeUpdate deserializes an update produced by EncodeUpdate.
func DecodeUpdate(data []byte) (Update, error) {
	var update Update
	if err := cbor.Unmarshal(data, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return update, nil
}

// EncodeStateVector serializes a state vector for the wire.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	return cbor.Marshal(sv)
}

// DecodeStateVector deserializes a state vector produced by EncodeStateVector.
func DecodeStateVector(data []byte) (StateVector, error) {
	var sv StateVector
	if err := cbor.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if sv == nil {
		sv = make(StateVector)
	}
	return sv, nil
}

// Snapshot serializes the full document state: every element including
// tombstones, the delete-op log, and the state vector.
func (d *Doc) Snapshot() ([]byte, error) {
	model := snapshotModel{
		Items:  make([]snapshotItem, 0, len(d.items)),
		Vector: d.sv,
	}
	for _, it := range d.items {
		model.Items = append(model.Items, snapshotItem{
			ID:      it.id,
			Pos:     it.pos,
			Value:   it.value,
			Deleted: it.deleted,
		})
	}
	for _, log := range d.deleteLog {
		model.Deletes = append(model.Deletes, log...)
	}
	sort.Slice(model.Deletes, func(i, j int) bool {
		a, b := model.Deletes[i].ID, model.Deletes[j].ID
		if a.Replica != b.Replica {
			return a.Replica < b.Replica
		}
		return a.Clock < b.Clock
	})
	return cbor.Marshal(model)
}

// LoadSnapshot reconstructs a document from a Snapshot payload, adopting
// the given replica id for subsequent local edits.
func LoadSnapshot(replica uint32, data []byte) (*Doc, error) {
	doc, err := NewDoc(replica)
	if err != nil {
		return nil, err
	}

	var model snapshotModel
	if err := cbor.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	doc.items = make([]*item, 0, len(model.Items))
	for _, snap := range model.Items {
		it := &item{id: snap.ID, pos: snap.Pos, value: snap.Value, deleted: snap.Deleted}
		doc.items = append(doc.items, it)
		doc.byID[snap.ID] = it
		doc.insertLog[snap.ID.Replica] = append(doc.insertLog[snap.ID.Replica], it)
	}
	sort.Slice(doc.items, func(i, j int) bool {
		return doc.items[i].pos.Compare(doc.items[j].pos) < 0
	})
	for _, del := range model.Deletes {
		doc.deleteOps[del.ID] = del.Target
		doc.deleteLog[del.ID.Replica] = append(doc.deleteLog[del.ID.Replica], del)
	}
	for replicaID, clock := range model.Vector {
		doc.sv[replicaID] = clock
	}
	doc.clock = doc.sv[replica]
	return doc, nil
}
