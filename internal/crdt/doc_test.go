package crdt

import (
	"math/rand"
	"testing"
)

func mustDoc(t *testing.T, replica uint32) *Doc {
	t.Helper()
	doc, err := NewDoc(replica)
	if err != nil {
		t.Fatalf("unexpected doc constructor error: %v", err)
	}
	return doc
}

func mustInsert(t *testing.T, doc *Doc, index int, text string) Update {
	t.Helper()
	update, err := doc.LocalInsert(index, text)
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	return update
}

func mustDelete(t *testing.T, doc *Doc, index, length int) Update {
	t.Helper()
	update, err := doc.LocalDelete(index, length)
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	return update
}

func TestNewDocRejectsReservedReplica(t *testing.T) {
	if _, err := NewDoc(0); err == nil {
		t.Fatal("expected error for replica zero")
	}
}

func TestLocalEditsRenderInOrder(t *testing.T) {
	doc := mustDoc(t, 2)
	mustInsert(t, doc, 0, "hello")
	mustInsert(t, doc, 5, " world")
	mustInsert(t, doc, 0, ">> ")
	if got := doc.Content(); got != ">> hello world" {
		t.Fatalf("unexpected content %q", got)
	}

	mustDelete(t, doc, 0, 3)
	if got := doc.Content(); got != "hello world" {
		t.Fatalf("unexpected content after delete %q", got)
	}
	if doc.Len() != len("hello world") {
		t.Fatalf("unexpected visible length %d", doc.Len())
	}
}

func TestLocalEditsValidateBounds(t *testing.T) {
	doc := mustDoc(t, 2)
	mustInsert(t, doc, 0, "abc")

	if _, err := doc.LocalInsert(4, "x"); err == nil {
		t.Fatal("expected out-of-range insert to fail")
	}
	if _, err := doc.LocalInsert(-1, "x"); err == nil {
		t.Fatal("expected negative insert index to fail")
	}
	if _, err := doc.LocalDelete(1, 3); err == nil {
		t.Fatal("expected out-of-range delete to fail")
	}
}

func TestUpdatesMergeCommutatively(t *testing.T) {
	base := mustDoc(t, 2)
	seed := mustInsert(t, base, 0, "shared")

	left := mustDoc(t, 3)
	right := mustDoc(t, 4)
	left.ApplyUpdate(seed)
	right.ApplyUpdate(seed)

	fromLeft := mustInsert(t, left, 0, "L")
	fromRight := mustInsert(t, right, 6, "R")

	// Opposite delivery orders must converge to identical content.
	left.ApplyUpdate(fromRight)
	right.ApplyUpdate(fromLeft)

	if left.Content() != right.Content() {
		t.Fatalf("replicas diverged: %q vs %q", left.Content(), right.Content())
	}
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	source := mustDoc(t, 2)
	mustInsert(t, source, 0, "abcdef")
	mustDelete(t, source, 1, 2)

	replica := mustDoc(t, 3)
	diff := source.Diff(replica.StateVector())
	replica.ApplyUpdate(diff)
	first := replica.Content()

	replica.ApplyUpdate(diff)
	replica.ApplyUpdate(diff)
	if replica.Content() != first {
		t.Fatalf("re-applying a diff changed content: %q vs %q", replica.Content(), first)
	}
	if first != source.Content() {
		t.Fatalf("replica did not reach source content: %q vs %q", first, source.Content())
	}
}

func TestDeleteArrivingBeforeInsertIsParked(t *testing.T) {
	author := mustDoc(t, 2)
	insert := mustInsert(t, author, 0, "x")

	editor := mustDoc(t, 3)
	editor.ApplyUpdate(insert)
	remove := mustDelete(t, editor, 0, 1)

	// A fresh replica sees the delete before the insert it targets.
	late := mustDoc(t, 4)
	late.ApplyUpdate(remove)
	late.ApplyUpdate(insert)
	if got := late.Content(); got != "" {
		t.Fatalf("expected empty content, got %q", got)
	}
}

func TestDiffReturnsOnlyMissingOperations(t *testing.T) {
	source := mustDoc(t, 2)
	first := mustInsert(t, source, 0, "ab")

	replica := mustDoc(t, 3)
	replica.ApplyUpdate(first)

	mustInsert(t, source, 2, "cd")
	diff := source.Diff(replica.StateVector())
	if len(diff.Inserts) != 2 {
		t.Fatalf("expected 2 missing inserts, got %d", len(diff.Inserts))
	}
	if len(diff.Deletes) != 0 {
		t.Fatalf("expected no missing deletes, got %d", len(diff.Deletes))
	}

	replica.ApplyUpdate(diff)
	if replica.Content() != source.Content() {
		t.Fatalf("one round trip did not reach parity: %q vs %q", replica.Content(), source.Content())
	}
	if !source.Diff(replica.StateVector()).Empty() {
		t.Fatal("expected empty diff after full sync")
	}
}

func TestConcurrentEditingConvergesUnderRandomSyncOrder(t *testing.T) {
	const (
		seeds       = 5
		opsPerRound = 12
		rounds      = 4
	)
	alphabet := []rune("abcdefghijklmnopqrstuvwxyz")

	for seed := int64(1); seed <= seeds; seed++ {
		rng := rand.New(rand.NewSource(seed))
		replicaCount := 2 + rng.Intn(4)

		docs := make([]*Doc, replicaCount)
		for i := range docs {
			docs[i] = mustDoc(t, uint32(i+2))
		}

		for round := 0; round < rounds; round++ {
			for op := 0; op < opsPerRound; op++ {
				doc := docs[rng.Intn(replicaCount)]
				if doc.Len() > 0 && rng.Intn(3) == 0 {
					index := rng.Intn(doc.Len())
					length := 1 + rng.Intn(doc.Len()-index)
					mustDelete(t, doc, index, length)
				} else {
					index := 0
					if doc.Len() > 0 {
						index = rng.Intn(doc.Len() + 1)
					}
					value := string(alphabet[rng.Intn(len(alphabet))])
					mustInsert(t, doc, index, value)
				}
			}

			// Random partial exchange mid-round.
			from := rng.Intn(replicaCount)
			to := rng.Intn(replicaCount)
			docs[to].ApplyUpdate(docs[from].Diff(docs[to].StateVector()))
		}

		syncAll(t, docs)

		want := docs[0].Content()
		for i, doc := range docs {
			if doc.Content() != want {
				t.Fatalf("seed %d: replica %d diverged: %q vs %q", seed, i, doc.Content(), want)
			}
		}
	}
}

// syncAll exchanges diffs in random pair order until every replica's
// state vector stops changing.
func syncAll(t *testing.T, docs []*Doc) {
	t.Helper()
	for pass := 0; pass < 2*len(docs)+2; pass++ {
		changed := false
		for i := range docs {
			for j := range docs {
				if i == j {
					continue
				}
				diff := docs[i].Diff(docs[j].StateVector())
				if diff.Empty() {
					continue
				}
				docs[j].ApplyUpdate(diff)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
	t.Fatal("replicas failed to reach a fixed point")
}
