// Package atom implements the atom store: an append-only, content-addressed
// record layer with per-key hash chains.
package atom

import (
	"encoding/json"
	"log"
	"time"

	"github.com/datafold/datafold-core/pkg/commitment"
	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/merkle"
	"github.com/datafold/datafold-core/pkg/store"
)

// Status is the lifecycle state of an atom.
type Status string

const (
	Active  Status = "active"
	Deleted Status = "deleted"
)

// Handle identifies an atom by its content hash.
type Handle string

// Atom is an immutable, content-addressed record. Atoms are never mutated;
// a chain is a linear sequence ordered by Previous.
type Atom struct {
	Hash      Handle          `json:"hash"`
	Previous  Handle          `json:"previous,omitempty"`
	AuthorID  string          `json:"author"`
	Timestamp time.Time       `json:"timestamp"`
	Status    Status          `json:"status"`
	Content   json.RawMessage `json:"content"`
}

// hashable is the exact shape hashed: SHA-256 over canonical JSON of
// {previous, author, timestamp, status, content}.
type hashable struct {
	Previous  Handle          `json:"previous"`
	Author    string          `json:"author"`
	Timestamp string          `json:"timestamp"`
	Status    Status          `json:"status"`
	Content   json.RawMessage `json:"content"`
}

func computeHash(previous Handle, author string, ts time.Time, status Status, content json.RawMessage) (Handle, error) {
	h := hashable{
		Previous:  previous,
		Author:    author,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Status:    status,
		Content:   content,
	}
	digest, err := commitment.HashCanonical(h)
	if err != nil {
		return "", err
	}
	return Handle(digest), nil
}

// Store is the append-only atom layer over a store.ByteStore.
type Store struct {
	bs     store.ByteStore
	logger *log.Logger
}

func New(bs store.ByteStore, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[atom] ", log.LstdFlags)
	}
	return &Store{bs: bs, logger: logger}
}

// Append persists a new atom and returns its stable handle. chainID is an
// opaque bookkeeping label for the caller (the field address this atom
// belongs to); it is not part of the content hash. Appending identical
// content under the same predecessor, author, and timestamp is idempotent:
// it collapses to the same handle and is a no-op write.
func (s *Store) Append(chainID, authorID string, content json.RawMessage, previous Handle, ts time.Time) (Handle, error) {
	if previous != "" {
		if _, err := s.Get(previous); err != nil {
			return "", faultkind.New(faultkind.BadPrevious, string(previous))
		}
	}

	handle, err := computeHash(previous, authorID, ts, Active, content)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, chainID, err)
	}

	existing, err := s.bs.Get(store.AtomKey(string(handle)))
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, chainID, err)
	}
	if existing != nil {
		return handle, nil // idempotent: identical atom already persisted
	}

	a := Atom{Hash: handle, Previous: previous, AuthorID: authorID, Timestamp: ts, Status: Active, Content: content}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, chainID, err)
	}
	if err := s.bs.Set(store.AtomKey(string(handle)), raw); err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, chainID, err)
	}
	return handle, nil
}

// AppendInBatch is the batch-scoped variant of Append used by the
// query/mutation executor so multiple atoms commit atomically alongside
// their AtomRef updates.
func (s *Store) AppendInBatch(b store.Batch, authorID string, content json.RawMessage, previous Handle, ts time.Time) (Handle, error) {
	handle, err := computeHash(previous, authorID, ts, Active, content)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, "", err)
	}
	a := Atom{Hash: handle, Previous: previous, AuthorID: authorID, Timestamp: ts, Status: Active, Content: content}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, "", err)
	}
	b.Set(store.AtomKey(string(handle)), raw)
	return handle, nil
}

// AppendTombstoneInBatch stages a Deleted-status atom referencing head as
// previous, for the executor's Delete path; batch-scoped so it commits
// atomically with its AtomRef update.
func (s *Store) AppendTombstoneInBatch(b store.Batch, authorID string, head Handle, content json.RawMessage, ts time.Time) (Handle, error) {
	handle, err := computeHash(head, authorID, ts, Deleted, content)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, string(head), err)
	}
	a := Atom{Hash: handle, Previous: head, AuthorID: authorID, Timestamp: ts, Status: Deleted, Content: content}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, string(head), err)
	}
	b.Set(store.AtomKey(string(handle)), raw)
	return handle, nil
}

// Get fetches an atom by handle.
func (s *Store) Get(handle Handle) (*Atom, error) {
	raw, err := s.bs.Get(store.AtomKey(string(handle)))
	if err != nil {
		return nil, faultkind.Wrap(faultkind.StorageFault, string(handle), err)
	}
	if raw == nil {
		return nil, faultkind.New(faultkind.NotFound, string(handle))
	}
	var a Atom
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, faultkind.Wrap(faultkind.StorageFault, string(handle), err)
	}
	return &a, nil
}

// MarkDeleted tombstones head by appending a new Deleted-status atom
// referencing it as previous. No physical removal ever occurs.
func (s *Store) MarkDeleted(authorID string, head Handle, ts time.Time) (Handle, error) {
	prevAtom, err := s.Get(head)
	if err != nil {
		return "", err
	}
	handle, err := computeHash(head, authorID, ts, Deleted, prevAtom.Content)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, string(head), err)
	}
	a := Atom{Hash: handle, Previous: head, AuthorID: authorID, Timestamp: ts, Status: Deleted, Content: prevAtom.Content}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, string(head), err)
	}
	if err := s.bs.Set(store.AtomKey(string(handle)), raw); err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, string(head), err)
	}
	return handle, nil
}

// Walker lazily walks a chain backward from head via Previous, restartable
// by constructing a new Walker for the same head.
type Walker struct {
	s         *Store
	next      Handle
	remaining int // atoms still allowed; negative means unbounded
	err       error
}

// Walk returns a finite, lazy, restartable backward iterator from head,
// visiting at most limit atoms (0 means unbounded).
func (s *Store) Walk(head Handle, limit int) *Walker {
	if limit <= 0 {
		limit = -1
	}
	return &Walker{s: s, next: head, remaining: limit}
}

// Next advances the walker and returns the next atom, or ok=false when the
// chain or the limit is exhausted. A non-nil error from the underlying
// store halts iteration and is available via Err.
func (w *Walker) Next() (a *Atom, ok bool) {
	if w.err != nil || w.next == "" || w.remaining == 0 {
		return nil, false
	}
	cur, err := w.s.Get(w.next)
	if err != nil {
		w.err = err
		return nil, false
	}
	w.next = cur.Previous
	if w.remaining > 0 {
		w.remaining--
	}
	return cur, true
}

// Err returns the error, if any, that halted iteration.
func (w *Walker) Err() error { return w.err }

// Snapshot builds a Merkle tree over the content hashes of the given heads
// and returns the root plus a portable inclusion receipt per head, so a
// copy of the store made at this instant can be independently verified
// later.
func (s *Store) Snapshot(heads []Handle) (root string, receipts map[Handle]*merkle.SnapshotReceipt, err error) {
	if len(heads) == 0 {
		return "", nil, faultkind.New(faultkind.InvalidFilter, "heads")
	}
	leaves := make([][]byte, len(heads))
	for i, h := range heads {
		leaves[i] = commitment.HashConcat([]byte(h))
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return "", nil, faultkind.Wrap(faultkind.StorageFault, "", err)
	}
	receipts = make(map[Handle]*merkle.SnapshotReceipt, len(heads))
	for i, h := range heads {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			return "", nil, faultkind.Wrap(faultkind.StorageFault, string(h), err)
		}
		receipts[h] = merkle.ReceiptFromProof(proof)
	}
	return tree.RootHex(), receipts, nil
}
