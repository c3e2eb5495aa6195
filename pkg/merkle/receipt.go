// Portable snapshot receipts: independently re-verifiable Merkle proofs
// that let a copy of the atom store be checked against the root recorded
// at snapshot time.

package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SnapshotReceipt is a portable Merkle proof that a single atom hash was
// included in a snapshot with the given root.
//
// Verification invariants (fail-closed):
// 1. Start must be exactly 32 bytes.
// 2. Root must be exactly 32 bytes.
// 3. Each Entry.Hash must be exactly 32 bytes.
// 4. Merkle recomputation from Start through Entries must equal Root.
type SnapshotReceipt struct {
	// Start is the leaf hash being proven (32 bytes, hex-encoded).
	Start string `json:"start"`

	// Root is the snapshot's Merkle root (32 bytes, hex-encoded).
	Root string `json:"root"`

	// Entries is the Merkle path from Start to Root.
	Entries []ReceiptEntry `json:"entries"`
}

// ReceiptEntry represents a single step in the Merkle proof path.
type ReceiptEntry struct {
	// Hash is the sibling hash at this level (32 bytes, hex-encoded).
	Hash string `json:"hash"`

	// Right indicates the position of the sibling:
	// - true: sibling is on the right, compute SHA256(current || sibling)
	// - false: sibling is on the left, compute SHA256(sibling || current)
	Right bool `json:"right"`
}

// ReceiptFromProof converts a tree-generated InclusionProof into a portable
// SnapshotReceipt.
func ReceiptFromProof(proof *InclusionProof) *SnapshotReceipt {
	entries := make([]ReceiptEntry, len(proof.Path))
	for i, p := range proof.Path {
		entries[i] = ReceiptEntry{Hash: p.Hash, Right: p.Position == Right}
	}
	return &SnapshotReceipt{
		Start:   proof.LeafHash,
		Root:    proof.MerkleRoot,
		Entries: entries,
	}
}

// Validate verifies the receipt structure and Merkle recomputation.
// Returns nil if valid, error otherwise (fail-closed).
func (r *SnapshotReceipt) Validate() error {
	startHex, err := mustHex32Lower(r.Start, "receipt.start")
	if err != nil {
		return err
	}
	rootHex, err := mustHex32Lower(r.Root, "receipt.root")
	if err != nil {
		return err
	}

	start, _ := hex.DecodeString(startHex)
	root, _ := hex.DecodeString(rootHex)

	current := start
	for i, entry := range r.Entries {
		entryHex, err := mustHex32Lower(entry.Hash, fmt.Sprintf("receipt.entries[%d].hash", i))
		if err != nil {
			return err
		}
		sibling, _ := hex.DecodeString(entryHex)

		if entry.Right {
			current = receiptHashPair(current, sibling)
		} else {
			current = receiptHashPair(sibling, current)
		}
	}

	if !bytes.Equal(current, root) {
		return fmt.Errorf("merkle recomputation mismatch: computed=%x, expected=%x", current, root)
	}
	return nil
}

func (r *SnapshotReceipt) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func ReceiptFromJSON(data []byte) (*SnapshotReceipt, error) {
	var r SnapshotReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// receiptHashPair computes SHA256(left || right), the canonical Merkle node
// compression used by both Tree and SnapshotReceipt.
func receiptHashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// mustHex32Lower validates that a hex string is exactly 32 bytes (64 hex
// chars).
func mustHex32Lower(s string, label string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%s: empty", label)
	}
	if len(s) != 64 {
		return "", fmt.Errorf("%s: expected 64 hex chars (32 bytes), got len=%d", label, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%s: invalid hex: %w", label, err)
	}
	return s, nil
}
