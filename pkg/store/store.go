// Package store is the persistence adapter: a byte-oriented key-value
// contract with atomic multi-key batches and the keyspace scheme every
// other component writes through.
package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by callers that distinguish a missing key from an
// empty value; ByteStore.Get itself returns (nil, nil) for a missing key.
var ErrNotFound = errors.New("store: key not found")

// ByteStore is the pluggable persistence interface. All component state is
// mapped onto it.
type ByteStore interface {
	// Get returns the value for key, or (nil, nil) if the key is absent.
	Get(key []byte) ([]byte, error)
	// Set writes key/value durably.
	Set(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// NewBatch returns a Batch for an atomic multi-key write.
	NewBatch() Batch
	// Iterate walks all keys with the given prefix in ascending key order.
	Iterate(prefix []byte) (Iterator, error)
	// Close releases underlying resources.
	Close() error
}

// Batch accumulates writes applied atomically by Write.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
	// Close discards the batch if Write was never called.
	Close() error
}

// Iterator walks a key range in ascending order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Keyspace prefixes:
//   atom:{hash}
//   ref:{schema}:{field}[:{chain_key}]
//   schema:{name}
//   transform:{id}
//   nonce:{value}
//   system_key
const (
	prefixAtom      = "atom:"
	prefixRef       = "ref:"
	prefixSchema    = "schema:"
	prefixTransform = "transform:"
	prefixNonce     = "nonce:"
	keySystemKey    = "system_key"
)

// AtomKey builds the storage key for an atom's content hash.
func AtomKey(hash string) []byte {
	return []byte(prefixAtom + hash)
}

// RefKey builds the storage key for an AtomRef. chainKey is empty for Single
// and Collection refs; for Range fields it is the range-index key.
func RefKey(schema, field, chainKey string) []byte {
	if chainKey == "" {
		return []byte(prefixRef + schema + ":" + field)
	}
	return []byte(prefixRef + schema + ":" + field + ":" + chainKey)
}

// RefPrefix builds the iteration prefix for all refs under (schema, field),
// used to enumerate a Range field's index.
func RefPrefix(schema, field string) []byte {
	return []byte(prefixRef + schema + ":" + field + ":")
}

// SchemaKey builds the storage key for a schema definition.
func SchemaKey(name string) []byte {
	return []byte(prefixSchema + name)
}

// SchemaPrefix is the iteration prefix over all schema definitions.
func SchemaPrefix() []byte {
	return []byte(prefixSchema)
}

// TransformKey builds the storage key for a transform definition.
func TransformKey(id string) []byte {
	return []byte(prefixTransform + id)
}

// TransformPrefix is the iteration prefix over all transform definitions.
func TransformPrefix() []byte {
	return []byte(prefixTransform)
}

// NonceKey builds the storage key for a seen-nonce record.
func NonceKey(value string) []byte {
	return []byte(prefixNonce + value)
}

// SystemKeyKey is the single key under which the system verifying key is
// stored.
func SystemKeyKey() []byte {
	return []byte(keySystemKey)
}

// AllRefsPrefix is the iteration prefix over every AtomRef in the store,
// used by snapshot export to enumerate current heads.
func AllRefsPrefix() []byte {
	return []byte(prefixRef)
}

func wrapf(op string, key []byte, err error) error {
	return fmt.Errorf("store: %s %q: %w", op, key, err)
}
