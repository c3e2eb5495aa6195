package store

import (
	"fmt"
	"log"

	dbm "github.com/cometbft/cometbft-db"
)

// CometBackend selects the concrete cometbft-db engine CometStore opens.
type CometBackend string

const (
	BackendMemDB    CometBackend = "memdb"
	BackendGoLevelDB CometBackend = "goleveldb"
	BackendBoltDB   CometBackend = "boltdb"
)

// CometStore is a ByteStore backed by github.com/cometbft/cometbft-db: a
// thin wrapper over dbm.DB, with SetSync used for durable single writes and
// dbm's native batch for atomic multi-key writes.
type CometStore struct {
	db     dbm.DB
	logger *log.Logger
}

// OpenCometStore opens (creating if absent) a cometbft-db database of the
// given backend under dataDir/name.
func OpenCometStore(name, dataDir string, backend CometBackend, logger *log.Logger) (*CometStore, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[store] ", log.LstdFlags)
	}
	db, err := dbm.NewDB(name, dbm.BackendType(backend), dataDir)
	if err != nil {
		return nil, fmt.Errorf("store: open %s backend %s: %w", name, backend, err)
	}
	return &CometStore{db: db, logger: logger}, nil
}

// NewCometStoreFromDB wraps an already-open dbm.DB.
func NewCometStoreFromDB(db dbm.DB, logger *log.Logger) *CometStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[store] ", log.LstdFlags)
	}
	return &CometStore{db: db, logger: logger}
}

func (s *CometStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key)
	if err != nil {
		return nil, wrapf("get", key, err)
	}
	return v, nil
}

func (s *CometStore) Set(key, value []byte) error {
	if err := s.db.SetSync(key, value); err != nil {
		return wrapf("set", key, err)
	}
	return nil
}

func (s *CometStore) Delete(key []byte) error {
	if err := s.db.DeleteSync(key); err != nil {
		return wrapf("delete", key, err)
	}
	return nil
}

func (s *CometStore) NewBatch() Batch {
	return &cometBatch{batch: s.db.NewBatch()}
}

func (s *CometStore) Iterate(prefix []byte) (Iterator, error) {
	end := prefixUpperBound(prefix)
	it, err := s.db.Iterator(prefix, end)
	if err != nil {
		return nil, fmt.Errorf("store: iterate prefix %q: %w", prefix, err)
	}
	return &cometIterator{it: it}, nil
}

func (s *CometStore) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an exclusive iterator end bound.
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff bytes; unbounded scan
}

type cometBatch struct {
	batch dbm.Batch
}

func (b *cometBatch) Set(key, value []byte)  { _ = b.batch.Set(key, value) }
func (b *cometBatch) Delete(key []byte)      { _ = b.batch.Delete(key) }
func (b *cometBatch) Write() error           { return b.batch.WriteSync() }
func (b *cometBatch) Close() error           { return b.batch.Close() }

// cometIterator adapts dbm's Valid/Next-then-read protocol to the
// read-then-advance protocol of store.Iterator (Next returns true when a
// row is ready to read).
type cometIterator struct {
	it      dbm.Iterator
	started bool
}

func (i *cometIterator) Next() bool {
	if !i.started {
		i.started = true
	} else {
		i.it.Next()
	}
	return i.it.Valid()
}

func (i *cometIterator) Key() []byte   { return i.it.Key() }
func (i *cometIterator) Value() []byte { return i.it.Value() }
func (i *cometIterator) Error() error  { return i.it.Error() }
func (i *cometIterator) Close() error  { return i.it.Close() }
