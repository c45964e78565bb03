package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

var billPrefix = []byte("bill:")

// BadgerStore keeps bill records in an embedded badger database. Badger locks
// its directory to one process, so a mutex is enough to serialize updates.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

func NewBadgerStore(db *badger.DB, logger zerolog.Logger) *BadgerStore {
	return &BadgerStore{
		db:     db,
		logger: logger.With().Str("component", "badger_store").Logger(),
	}
}

// OpenBadgerStore opens dir, or an in-memory database when dir is empty.
func OpenBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db, logger), nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func billKey(billID string) []byte {
	return append(append([]byte(nil), billPrefix...), billID...)
}

func readRecord(txn *badger.Txn, billID string) (*BillRecord, error) {
	item, err := txn.Get(billKey(billID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec BillRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *BadgerStore) Get(_ context.Context, billID string) (*BillRecord, error) {
	var rec *BillRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, billID)
		return err
	})
	return rec, err
}

func (b *BadgerStore) Update(_ context.Context, billID string, fn UpdateFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		current, err := readRecord(txn, billID)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		blob, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := txn.Set(billKey(billID), blob); err != nil {
			return err
		}
		b.logger.Debug().Str("bill_id", billID).Str("status", string(next.Status)).Msg("bill stored")
		return nil
	})
}

func (b *BadgerStore) List(_ context.Context) ([]BillRecord, error) {
	var out []BillRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = billPrefix
		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(billPrefix); iter.ValidForPrefix(billPrefix); iter.Next() {
			var rec BillRecord
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
