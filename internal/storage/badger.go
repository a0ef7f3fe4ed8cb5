package storage

import (
	"path/filepath"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerManager opens one Badger instance per vnode under dataDir/<num>,
// the layout described by the core's persistence contract.
type BadgerManager struct {
	dataDir string
	opened  map[int32]*BadgerStore
}

// NewBadgerManager returns a Manager rooted at dataDir.
func NewBadgerManager(dataDir string) *BadgerManager {
	return &BadgerManager{dataDir: dataDir, opened: make(map[int32]*BadgerStore)}
}

func (m *BadgerManager) Open(num int32, createIfMissing bool) (VNodeStore, error) {
	if s, ok := m.opened[num]; ok {
		return s, nil
	}
	opts := badger.DefaultOptions(filepath.Join(m.dataDir, strconv.Itoa(int(num)))).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening vnode storage %d", num)
	}
	s := &BadgerStore{db: db}
	m.opened[num] = s
	return s, nil
}

// BadgerStore is a VNodeStore backed by a single Badger database.
type BadgerStore struct {
	db *badger.DB
}

func (s *BadgerStore) Get(key []byte) ([]byte, bool) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

func (s *BadgerStore) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) Sync() error { return s.db.Sync() }

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Clear() error { return s.db.DropAll() }

func (s *BadgerStore) Iterator() Iterator {
	txn := s.db.NewTransaction(false)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	it.Rewind()
	return &badgerIterator{txn: txn, it: it, started: false}
}

type badgerIterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	started bool
}

func (i *badgerIterator) Next() bool {
	if !i.started {
		i.started = true
	} else {
		i.it.Next()
	}
	return i.it.Valid()
}

func (i *badgerIterator) Key() []byte {
	return i.it.Item().KeyCopy(nil)
}

func (i *badgerIterator) Value() []byte {
	var out []byte
	_ = i.it.Item().Value(func(val []byte) error {
		out = append([]byte(nil), val...)
		return nil
	})
	return out
}

func (i *badgerIterator) Close() {
	i.it.Close()
	i.txn.Discard()
}

// BadgerMetaStore is a MetaStore backed by its own small Badger database.
type BadgerMetaStore struct {
	db *badger.DB
}

// NewBadgerMetaStore opens (creating if needed) the metadata database at
// dataDir/meta.
func NewBadgerMetaStore(dataDir string) (*BadgerMetaStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "meta")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata store")
	}
	return &BadgerMetaStore{db: db}, nil
}

func (m *BadgerMetaStore) Get(key []byte) ([]byte, bool) {
	var out []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

func (m *BadgerMetaStore) Set(key, value []byte) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (m *BadgerMetaStore) Delete(key []byte) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (m *BadgerMetaStore) Close() error { return m.db.Close() }
