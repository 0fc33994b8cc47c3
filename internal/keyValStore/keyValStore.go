// Package keyValStore wraps the badger store file that backs one datastore.
// All mutations run through a single serialized write queue; reads are
// snapshot transactions and may run concurrently.
package keyValStore

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/sirupsen/logrus"
)

const (
	sequenceKey = "kv:seq"

	// Badger needs a block cache when encryption is enabled.
	encryptedIndexCacheSize = 64 << 20
)

var ErrClosed = errors.New("keyValStore: store closed")

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	InMemory         bool
	SyncWrites       bool
	// EncryptionKey enables encryption at rest. A store created with a key
	// can only be reopened with the same key.
	EncryptionKey []byte
	Logger        *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	writeMu      sync.Mutex
	closed       atomic.Bool
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts = opts.WithLogger(log).WithSyncWrites(config.SyncWrites)
	if len(config.EncryptionKey) > 0 {
		opts = opts.WithEncryptionKey(config.EncryptionKey).WithIndexCacheSize(encryptedIndexCacheSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		if isKeyMismatch(err) {
			return nil, fmt.Errorf("%w: store file rejected the supplied key", model.ErrEncryptionKey)
		}
		return nil, fmt.Errorf("%w: open badger: %v", model.ErrStorage, err)
	}

	if !config.InMemory {
		if err := logDiskUsage(log, config.Paths[0]); err != nil {
			log.Warnf("disk usage unavailable: %v", err)
		}
	}

	return &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}, nil
}

func isKeyMismatch(err error) bool {
	return errors.Is(err, badger.ErrEncryptionKeyMismatch) ||
		strings.Contains(err.Error(), badger.ErrEncryptionKeyMismatch.Error())
}

// Encrypted reports whether the store file is encrypted at rest.
func (k *KeyValStore) Encrypted() bool {
	return len(k.config.EncryptionKey) > 0
}

// Update runs fn in a read-write transaction. Only one Update runs at a time.
// Errors returned by fn are passed through unchanged; commit failures are
// reported as storage errors.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	if k.closed.Load() {
		return ErrClosed
	}
	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	atomic.AddUint64(&k.writeCounter, 1)

	var fnErr error
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		fnErr = fn(txn)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrStorage, err)
	}
	return nil
}

// View runs fn against a consistent snapshot.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	if k.closed.Load() {
		return ErrClosed
	}
	atomic.AddUint64(&k.readCounter, 1)

	var fnErr error
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		fnErr = fn(txn)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("%w: view: %v", model.ErrStorage, err)
	}
	return nil
}

// NextSequence increments and returns the store-wide sequence counter. It
// must be called inside Update; the new value is only visible once that
// transaction commits.
func (k *KeyValStore) NextSequence(txn *badger.Txn) (uint64, error) {
	last, err := LastSequence(txn)
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := txn.Set([]byte(sequenceKey), EncodeUint64(next)); err != nil {
		return 0, fmt.Errorf("%w: set sequence: %v", model.ErrStorage, err)
	}
	return next, nil
}

// LastSequence returns the last committed sequence visible to txn.
func LastSequence(txn *badger.Txn) (uint64, error) {
	value, err := Get(txn, []byte(sequenceKey))
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(value), nil
}

// Get copies the value stored under key, mapping a missing key to
// model.ErrNotFound.
func Get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: key %s", model.ErrNotFound, hex.EncodeToString(key))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", model.ErrStorage, err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: read value: %v", model.ErrStorage, err)
	}
	return value, nil
}

// IteratePrefix calls fn for every key with the given prefix, in key order.
// With keysOnly set, fn receives a nil value.
func IteratePrefix(txn *badger.Txn, prefix []byte, keysOnly bool, fn func(key, value []byte) error) error {
	return IteratePrefixFrom(txn, prefix, prefix, keysOnly, fn)
}

// IteratePrefixFrom is IteratePrefix starting at the first key >= start.
func IteratePrefixFrom(txn *badger.Txn, prefix, start []byte, keysOnly bool, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !keysOnly
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		var value []byte
		if !keysOnly {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("%w: read value: %v", model.ErrStorage, err)
			}
			value = v
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// ReverseIteratePrefix is IteratePrefix in descending key order.
func ReverseIteratePrefix(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// seek to the last key that carries the prefix
	seek := append(append([]byte{}, prefix...), 0xff)
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("%w: read value: %v", model.ErrStorage, err)
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := k.View(func(txn *badger.Txn) error {
		var err error
		value, err = Get(txn, key)
		return err
	})
	return value, err
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	return k.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
}

func (k *KeyValStore) Delete(key []byte) error {
	return k.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// will return all keys and values with the given prefix
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) {
	var keysAndValues [][][]byte
	err := k.View(func(txn *badger.Txn) error {
		return IteratePrefix(txn, prefix, false, func(key, value []byte) error {
			keysAndValues = append(keysAndValues, [][]byte{key, value})
			return nil
		})
	})
	return keysAndValues, err
}

// Backup streams a full badger backup to w.
func (k *KeyValStore) Backup(w io.Writer) error {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if _, err := k.badgerDB.Backup(w, 0); err != nil {
		return fmt.Errorf("%w: backup: %v", model.ErrStorage, err)
	}
	return nil
}

// Load restores a stream produced by Backup into this store.
func (k *KeyValStore) Load(r io.Reader) error {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if err := k.badgerDB.Load(r, 256); err != nil {
		return fmt.Errorf("%w: load: %v", model.ErrStorage, err)
	}
	return nil
}

// Clean syncs the store and reclaims value log space.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

// Stats returns the number of read and write transactions run so far.
func (k *KeyValStore) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

func (k *KeyValStore) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if err := k.Clean(); err != nil {
		k.log.Warnf("clean on close: %v", err)
	}
	return k.badgerDB.Close()
}

func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
