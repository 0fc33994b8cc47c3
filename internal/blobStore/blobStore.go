// Package blobStore keeps attachment payloads as content-addressed files.
// Files are found through a key to filename table in the datastore's
// key-value store, so the on-disk name never reveals the digest of an
// encrypted blob.
package blobStore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-sync/internal/chunker"
	"github.com/i5heu/ouroboros-sync/internal/encryption"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/oklog/ulid/v2"
)

const (
	blobExt    = ".blob"
	partialExt = ".partial"
	rowPrefix  = "blob:"
)

type Config struct {
	Dir string
	KV  *keyValStore.KeyValStore
	// EncryptionKey, when set, stores every blob as an encrypted envelope.
	EncryptionKey []byte
	Logger        *slog.Logger
}

type BlobStore struct {
	dir string
	kv  *keyValStore.KeyValStore
	key []byte
	log *slog.Logger

	// Writers hold the read side from NewWriter until Finish or Cancel;
	// Sweep takes the write side.
	mu sync.RWMutex
}

func New(cfg Config) (*BlobStore, error) {
	if cfg.KV == nil {
		return nil, errors.New("blobStore: key-value store is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("blobStore: directory is required")
	}
	if len(cfg.EncryptionKey) != 0 && len(cfg.EncryptionKey) != encryption.KeySize {
		return nil, fmt.Errorf("%w: blob key must be %d bytes", model.ErrEncryptionKey, encryption.KeySize)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create blob directory: %v", model.ErrStorage, err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &BlobStore{
		dir: cfg.Dir,
		kv:  cfg.KV,
		key: cfg.EncryptionKey,
		log: log.With("component", "blobStore"),
	}, nil
}

func (b *BlobStore) Encrypted() bool { return len(b.key) > 0 }

// Put stores data and returns its key.
func (b *BlobStore) Put(ctx context.Context, data []byte) (Key, error) {
	return b.PutReader(ctx, bytes.NewReader(data))
}

// PutReader streams r into a new blob.
func (b *BlobStore) PutReader(ctx context.Context, r io.Reader) (Key, error) {
	w, err := b.NewWriter()
	if err != nil {
		return Key{}, err
	}
	if _, err := chunker.Copy(w, &ctxReader{ctx: ctx, r: r}, 0); err != nil {
		w.Cancel()
		return Key{}, err
	}
	return w.Finish()
}

// Get returns the plaintext of the blob.
func (b *BlobStore) Get(key Key) ([]byte, error) {
	rc, err := b.Open(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key.Hex(), err)
	}
	return data, nil
}

// Open returns a reader over the plaintext of the blob.
func (b *BlobStore) Open(key Key) (io.ReadCloser, error) {
	name, err := b.filename(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(b.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob file for %s", model.ErrNotFound, key.Digest())
		}
		return nil, fmt.Errorf("%w: open blob: %v", model.ErrStorage, err)
	}
	if !b.Encrypted() {
		return f, nil
	}
	r, err := encryption.NewReader(f, b.key)
	if err != nil {
		f.Close()
		return nil, err
	}
	return readCloser{Reader: r, Closer: f}, nil
}

// Has reports whether the table knows key.
func (b *BlobStore) Has(key Key) bool {
	_, err := b.filename(key)
	return err == nil
}

// Count returns the number of stored blobs.
func (b *BlobStore) Count() (int, error) {
	n := 0
	err := b.kv.View(func(txn *badger.Txn) error {
		return keyValStore.IteratePrefix(txn, []byte(rowPrefix), true, func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// Sweep deletes every blob whose key is not in keep, plus files on disk that
// no table row points at. It waits for in-progress writers.
func (b *BlobStore) Sweep(keep map[Key]struct{}) (int, error) {
	return b.SweepWith(func(*badger.Txn) (map[Key]struct{}, error) {
		return keep, nil
	})
}

// SweepWith is Sweep with the keep-set computed by keepFn inside the same
// write transaction that drops the table rows. keepFn may make further
// changes to txn; they commit together with the row deletions.
func (b *BlobStore) SweepWith(keepFn func(txn *badger.Txn) (map[Key]struct{}, error)) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var referenced map[string]struct{}
	var doomed []string
	err := b.kv.Update(func(txn *badger.Txn) error {
		keep, err := keepFn(txn)
		if err != nil {
			return err
		}
		referenced = make(map[string]struct{})
		doomed = doomed[:0]
		var rows [][]byte
		err = keyValStore.IteratePrefix(txn, []byte(rowPrefix), false, func(k, v []byte) error {
			key, err := keyFromHex(strings.TrimPrefix(string(k), rowPrefix))
			if err != nil {
				return err
			}
			if _, ok := keep[key]; ok {
				referenced[string(v)] = struct{}{}
				return nil
			}
			doomed = append(doomed, string(v))
			rows = append(rows, k)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range rows {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return len(doomed), fmt.Errorf("%w: list blob directory: %v", model.ErrStorage, err)
	}
	var removeErr error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		if !strings.HasSuffix(name, blobExt) && !strings.HasSuffix(name, partialExt) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !os.IsNotExist(err) {
			removeErr = errors.Join(removeErr, err)
		}
	}
	b.log.Debug("sweep finished", "removed", len(doomed), "kept", len(referenced))
	if removeErr != nil {
		return len(doomed), fmt.Errorf("%w: remove blob files: %v", model.ErrStorage, removeErr)
	}
	return len(doomed), nil
}

// HasInTxn reports whether key is present as seen by txn.
func HasInTxn(txn *badger.Txn, key Key) (bool, error) {
	_, err := keyValStore.Get(txn, rowKey(key))
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BlobStore) filename(key Key) (string, error) {
	v, err := b.kv.Read(rowKey(key))
	if errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("%w: blob %s", model.ErrNotFound, key.Digest())
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// newFilename picks the on-disk name for key. Encrypted stores use a random
// name so the file listing does not leak digests.
func (b *BlobStore) newFilename(key Key) string {
	if b.Encrypted() {
		return ulid.Make().String() + blobExt
	}
	return key.Hex() + blobExt
}

func rowKey(key Key) []byte {
	return []byte(rowPrefix + key.Hex())
}

type readCloser struct {
	io.Reader
	io.Closer
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
