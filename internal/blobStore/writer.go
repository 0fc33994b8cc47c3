package blobStore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-sync/internal/encryption"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

var ErrWriterDone = errors.New("blobStore: writer already finished or cancelled")

// Writer streams one blob to a temporary file while hashing the plaintext.
// A Writer is not safe for concurrent use.
type Writer struct {
	bs     *BlobStore
	file   *os.File
	sink   io.Writer
	enc    *encryption.Writer
	hasher hash.Hash
	length int64
	done   bool
}

func (b *BlobStore) NewWriter() (*Writer, error) {
	b.mu.RLock()
	f, err := os.CreateTemp(b.dir, "*"+partialExt)
	if err != nil {
		b.mu.RUnlock()
		return nil, fmt.Errorf("%w: create blob file: %v", model.ErrStorage, err)
	}
	w := &Writer{bs: b, file: f, sink: f, hasher: sha256.New()}
	if b.Encrypted() {
		enc, err := encryption.NewWriter(f, b.key)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			b.mu.RUnlock()
			return nil, err
		}
		w.enc = enc
		w.sink = enc
	}
	return w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterDone
	}
	w.hasher.Write(p)
	n, err := w.sink.Write(p)
	w.length += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: write blob: %v", model.ErrStorage, err)
	}
	return n, nil
}

// Append is Write without the byte count.
func (w *Writer) Append(p []byte) error {
	_, err := w.Write(p)
	return err
}

// Length is the number of plaintext bytes written so far.
func (w *Writer) Length() int64 { return w.length }

// Finish makes the blob visible under its key. If a blob with the same key
// already exists the new file is dropped.
func (w *Writer) Finish() (Key, error) {
	if w.done {
		return Key{}, ErrWriterDone
	}
	w.done = true
	defer w.bs.mu.RUnlock()

	var key Key
	copy(key[:], w.hasher.Sum(nil))

	tmp := w.file.Name()
	if err := w.closeFile(); err != nil {
		os.Remove(tmp)
		return Key{}, err
	}

	bs := w.bs
	renamed := false
	err := bs.kv.Update(func(txn *badger.Txn) error {
		if _, err := keyValStore.Get(txn, rowKey(key)); err == nil {
			return nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		name := bs.newFilename(key)
		if err := os.Rename(tmp, filepath.Join(bs.dir, name)); err != nil {
			return fmt.Errorf("%w: move blob into place: %v", model.ErrStorage, err)
		}
		renamed = true
		return txn.Set(rowKey(key), []byte(name))
	})
	if !renamed {
		os.Remove(tmp)
	}
	if err != nil {
		return Key{}, err
	}
	return key, nil
}

// Cancel discards the blob. It is safe to call after Finish.
func (w *Writer) Cancel() {
	if w.done {
		return
	}
	w.done = true
	defer w.bs.mu.RUnlock()
	tmp := w.file.Name()
	w.file.Close()
	os.Remove(tmp)
}

func (w *Writer) closeFile() error {
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			w.file.Close()
			return fmt.Errorf("%w: finish envelope: %v", model.ErrStorage, err)
		}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: sync blob: %v", model.ErrStorage, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close blob: %v", model.ErrStorage, err)
	}
	return nil
}
