// Package revisionStore keeps every document as a tree of immutable
// revisions on top of the datastore's key-value store.
//
// Key layout:
//
//	doc:<docID>\x00<revID>  revision record (binaryCoder)
//	seq:<uint64 BE>         docID of the change at that sequence
//	docseq:<docID>          latest sequence of the document
//	local:<id>              local, non-replicated documents
//	meta:uuid               store identity
//
// Each document has exactly one seq: row, so the changes feed yields one
// entry per document.
package revisionStore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-sync/internal/blobStore"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const (
	docPrefix    = "doc:"
	seqPrefix    = "seq:"
	docSeqPrefix = "docseq:"
	localPrefix  = "local:"
	uuidKey      = "meta:uuid"
)

type Config struct {
	KV     *keyValStore.KeyValStore
	Blobs  *blobStore.BlobStore
	Logger *slog.Logger
}

type Store struct {
	kv    *keyValStore.KeyValStore
	blobs *blobStore.BlobStore
	log   *slog.Logger
	uuid  string

	// Held shared between staging attachment blobs and committing the
	// revisions that reference them; Compact holds it exclusively.
	blobMu sync.RWMutex
}

func New(cfg Config) (*Store, error) {
	if cfg.KV == nil || cfg.Blobs == nil {
		return nil, errors.New("revisionStore: key-value store and blob store are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		kv:    cfg.KV,
		blobs: cfg.Blobs,
		log:   log.With("component", "revisionStore"),
	}

	err := s.kv.Update(func(txn *badger.Txn) error {
		v, err := keyValStore.Get(txn, []byte(uuidKey))
		if err == nil {
			s.uuid = string(v)
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		s.uuid = uuid.NewString()
		return txn.Set([]byte(uuidKey), []byte(s.uuid))
	})
	if err != nil {
		return nil, fmt.Errorf("load store identity: %w", err)
	}
	return s, nil
}

// UUID identifies this store; it is stable across reopen.
func (s *Store) UUID() string { return s.uuid }

func (s *Store) Blobs() *blobStore.BlobStore { return s.blobs }

// LastSequence returns the highest committed sequence number.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		seq, err = keyValStore.LastSequence(txn)
		return err
	})
	return seq, err
}

// Update runs fn in a single write transaction. Attachments passed to
// Tx.PutChild must already be staged; see StageAttachments.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.kv.Update(func(txn *badger.Txn) error {
		return fn(newTx(s, txn))
	})
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.kv.View(fn)
}

// read runs fn against a read-only Tx.
func (s *Store) read(ctx context.Context, fn func(tx *Tx) error) error {
	return s.view(ctx, func(txn *badger.Txn) error {
		return fn(newTx(s, txn))
	})
}

func docKey(docID string, rev model.RevID) []byte {
	return []byte(docPrefix + docID + "\x00" + rev.String())
}

func docRevPrefix(docID string) []byte {
	return []byte(docPrefix + docID + "\x00")
}

func seqKey(seq uint64) []byte {
	return append([]byte(seqPrefix), keyValStore.EncodeUint64(seq)...)
}
