package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-sync/internal/backup"
	"github.com/i5heu/ouroboros-sync/internal/blobStore"
	"github.com/i5heu/ouroboros-sync/internal/conflict"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/internal/revisionStore"
	"github.com/i5heu/ouroboros-sync/internal/transport"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Records whether the store was created with a key.
const encryptedKey = "meta:encrypted"

// Datastore is one named document store. The embedded Store carries the
// document operations.
type Datastore struct {
	*revisionStore.Store

	name    string
	dir     string
	kv      *keyValStore.KeyValStore
	manager *Manager
	log     *slog.Logger

	filterMu sync.RWMutex
	filters  map[string]replication.FilterFunc
}

func (m *Manager) open(name string) (*Datastore, error) {
	kv, err := m.openKV(name)
	if err != nil {
		return nil, fmt.Errorf("open datastore %q: %w", name, err)
	}
	ds, err := m.wrap(name, kv)
	if err != nil {
		return nil, errors.Join(err, kv.Close())
	}
	m.log.Info("datastore opened", "datastore", name, "encrypted", m.Encrypted())
	return ds, nil
}

func (m *Manager) wrap(name string, kv *keyValStore.KeyValStore) (*Datastore, error) {
	if err := checkEncryptionFlag(kv, m.Encrypted()); err != nil {
		return nil, fmt.Errorf("open datastore %q: %w", name, err)
	}
	dir := m.dir(name)
	log := m.config.Logger.With("datastore", name)
	blobs, err := blobStore.New(blobStore.Config{
		Dir:           filepath.Join(dir, attachmentDir),
		KV:            kv,
		EncryptionKey: m.key,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	store, err := revisionStore.New(revisionStore.Config{KV: kv, Blobs: blobs, Logger: log})
	if err != nil {
		return nil, err
	}
	return &Datastore{
		Store:   store,
		name:    name,
		dir:     dir,
		kv:      kv,
		manager: m,
		log:     log,
		filters: make(map[string]replication.FilterFunc),
	}, nil
}

// checkEncryptionFlag records the encryption choice of a new store and
// rejects reopening it the other way.
func checkEncryptionFlag(kv *keyValStore.KeyValStore, encrypted bool) error {
	want := []byte{'0'}
	if encrypted {
		want[0] = '1'
	}
	return kv.Update(func(txn *badger.Txn) error {
		got, err := keyValStore.Get(txn, []byte(encryptedKey))
		if errors.Is(err, model.ErrNotFound) {
			return txn.Set([]byte(encryptedKey), want)
		}
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0] != want[0] {
			if encrypted {
				return fmt.Errorf("%w: store was created without encryption", model.ErrEncryptionKey)
			}
			return fmt.Errorf("%w: store is encrypted and no key was supplied", model.ErrEncryptionKey)
		}
		return nil
	})
}

func (d *Datastore) Name() string { return d.name }

// Conflicts gives access to conflict listing and resolution.
func (d *Datastore) Conflicts() *conflict.Resolution {
	return conflict.New(d.Store, d.log)
}

// ExtensionDataFolder returns, creating it if needed, a directory private
// to the named extension inside the datastore.
func (d *Datastore) ExtensionDataFolder(ext string) (string, error) {
	if !datastoreName.MatchString(ext) {
		return "", fmt.Errorf("%w: invalid extension name %q", model.ErrValidation, ext)
	}
	path := filepath.Join(d.dir, extensionDir, ext)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", model.ErrStorage, path, err)
	}
	return path, nil
}

// RegisterFilter makes a named filter available to peers reading this
// datastore's changes feed.
func (d *Datastore) RegisterFilter(name string, fn replication.FilterFunc) {
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	if fn == nil {
		delete(d.filters, name)
		return
	}
	d.filters[name] = fn
}

// Peer exposes the datastore as a replication peer with the filters
// registered so far.
func (d *Datastore) Peer() *replication.LocalPeer {
	d.filterMu.RLock()
	defer d.filterMu.RUnlock()
	return replication.NewLocalPeer(d.Store, maps.Clone(d.filters))
}

// NewReplicator prepares a replication between this datastore and remote.
// Events are delivered on the Manager's dispatcher.
func (d *Datastore) NewReplicator(remote replication.Peer, opts replication.Options, onEvent func(replication.Event)) (*replication.Replicator, error) {
	return replication.New(replication.Config{
		Local:      d.Store,
		Remote:     remote,
		Options:    opts,
		Dispatcher: d.manager.dispatch,
		OnEvent:    onEvent,
		Logger:     d.log,
	})
}

// NewRemoteReplicator replicates with a datastore served over HTTP at
// remoteURL.
func (d *Datastore) NewRemoteReplicator(remoteURL string, opts replication.Options, onEvent func(replication.Event)) (*replication.Replicator, error) {
	client, err := transport.NewClient(transport.Config{
		URL:     remoteURL,
		Headers: opts.Headers,
		Logger:  d.log,
	})
	if err != nil {
		return nil, err
	}
	return d.NewReplicator(client, opts, onEvent)
}

// Backup writes the datastore into w. Compaction waits until the copy is
// done.
func (d *Datastore) Backup(ctx context.Context, w io.Writer) (backup.Status, error) {
	var st backup.Status
	err := d.HoldBlobs(func() error {
		var err error
		st, err = backup.Write(ctx, w, d.kv, filepath.Join(d.dir, attachmentDir))
		return err
	})
	if err == nil {
		d.log.Info("backup written", "blobs", st.Blobs, "storeBytes", st.StoreBytes, "duration", st.Duration)
	}
	return st, err
}

func (d *Datastore) close() error {
	reads, writes := d.kv.Stats()
	d.log.Debug("closing datastore", "reads", reads, "writes", writes)
	return d.kv.Close()
}
