/*
Package ouroboros is an embedded document store that keeps every document as
a tree of revisions and replicates with peers over a changes feed.

A Manager owns a root directory with one subdirectory per named datastore:

	<root>/<name>/db            transactional store file
	<root>/<name>/attachments   attachment blobs
	<root>/<name>/extensions    private folders of extensions

The host creates the Manager and passes it, or the Datastores it hands out,
to every component that needs storage.
*/
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/i5heu/ouroboros-sync/internal/backup"
	"github.com/i5heu/ouroboros-sync/internal/encryption"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("ouroboros: manager closed")

var datastoreName = regexp.MustCompile(`^[a-z][a-z0-9_$()+-]*$`)

const (
	dbDir         = "db"
	attachmentDir = "attachments"
	extensionDir  = "extensions"
)

// Manager owns the datastores under one root directory. Datastores are
// opened on first use and stay open until deleted or the Manager closes.
type Manager struct {
	log       *slog.Logger
	badgerLog *logrus.Logger
	config    Config
	key       []byte
	dispatch  *replication.Dispatcher

	mu     sync.Mutex
	stores map[string]*Datastore
	closed bool

	closeOnce sync.Once
}

// New resolves the encryption key and prepares the root directory. No
// datastore is opened yet.
func New(conf Config) (*Manager, error) {
	if conf.Path == "" {
		return nil, fmt.Errorf("%w: a root path must be provided", model.ErrValidation)
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.BadgerLogger == nil {
		conf.BadgerLogger = defaultBadgerLogger()
	}
	key, err := encryption.ResolveKey(conf.Keys)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(conf.Path, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", model.ErrStorage, conf.Path, err)
	}
	return &Manager{
		log:       conf.Logger.With("component", "manager"),
		badgerLog: conf.BadgerLogger,
		config:    conf,
		key:       key,
		dispatch:  replication.NewDispatcher(),
		stores:    make(map[string]*Datastore),
	}, nil
}

// Dispatcher delivers the events of every replicator created through this
// Manager, in order, on one goroutine.
func (m *Manager) Dispatcher() *replication.Dispatcher { return m.dispatch }

// Encrypted reports whether datastores are encrypted at rest.
func (m *Manager) Encrypted() bool { return len(m.key) > 0 }

func ValidateName(name string) error {
	if !datastoreName.MatchString(name) {
		return fmt.Errorf("%w: invalid datastore name %q", model.ErrValidation, name)
	}
	return nil
}

func (m *Manager) dir(name string) string { return filepath.Join(m.config.Path, name) }

// Datastore opens the named datastore, creating it when it does not exist.
func (m *Manager) Datastore(name string) (*Datastore, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if ds, ok := m.stores[name]; ok {
		return ds, nil
	}
	ds, err := m.open(name)
	if err != nil {
		return nil, err
	}
	m.stores[name] = ds
	return ds, nil
}

// Exists reports whether a datastore of that name is on disk.
func (m *Manager) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(m.dir(name), dbDir))
	return err == nil && info.IsDir()
}

// AllDatastores lists the names of all datastores on disk, sorted.
func (m *Manager) AllDatastores() ([]string, error) {
	entries, err := os.ReadDir(m.config.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", model.ErrStorage, m.config.Path, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && m.Exists(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteDatastore closes the datastore and removes its directory.
func (m *Manager) DeleteDatastore(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ds, ok := m.stores[name]; ok {
		delete(m.stores, name)
		if err := ds.close(); err != nil {
			m.log.Warn("close before delete failed", "datastore", name, "error", err)
		}
	} else if !m.Exists(name) {
		return fmt.Errorf("%w: datastore %q", model.ErrNotFound, name)
	}
	if err := os.RemoveAll(m.dir(name)); err != nil {
		return fmt.Errorf("%w: remove datastore %q: %v", model.ErrStorage, name, err)
	}
	m.log.Info("datastore deleted", "datastore", name)
	return nil
}

// Restore creates the named datastore from a stream written by
// Datastore.Backup. The datastore must not exist yet and the Manager must
// hold the key the backup was made with.
func (m *Manager) Restore(ctx context.Context, name string, r io.Reader) (*Datastore, backup.Status, error) {
	if err := ValidateName(name); err != nil {
		return nil, backup.Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, backup.Status{}, ErrClosed
	}
	if _, open := m.stores[name]; open || m.Exists(name) {
		return nil, backup.Status{}, fmt.Errorf("%w: datastore %q already exists", model.ErrConflict, name)
	}

	kv, err := m.openKV(name)
	if err != nil {
		return nil, backup.Status{}, err
	}
	st, err := backup.Read(ctx, r, kv, filepath.Join(m.dir(name), attachmentDir))
	if closeErr := kv.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.RemoveAll(m.dir(name))
		return nil, st, err
	}

	ds, err := m.open(name)
	if err != nil {
		_ = os.RemoveAll(m.dir(name))
		return nil, st, err
	}
	m.stores[name] = ds
	m.log.Info("datastore restored", "datastore", name, "blobs", st.Blobs, "duration", st.Duration)
	return ds, st, nil
}

// Close closes every open datastore and stops event delivery. Close is
// idempotent.
func (m *Manager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		stores := m.stores
		m.stores = nil
		m.mu.Unlock()

		for name, ds := range stores {
			if err := ds.close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close datastore %q: %w", name, err))
			}
		}
		m.dispatch.Close()
		m.log.Info("manager closed", "path", m.config.Path)
	})
	return closeErr
}

func (m *Manager) openKV(name string) (*keyValStore.KeyValStore, error) {
	path := filepath.Join(m.dir(name), dbDir)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", model.ErrStorage, path, err)
	}
	return keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{path},
		MinimumFreeSpace: int(m.config.MinimumFreeGB),
		SyncWrites:       m.config.SyncWrites,
		EncryptionKey:    m.key,
		Logger:           m.badgerLog,
	})
}
