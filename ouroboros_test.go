package ouroboros

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/i5heu/ouroboros-sync/internal/encryption"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/internal/testutil"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, dir string, keys encryption.KeyProvider) *Manager {
	t.Helper()
	m, err := New(Config{
		Path:         dir,
		Keys:         keys,
		Logger:       testutil.DiscardLogger(),
		BadgerLogger: testutil.QuietLogrus(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func staticKeys(t *testing.T, b byte) encryption.KeyProvider {
	t.Helper()
	p, err := encryption.NewStaticKeyProvider(bytes.Repeat([]byte{b}, encryption.KeySize))
	require.NoError(t, err)
	return p
}

func body(n int64) model.Object {
	return model.Object{{Name: "n", Value: model.Int(n)}}
}

func TestNewNoPath(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestDatastoreNames(t *testing.T) {
	t.Parallel()
	m := newManager(t, t.TempDir(), nil)
	for _, name := range []string{"a", "photos", "db_1", "x$(y)+z-w"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "Photos", "1db", "../x", "a/b", "_users"} {
		_, err := m.Datastore(name)
		assert.True(t, errors.Is(err, model.ErrValidation), name)
	}
}

func TestDatastoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	m := newManager(t, dir, nil)

	ds, err := m.Datastore("notes")
	require.NoError(t, err)
	again, err := m.Datastore("notes")
	require.NoError(t, err)
	assert.Same(t, ds, again)

	_, err = ds.CreateOrUpdate(ctx, "a", model.RevID{}, body(1), nil)
	require.NoError(t, err)
	_, err = m.Datastore("other")
	require.NoError(t, err)

	names, err := m.AllDatastores()
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "other"}, names)

	ext, err := ds.ExtensionDataFolder("indexer")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes", "extensions", "indexer"), ext)
	_, err = ds.ExtensionDataFolder("../escape")
	assert.True(t, errors.Is(err, model.ErrValidation))

	require.NoError(t, m.DeleteDatastore("other"))
	assert.False(t, m.Exists("other"))
	assert.True(t, errors.Is(m.DeleteDatastore("other"), model.ErrNotFound))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Datastore("notes")
	assert.ErrorIs(t, err, ErrClosed)

	m2 := newManager(t, dir, nil)
	ds2, err := m2.Datastore("notes")
	require.NoError(t, err)
	got, err := ds2.Get(ctx, "a", model.RevID{})
	require.NoError(t, err)
	assert.True(t, body(1).Equal(got.Body))
}

func TestEncryptionChoiceIsRecorded(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m := newManager(t, dir, staticKeys(t, 1))
	ds, err := m.Datastore("secret")
	require.NoError(t, err)
	_, err = ds.CreateOrUpdate(context.Background(), "a", model.RevID{}, body(1),
		[]model.Attachment{{Name: "f", Source: model.InMemorySource{Data: []byte("plaintext payload")}}})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	blobs, err := filepath.Glob(filepath.Join(dir, "secret", "attachments", "*.blob"))
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	raw, err := os.ReadFile(blobs[0])
	require.NoError(t, err)
	assert.Equal(t, byte(1), raw[0])
	assert.NotContains(t, string(raw), "plaintext payload")

	_, err = newManager(t, dir, nil).Datastore("secret")
	assert.True(t, errors.Is(err, model.ErrEncryptionKey), "%v", err)
	_, err = newManager(t, dir, staticKeys(t, 2)).Datastore("secret")
	assert.True(t, errors.Is(err, model.ErrEncryptionKey), "%v", err)
}

func TestPassphraseKeysAreStable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, err := PassphraseKeys(dir, "correct horse")
	require.NoError(t, err)
	b, err := PassphraseKeys(dir, "correct horse")
	require.NoError(t, err)
	ka, _ := a.CurrentKey()
	kb, _ := b.CurrentKey()
	assert.Equal(t, ka, kb)
	assert.Len(t, ka, encryption.KeySize)
}

func TestBackupRestoreThroughManager(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	keys := staticKeys(t, 9)
	src := newManager(t, t.TempDir(), keys)
	ds, err := src.Datastore("photos")
	require.NoError(t, err)
	rev, err := ds.CreateOrUpdate(ctx, "p1", model.RevID{}, body(1),
		[]model.Attachment{{Name: "img", ContentType: "image/png", Source: model.InMemorySource{Data: []byte("pixels")}}})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = ds.Backup(ctx, &buf)
	require.NoError(t, err)

	dst := newManager(t, t.TempDir(), keys)
	restored, st, err := dst.Restore(ctx, "photos", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Blobs)
	assert.Equal(t, ds.UUID(), restored.UUID())

	got, err := restored.Get(ctx, "p1", model.RevID{})
	require.NoError(t, err)
	assert.Equal(t, rev.RevID, got.RevID)
	rc, err := restored.OpenAttachment(ctx, got.Attachments["img"])
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	_, _, err = dst.Restore(ctx, "photos", bytes.NewReader(buf.Bytes()))
	assert.True(t, errors.Is(err, model.ErrConflict))

	plain := newManager(t, t.TempDir(), nil)
	_, _, err = plain.Restore(ctx, "photos", bytes.NewReader(buf.Bytes()))
	assert.True(t, errors.Is(err, model.ErrEncryptionKey), "%v", err)
	assert.False(t, plain.Exists("photos"))
}

func TestReplicatorsShareManagerDispatcher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t, t.TempDir(), nil)
	a, err := m.Datastore("a")
	require.NoError(t, err)
	b, err := m.Datastore("b")
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		_, err := a.CreateOrUpdate(ctx, "doc-"+string(rune('0'+i)), model.RevID{}, body(i), nil)
		require.NoError(t, err)
	}

	opts := replication.DefaultOptions()
	opts.Direction = replication.Push
	var events []replication.Event
	r, err := a.NewReplicator(b.Peer(), opts, func(e replication.Event) { events = append(events, e) })
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, replication.Complete, r.State())

	ids, err := b.AllDocIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-0", "doc-1", "doc-2"}, ids)

	done := make(chan struct{})
	m.Dispatcher().Post(func() { close(done) })
	<-done
	require.NotEmpty(t, events)
	assert.Equal(t, replication.Complete, events[len(events)-1].State)
}
