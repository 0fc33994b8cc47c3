package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-sync/internal/blobStore"
	"github.com/i5heu/ouroboros-sync/internal/revisionStore"
	"github.com/i5heu/ouroboros-sync/internal/testutil"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *revisionStore.Store {
	t.Helper()
	kv := testutil.NewMemKV(t)
	blobs, err := blobStore.New(blobStore.Config{Dir: filepath.Join(t.TempDir(), "att"), KV: kv})
	require.NoError(t, err)
	s, err := revisionStore.New(revisionStore.Config{KV: kv, Blobs: blobs, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	return s
}

func testOptions(dir Direction) Options {
	o := DefaultOptions()
	o.Direction = dir
	o.BatchSize = 2
	o.RequestTimeout = 5 * time.Second
	o.InitialBackoff = time.Millisecond
	o.MaxBackoff = 5 * time.Millisecond
	o.PollInterval = 10 * time.Millisecond
	return o
}

func body(kv ...any) model.Object {
	var o model.Object
	for i := 0; i+1 < len(kv); i += 2 {
		v, err := model.FromAny(kv[i+1])
		if err != nil {
			panic(err)
		}
		o = o.Set(kv[i].(string), v)
	}
	return o
}

// seed fills s with plain documents, one with an attachment, one
// conflicted and one deleted.
func seed(t *testing.T, s *revisionStore.Store) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.CreateOrUpdate(ctx, fmt.Sprintf("doc-%d", i), model.RevID{}, body("n", i, "kind", "plain"), nil)
		require.NoError(t, err)
	}
	r1, err := s.CreateOrUpdate(ctx, "photo", model.RevID{}, body("kind", "photo"), []model.Attachment{
		{Name: "img", ContentType: "image/png", Source: model.InMemorySource{Data: []byte("not really a png")}},
	})
	require.NoError(t, err)
	_, err = s.CreateOrUpdate(ctx, "photo", r1.RevID, body("kind", "photo", "title", "cat"), []model.Attachment{
		{Name: "img", Digest: r1.Attachments["img"].Digest},
	})
	require.NoError(t, err)

	_, err = s.InsertBranch(ctx, "split", []model.Revision{
		{RevID: model.MustParseRevID("1-x"), Body: body("v", "x")},
		{RevID: model.MustParseRevID("2-a"), Body: body("v", "a")},
	})
	require.NoError(t, err)
	_, err = s.InsertBranch(ctx, "split", []model.Revision{
		{RevID: model.MustParseRevID("2-b"), Parent: model.MustParseRevID("1-x"), Body: body("v", "b")},
	})
	require.NoError(t, err)

	gone, err := s.CreateOrUpdate(ctx, "gone", model.RevID{}, body("kind", "plain"), nil)
	require.NoError(t, err)
	_, err = s.Delete(ctx, "gone", gone.RevID)
	require.NoError(t, err)
}

// snapshot maps every document to its leaves, winner first.
func snapshot(t *testing.T, s *revisionStore.Store) map[string][]string {
	t.Helper()
	changes, _, err := s.Changes(context.Background(), 0, 0)
	require.NoError(t, err)
	out := make(map[string][]string, len(changes))
	for _, c := range changes {
		for _, l := range c.Leaves {
			out[c.DocID] = append(out[c.DocID], l.String())
		}
		if c.Deleted {
			out[c.DocID] = append(out[c.DocID], "deleted")
		}
	}
	return out
}

func runToEnd(t *testing.T, r *Replicator) error {
	t.Helper()
	require.NoError(t, r.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "replication did not finish")
	return err
}

func TestPullOneShot(t *testing.T) {
	remote, local := newStore(t), newStore(t)
	seed(t, remote)

	r, err := New(Config{Local: local, Remote: NewLocalPeer(remote, nil), Options: testOptions(Pull), Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, r))
	assert.Equal(t, Complete, r.State())
	assert.False(t, r.IsActive())

	assert.Equal(t, snapshot(t, remote), snapshot(t, local))
	p := r.Progress()
	assert.Equal(t, int64(8), p.ChangesProcessed)
	assert.Equal(t, p.ChangesTotal, p.ChangesProcessed)

	conflicted, err := local.ConflictedDocIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"split"}, conflicted)

	photo, err := local.Get(context.Background(), "photo", model.RevID{})
	require.NoError(t, err)
	att := photo.Attachments["img"]
	assert.Equal(t, uint64(1), att.RevPos)
	rc, err := local.OpenAttachment(context.Background(), att)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "not really a png", string(data))

	last, err := remote.LastSequence(context.Background())
	require.NoError(t, err)
	cp, err := LoadCheckpoint(context.Background(), local, r.ID())
	require.NoError(t, err)
	assert.Equal(t, FormatSeq(last), cp)
}

func TestBidirectionalChurn(t *testing.T) {
	testutil.RequireLong(t)
	ctx := context.Background()
	a, b := newStore(t), newStore(t)
	for i := 0; i < 200; i++ {
		_, err := a.CreateOrUpdate(ctx, fmt.Sprintf("d-%03d", i), model.RevID{}, body("side", "a", "n", i), nil)
		require.NoError(t, err)
		_, err = b.CreateOrUpdate(ctx, fmt.Sprintf("d-%03d", i+100), model.RevID{}, body("side", "b", "n", i+100), nil)
		require.NoError(t, err)
	}

	opts := testOptions(Push)
	opts.BatchSize = 50
	push, err := New(Config{Local: a, Remote: NewLocalPeer(b, nil), Options: opts})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, push))
	opts.Direction = Pull
	pull, err := New(Config{Local: a, Remote: NewLocalPeer(b, nil), Options: opts})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, pull))

	assert.Equal(t, snapshot(t, a), snapshot(t, b))
	conflicted, err := a.ConflictedDocIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, conflicted, 100)
	assert.Equal(t, "d-100", conflicted[0])
}

func TestRerunStartsFromCheckpoint(t *testing.T) {
	remote, local := newStore(t), newStore(t)
	seed(t, remote)
	peer := NewLocalPeer(remote, nil)

	first, err := New(Config{Local: local, Remote: peer, Options: testOptions(Pull)})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, first))
	seq, err := local.LastSequence(context.Background())
	require.NoError(t, err)

	second, err := New(Config{Local: local, Remote: peer, Options: testOptions(Pull)})
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	require.NoError(t, runToEnd(t, second))
	assert.Equal(t, Complete, second.State())
	assert.Zero(t, second.Progress().ChangesProcessed)

	seq2, err := local.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seq, seq2, "nothing written on the second run")
}

func TestPushWithFilter(t *testing.T) {
	local, remote := newStore(t), newStore(t)
	seed(t, local)

	opts := testOptions(Push)
	opts.Filter = Filter{
		Params: map[string]string{"kind": "photo"},
		Func: func(rev model.Revision, params map[string]string) bool {
			v, ok := rev.Body.Get("kind")
			if !ok {
				return false
			}
			s, _ := v.AsString()
			return s == params["kind"]
		},
	}
	r, err := New(Config{Local: local, Remote: NewLocalPeer(remote, nil), Options: opts})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, r))

	ids, err := remote.AllDocIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"photo"}, ids)
}

func TestPullRejectsFilterFunc(t *testing.T) {
	opts := testOptions(Pull)
	opts.Filter.Func = func(model.Revision, map[string]string) bool { return true }
	_, err := New(Config{Local: newStore(t), Remote: NewLocalPeer(newStore(t), nil), Options: opts})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestNamedFilter(t *testing.T) {
	remote, local := newStore(t), newStore(t)
	seed(t, remote)
	peer := NewLocalPeer(remote, map[string]FilterFunc{
		"even": func(rev model.Revision, _ map[string]string) bool {
			v, ok := rev.Body.Get("n")
			if !ok {
				return false
			}
			n, _ := v.AsInt()
			return n%2 == 0
		},
	})

	opts := testOptions(Pull)
	opts.Filter = Filter{Name: "even"}
	r, err := New(Config{Local: local, Remote: peer, Options: opts})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, r))

	ids, err := local.AllDocIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-0", "doc-2", "doc-4"}, ids)

	opts.Filter = Filter{Name: "missing"}
	r, err = New(Config{Local: local, Remote: peer, Options: opts})
	require.NoError(t, err)
	err = runToEnd(t, r)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, Error, r.State())
}

// flakyPeer wraps a peer and injects failures.
type flakyPeer struct {
	Peer
	mu           sync.Mutex
	changesFails int // transient failures before Changes succeeds
	failFetchOn  int // FetchRevisions call that fails permanently, 0 = never
	fetchCalls   int
	sinces       []string
}

func (f *flakyPeer) Changes(ctx context.Context, since string, limit int, filter Filter) (ChangesPage, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	if f.changesFails > 0 {
		f.changesFails--
		f.mu.Unlock()
		return ChangesPage{}, fmt.Errorf("%w: connection reset", model.ErrTransientNetwork)
	}
	f.mu.Unlock()
	return f.Peer.Changes(ctx, since, limit, filter)
}

func (f *flakyPeer) FetchRevisions(ctx context.Context, docID string, revs, attsSince []model.RevID) ([]model.Branch, error) {
	f.mu.Lock()
	f.fetchCalls++
	fail := f.failFetchOn > 0 && f.fetchCalls == f.failFetchOn
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: token expired", model.ErrAuthentication)
	}
	return f.Peer.FetchRevisions(ctx, docID, revs, attsSince)
}

func TestResumeAfterFailure(t *testing.T) {
	remote := newStore(t)
	seed(t, remote)

	reference := newStore(t)
	r, err := New(Config{Local: reference, Remote: NewLocalPeer(remote, nil), Options: testOptions(Pull)})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, r))

	local := newStore(t)
	opts := testOptions(Pull)
	opts.MaxInFlight = 1
	broken := &flakyPeer{Peer: NewLocalPeer(remote, nil), failFetchOn: 4}
	r, err = New(Config{Local: local, Remote: broken, Options: opts})
	require.NoError(t, err)
	err = runToEnd(t, r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAuthentication))
	assert.Equal(t, Error, r.State())
	assert.Equal(t, err, r.Err())

	// Pages hold two documents each, so the fourth fetch belongs to the
	// second page and only the first one is checkpointed.
	cp, err := LoadCheckpoint(context.Background(), local, r.ID())
	require.NoError(t, err)
	require.NotEmpty(t, cp)
	assert.Equal(t, int64(2), r.Progress().ChangesProcessed)

	healthy := &flakyPeer{Peer: NewLocalPeer(remote, nil)}
	r, err = New(Config{Local: local, Remote: healthy, Options: opts})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, r))
	assert.Equal(t, cp, healthy.sinces[0], "restart resumes at the checkpoint")
	assert.Equal(t, snapshot(t, reference), snapshot(t, local))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	remote, local := newStore(t), newStore(t)
	seed(t, remote)

	opts := testOptions(Pull)
	opts.MaxRetries = 3
	peer := &flakyPeer{Peer: NewLocalPeer(remote, nil), changesFails: 3}
	r, err := New(Config{Local: local, Remote: peer, Options: opts})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, r))
	assert.Equal(t, Complete, r.State())
	assert.Equal(t, snapshot(t, remote), snapshot(t, local))
}

func TestRetryCeiling(t *testing.T) {
	remote, local := newStore(t), newStore(t)
	seed(t, remote)

	opts := testOptions(Pull)
	opts.MaxRetries = 2
	peer := &flakyPeer{Peer: NewLocalPeer(remote, nil), changesFails: 100}
	r, err := New(Config{Local: local, Remote: peer, Options: opts})
	require.NoError(t, err)
	err = runToEnd(t, r)
	assert.True(t, errors.Is(err, model.ErrTransientNetwork))
	assert.Equal(t, Error, r.State())
	assert.Len(t, peer.sinces, 3)
}

// stallingPeer holds FetchRevisions until release is closed.
type stallingPeer struct {
	Peer
	entered chan struct{}
	release chan struct{}
}

func (s *stallingPeer) FetchRevisions(ctx context.Context, docID string, revs, attsSince []model.RevID) ([]model.Branch, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Peer.FetchRevisions(ctx, docID, revs, attsSince)
}

func TestStopCommitsFetchedPage(t *testing.T) {
	for _, rps := range []float64{0, 1000} {
		t.Run(fmt.Sprintf("rps=%v", rps), func(t *testing.T) {
			ctx := context.Background()
			remote, local := newStore(t), newStore(t)
			_, err := remote.CreateOrUpdate(ctx, "only", model.RevID{}, body("n", 1), nil)
			require.NoError(t, err)

			opts := testOptions(Pull)
			opts.RequestsPerSecond = rps
			peer := &stallingPeer{Peer: NewLocalPeer(remote, nil), entered: make(chan struct{}, 1), release: make(chan struct{})}
			r, err := New(Config{Local: local, Remote: peer, Options: opts})
			require.NoError(t, err)
			require.NoError(t, r.Start())

			select {
			case <-peer.entered:
			case <-time.After(10 * time.Second):
				t.Fatal("fetch never started")
			}
			r.Stop()
			close(peer.release)

			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			require.NoError(t, r.Wait(waitCtx))
			assert.Equal(t, Stopped, r.State())

			_, err = local.Get(ctx, "only", model.RevID{})
			require.NoError(t, err, "fetched revision was written")
			last, err := remote.LastSequence(ctx)
			require.NoError(t, err)
			cp, err := LoadCheckpoint(ctx, local, r.ID())
			require.NoError(t, err)
			assert.Equal(t, FormatSeq(last), cp)
		})
	}
}

func TestStartStopSemantics(t *testing.T) {
	remote, local := newStore(t), newStore(t)

	r, err := New(Config{Local: local, Remote: NewLocalPeer(remote, nil), Options: testOptions(Pull)})
	require.NoError(t, err)
	assert.Equal(t, Pending, r.State())
	r.Stop()
	assert.Equal(t, Stopped, r.State())
	assert.NoError(t, r.Wait(context.Background()))
	assert.ErrorIs(t, r.Start(), ErrAlreadyStarted)

	r, err = New(Config{Local: local, Remote: NewLocalPeer(remote, nil), Options: testOptions(Pull)})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrAlreadyStarted)
	require.NoError(t, r.Wait(context.Background()))
	r.Stop()
	assert.Equal(t, Complete, r.State())
}

func TestContinuousPull(t *testing.T) {
	remote, local := newStore(t), newStore(t)
	ctx := context.Background()

	opts := testOptions(Pull)
	opts.Continuous = true
	r, err := New(Config{Local: local, Remote: NewLocalPeer(remote, nil), Options: opts})
	require.NoError(t, err)
	require.NoError(t, r.Start())

	_, err = remote.CreateOrUpdate(ctx, "late", model.RevID{}, body("v", 1), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := local.Get(ctx, "late", model.RevID{})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, r.IsActive())

	r.Stop()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(waitCtx))
	assert.Equal(t, Stopped, r.State())
}

func TestEventsOnDispatcher(t *testing.T) {
	remote, local := newStore(t), newStore(t)
	seed(t, remote)

	d := NewDispatcher()
	var (
		events  []Event
		running atomic.Int32
		overlap atomic.Bool
	)
	onEvent := func(ev Event) {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		events = append(events, ev)
		running.Add(-1)
	}

	a, err := New(Config{Local: local, Remote: NewLocalPeer(remote, nil), Options: testOptions(Pull), Dispatcher: d, OnEvent: onEvent})
	require.NoError(t, err)
	b, err := New(Config{Local: remote, Remote: NewLocalPeer(local, nil), Options: testOptions(Pull), Dispatcher: d, OnEvent: onEvent})
	require.NoError(t, err)
	require.NoError(t, runToEnd(t, a))
	require.NoError(t, runToEnd(t, b))
	d.Close()

	assert.False(t, overlap.Load())
	perReplicator := map[string][]State{}
	for _, ev := range events {
		perReplicator[ev.ReplicationID] = append(perReplicator[ev.ReplicationID], ev.State)
	}
	for _, r := range []*Replicator{a, b} {
		states := perReplicator[r.ID()]
		require.NotEmpty(t, states)
		assert.Equal(t, Started, states[0])
		assert.Equal(t, Complete, states[len(states)-1])
	}

	var last Progress
	for _, ev := range events {
		if ev.ReplicationID != a.ID() {
			continue
		}
		assert.GreaterOrEqual(t, ev.Progress.ChangesProcessed, last.ChangesProcessed)
		last = ev.Progress
	}
	assert.Equal(t, int64(8), last.ChangesProcessed)
}

func TestReplicationIDDependsOnFilter(t *testing.T) {
	base := ReplicationID("l", "r", Pull, Filter{})
	assert.NotEqual(t, base, ReplicationID("l", "r", Push, Filter{}))
	assert.NotEqual(t, base, ReplicationID("l", "r", Pull, Filter{Name: "f"}))
	assert.Equal(t,
		ReplicationID("l", "r", Pull, Filter{Name: "f", Params: map[string]string{"a": "1", "b": "2"}}),
		ReplicationID("l", "r", Pull, Filter{Name: "f", Params: map[string]string{"b": "2", "a": "1"}}),
	)
}

func TestOptionsValidation(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	o := DefaultOptions()
	o.BatchSize = 0
	assert.True(t, errors.Is(o.Validate(), model.ErrValidation))

	o = DefaultOptions()
	o.MaxBackoff = o.InitialBackoff / 2
	assert.Error(t, o.Validate())
}

func TestDispatcherKeepsOrder(t *testing.T) {
	d := NewDispatcher()
	var got []int
	for i := 0; i < 100; i++ {
		d.Post(func() { got = append(got, i) })
	}
	d.Close()
	d.Post(func() { got = append(got, -1) })

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.True(t, sort.IntsAreSorted(got))
	assert.Equal(t, want, got)
}
