package apiServer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/internal/testutil"
	"github.com/i5heu/ouroboros-sync/pkg/encoding"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *ouroboros.Manager {
	t.Helper()
	m, err := ouroboros.New(ouroboros.Config{
		Path:         t.TempDir(),
		Logger:       testutil.DiscardLogger(),
		BadgerLogger: testutil.QuietLogrus(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newServer(t *testing.T, m *ouroboros.Manager, opts ...Option) *httptest.Server {
	t.Helper()
	opts = append([]Option{WithLogger(testutil.DiscardLogger())}, opts...)
	srv := httptest.NewServer(New(m, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func datastore(t *testing.T, m *ouroboros.Manager, name string) *ouroboros.Datastore {
	t.Helper()
	ds, err := m.Datastore(name)
	require.NoError(t, err)
	return ds
}

func obj(kv ...string) model.Object {
	var o model.Object
	for i := 0; i+1 < len(kv); i += 2 {
		o = o.Set(kv[i], model.String(kv[i+1]))
	}
	return o
}

func seed(t *testing.T, ds *ouroboros.Datastore) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := ds.CreateOrUpdate(ctx, fmt.Sprintf("doc-%d", i), model.RevID{}, obj("kind", "plain"), nil)
		require.NoError(t, err)
	}
	r1, err := ds.CreateOrUpdate(ctx, "photo", model.RevID{}, obj("kind", "photo"), []model.Attachment{
		{Name: "img", ContentType: "image/png", Source: model.InMemorySource{Data: []byte("0123456789")}},
	})
	require.NoError(t, err)
	_, err = ds.CreateOrUpdate(ctx, "photo", r1.RevID, obj("kind", "photo", "title", "cat"), []model.Attachment{
		{Name: "img", Digest: r1.Attachments["img"].Digest},
	})
	require.NoError(t, err)

	_, err = ds.InsertBranch(ctx, "split", []model.Revision{
		{RevID: model.MustParseRevID("1-x"), Body: obj("v", "x")},
		{RevID: model.MustParseRevID("2-a"), Body: obj("v", "a")},
	})
	require.NoError(t, err)
	_, err = ds.InsertBranch(ctx, "split", []model.Revision{
		{RevID: model.MustParseRevID("2-b"), Parent: model.MustParseRevID("1-x"), Body: obj("v", "b")},
	})
	require.NoError(t, err)

	gone, err := ds.CreateOrUpdate(ctx, "gone", model.RevID{}, obj("kind", "plain"), nil)
	require.NoError(t, err)
	_, err = ds.Delete(ctx, "gone", gone.RevID)
	require.NoError(t, err)
}

// leafMap lists every document's leaves, deleted ones marked with a "~".
func leafMap(t *testing.T, ds *ouroboros.Datastore) map[string][]string {
	t.Helper()
	ctx := context.Background()
	ids, err := ds.AllDocIDs(ctx)
	require.NoError(t, err)
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		leaves, err := ds.Leaves(ctx, id)
		require.NoError(t, err)
		var revs []string
		for _, l := range leaves {
			s := l.RevID.String()
			if l.Deleted {
				s = "~" + s
			}
			revs = append(revs, s)
		}
		sort.Strings(revs)
		out[id] = revs
	}
	return out
}

func replicate(t *testing.T, ds *ouroboros.Datastore, url string, dir replication.Direction) *replication.Replicator {
	t.Helper()
	opts := replication.DefaultOptions()
	opts.Direction = dir
	opts.BatchSize = 3
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	r, err := ds.NewRemoteReplicator(url, opts, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	return r
}

func readAttachment(t *testing.T, ds *ouroboros.Datastore, docID, name string) string {
	t.Helper()
	ctx := context.Background()
	rev, err := ds.Get(ctx, docID, model.RevID{})
	require.NoError(t, err)
	rc, err := ds.OpenAttachment(ctx, rev.Attachments[name])
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestPushThenPullConverges(t *testing.T) {
	server := newManager(t)
	remote := datastore(t, server, "remote")
	srv := newServer(t, server)

	client := newManager(t)
	a := datastore(t, client, "a")
	b := datastore(t, client, "b")
	seed(t, a)

	push := replicate(t, a, srv.URL+"/remote", replication.Push)
	assert.Equal(t, replication.Complete, push.State())
	assert.Equal(t, int64(7), push.Progress().ChangesProcessed)
	assert.Equal(t, leafMap(t, a), leafMap(t, remote))
	assert.Equal(t, "0123456789", readAttachment(t, remote, "photo", "img"))

	pull := replicate(t, b, srv.URL+"/remote", replication.Pull)
	assert.Equal(t, replication.Complete, pull.State())
	assert.Equal(t, leafMap(t, a), leafMap(t, b))
	assert.Equal(t, "0123456789", readAttachment(t, b, "photo", "img"))

	conflicted, err := b.ConflictedDocIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"split"}, conflicted)

	// Nothing new on either side: a second push moves no revisions.
	seqBefore, err := remote.LastSequence(context.Background())
	require.NoError(t, err)
	replicate(t, a, srv.URL+"/remote", replication.Push)
	seqAfter, err := remote.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seqBefore, seqAfter)
}

func TestPullWithNamedFilter(t *testing.T) {
	server := newManager(t)
	remote := datastore(t, server, "remote")
	seed(t, remote)
	remote.RegisterFilter("by-kind", func(rev model.Revision, params map[string]string) bool {
		v, _ := rev.Body.Get("kind")
		s, _ := v.AsString()
		return s == params["kind"]
	})
	srv := newServer(t, server)

	local := datastore(t, newManager(t), "local")
	opts := replication.DefaultOptions()
	opts.Filter = replication.Filter{Name: "by-kind", Params: map[string]string{"kind": "photo"}}
	r, err := local.NewRemoteReplicator(srv.URL+"/remote", opts, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, r.Wait(context.Background()))

	ids, err := local.AllDocIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"photo"}, ids)
}

func TestUnknownRemoteDatastoreFails(t *testing.T) {
	srv := newServer(t, newManager(t))
	local := datastore(t, newManager(t), "local")
	opts := replication.DefaultOptions()
	r, err := local.NewRemoteReplicator(srv.URL+"/missing", opts, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	err = r.Wait(context.Background())
	assert.True(t, errors.Is(err, model.ErrNotFound), "%v", err)
	assert.Equal(t, replication.Error, r.State())
}

func TestAuthRejectionIsPermanent(t *testing.T) {
	server := newManager(t)
	datastore(t, server, "remote")
	srv := newServer(t, server, WithAuth(func(req *http.Request, _ *ouroboros.Manager) error {
		if _, pass, ok := req.BasicAuth(); ok && pass == "secret" {
			return nil
		}
		return errors.New("bad credentials")
	}))
	local := datastore(t, newManager(t), "local")

	opts := replication.DefaultOptions()
	r, err := local.NewRemoteReplicator(srv.URL+"/remote", opts, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	err = r.Wait(context.Background())
	assert.True(t, errors.Is(err, model.ErrAuthentication), "%v", err)

	withCreds := strings.Replace(srv.URL, "http://", "http://sync:secret@", 1) + "/remote"
	r, err = local.NewRemoteReplicator(withCreds, opts, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, replication.Complete, r.State())
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestDocumentEndpoints(t *testing.T) {
	m := newManager(t)
	srv := newServer(t, m)
	db := srv.URL + "/notes"

	resp, _ := do(t, http.MethodGet, db, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPut, db, "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, http.MethodPut, db, "", nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp, data := do(t, http.MethodPut, db+"/n1",
		`{"title":"hi","_attachments":{"t.txt":{"content_type":"text/plain","data":"aGVsbG8gd29ybGQ="}}}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var created editResponse
	require.NoError(t, json.Unmarshal(data, &created))
	assert.True(t, strings.HasPrefix(created.Rev, "1-"))

	resp, data = do(t, http.MethodGet, db+"/n1?revs=true", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc encoding.Document
	require.NoError(t, doc.UnmarshalJSON(data))
	assert.Equal(t, created.Rev, doc.Rev.String())
	assert.True(t, doc.Attachments["t.txt"].Stub)
	assert.Len(t, doc.Revisions, 1)

	resp, data = do(t, http.MethodGet, db+"/n1/t.txt", "", map[string]string{"Range": "bytes=6-"})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "world", string(data))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	resp, _ = do(t, http.MethodPut, db+"/n1", `{"title":"stale"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data = do(t, http.MethodPut, db+"/n1?rev="+created.Rev, `{"title":"second"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var second editResponse
	require.NoError(t, json.Unmarshal(data, &second))

	resp, data = do(t, http.MethodGet, db+"/_all_docs?include_docs=true", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all encoding.AllDocsResponse
	require.NoError(t, json.Unmarshal(data, &all))
	require.Len(t, all.Rows, 1)
	assert.Equal(t, second.Rev, all.Rows[0].Value.Rev.String())
	require.NotNil(t, all.Rows[0].Doc)

	resp, _ = do(t, http.MethodDelete, db+"/n1?rev="+second.Rev, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, db+"/n1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = do(t, http.MethodGet, db, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info encoding.DatabaseInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "notes", info.Name)
	assert.Equal(t, 0, info.DocCount)

	resp, data = do(t, http.MethodGet, srv.URL+"/_all_dbs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["notes"]`, string(data))

	resp, _ = do(t, http.MethodPut, srv.URL+"/Bad", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreflight(t *testing.T) {
	srv := newServer(t, newManager(t), WithAuth(func(*http.Request, *ouroboros.Manager) error {
		return errors.New("never")
	}))
	resp, _ := do(t, http.MethodOptions, srv.URL+"/x", "", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestParseByteRange(t *testing.T) {
	for header, want := range map[string][2]int{
		"bytes=0-3":   {0, 3},
		"bytes=4-":    {4, 9},
		"bytes=-2":    {8, 9},
		"bytes=5-100": {5, 9},
	} {
		start, end, err := parseByteRange(header, 10)
		require.NoError(t, err, header)
		assert.Equal(t, want, [2]int{start, end}, header)
	}
	for _, header := range []string{"bytes=10-", "items=0-1", "bytes=0-1,3-4", "bytes=3-1", "bytes=-"} {
		_, _, err := parseByteRange(header, 10)
		assert.Error(t, err, header)
	}
}
