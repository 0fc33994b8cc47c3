package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-sync/internal/config"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicationOptions(t *testing.T) {
	rc := config.Default().Replication
	rc.BatchSize = 7
	rc.RequestsPerSecond = 2.5
	rc.Headers = map[string]string{"x-team": "sync"}

	opts := replicationOptions(rc, replication.Push)
	assert.Equal(t, replication.Push, opts.Direction)
	assert.Equal(t, 7, opts.BatchSize)
	assert.Equal(t, 2.5, opts.RequestsPerSecond)
	assert.Equal(t, 30*time.Second, opts.RequestTimeout)
	assert.Equal(t, "sync", opts.Headers.Get("X-Team"))
	require.NoError(t, opts.Validate())
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"kind=photo", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"kind": "photo", "empty": ""}, params)

	_, err = parseParams([]string{"novalue"})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestParseAttachments(t *testing.T) {
	atts, err := parseAttachments([]string{"cover=/tmp/cover.png", "raw=/tmp/blob"})
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, "image/png", atts[0].ContentType)
	assert.Equal(t, model.FileSource{Path: "/tmp/cover.png"}, atts[0].Source)
	assert.Equal(t, "application/octet-stream", atts[1].ContentType)

	_, err = parseAttachments([]string{"=x"})
	assert.Error(t, err)
}

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	// Flag variables outlive a single Execute.
	docRev, docFile, docAttach, docRevs = "", "-", nil, false
	resolveAll, resolveKeep = false, ""
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	require.NoError(t, rootCmd.Execute(), strings.Join(args, " "))
	return out.String()
}

func TestCommandsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--config", filepath.Join(dir, "absent.yaml"), "--data", filepath.Join(dir, "data"), "--log-level", "error"}
	cmd := func(args ...string) []string { return append(args, common...) }

	att := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(att, []byte("attached"), 0o600))

	rev1 := strings.TrimSpace(run(t, `{"title":"first"}`, cmd("put", "notes", "n1", "-a", "note="+att)...))
	assert.True(t, strings.HasPrefix(rev1, "1-"), rev1)
	rev2 := strings.TrimSpace(run(t, `{"title":"second"}`, cmd("put", "notes", "n1", "--rev", rev1)...))
	assert.True(t, strings.HasPrefix(rev2, "2-"), rev2)

	got := run(t, "", cmd("get", "notes", "n1", "--revs")...)
	assert.Contains(t, got, `"second"`)
	assert.Contains(t, got, `"note"`)

	assert.Equal(t, "notes\n", run(t, "", cmd("list")...))

	archive := filepath.Join(dir, "notes.xz")
	run(t, "", cmd("backup", "notes", archive)...)
	out := run(t, "", cmd("restore", "copy", archive)...)
	assert.Contains(t, out, "restored copy: 1 attachments")
	assert.Contains(t, run(t, "", cmd("get", "copy", "n1")...), rev2)

	del := strings.TrimSpace(run(t, "", cmd("delete", "notes", "n1", "--rev", rev2)...))
	assert.True(t, strings.HasPrefix(del, "3-"), del)
	assert.Contains(t, run(t, "", cmd("compact", "notes")...), "stripped")
	assert.Equal(t, "", run(t, "", cmd("conflicts", "notes")...))
}
