package binaryCoder

import (
	"errors"
	"strings"
	"testing"

	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRevisionRecord(t *testing.T) {
	rev := model.Revision{
		DocID:    "foo",
		RevID:    model.MustParseRevID("2-bbb"),
		Parent:   model.MustParseRevID("1-aaa"),
		Sequence: 42,
		Full:     true,
		Body:     model.Object{{Name: "title", Value: model.String("hello")}, {Name: "n", Value: model.Int(3)}},
		Attachments: map[string]model.Attachment{
			"a.txt": {Name: "a.txt", ContentType: "text/plain", Length: 5, Digest: "sha256-xyz", RevPos: 1},
		},
	}

	data, err := RevisionToByte(rev)
	require.NoError(t, err)

	got, err := ByteToRevision("foo", data)
	require.NoError(t, err)
	assert.Equal(t, rev.RevID, got.RevID)
	assert.Equal(t, rev.Parent, got.Parent)
	assert.Equal(t, rev.Sequence, got.Sequence)
	assert.True(t, got.Full)
	assert.False(t, got.Deleted)
	assert.True(t, rev.Body.Equal(got.Body))
	assert.Equal(t, []string{"title", "n"}, got.Body.Names())
	assert.Equal(t, rev.Attachments, got.Attachments)
}

func TestLargeBodyIsCompressed(t *testing.T) {
	text := strings.Repeat("abcdefgh", 1000)
	rev := model.Revision{
		RevID: model.MustParseRevID("1-aaa"),
		Full:  true,
		Body:  model.Object{{Name: "text", Value: model.String(text)}},
	}

	data, err := RevisionToByte(rev)
	require.NoError(t, err)
	assert.Less(t, len(data), len(text)/2)

	got, err := ByteToRevision("doc", data)
	require.NoError(t, err)
	v, ok := got.Body.Get("text")
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, text, s)
}

func TestStubHasNoBody(t *testing.T) {
	rev := model.Revision{RevID: model.MustParseRevID("3-ccc"), Parent: model.MustParseRevID("2-bbb"), Deleted: true}
	data, err := RevisionToByte(rev)
	require.NoError(t, err)

	got, err := ByteToRevision("doc", data)
	require.NoError(t, err)
	assert.Nil(t, got.Body)
	assert.True(t, got.Deleted)
	assert.False(t, got.Full)
}

func TestCorruptRecord(t *testing.T) {
	_, err := ByteToRevision("doc", []byte{0x0a, 0xff})
	assert.True(t, errors.Is(err, model.ErrStorage))
}

func TestRecordProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.Uint64Range(1, 1<<40).Draw(t, "gen")
		digest := rapid.StringMatching(`[0-9a-f]{1,40}`).Draw(t, "digest")
		rev := model.Revision{
			RevID:    model.RevID{Generation: gen, Digest: digest},
			Deleted:  rapid.Bool().Draw(t, "deleted"),
			Sequence: rapid.Uint64().Draw(t, "seq"),
			Full:     true,
			Body:     model.Object{{Name: "v", Value: model.String(rapid.String().Draw(t, "v"))}},
		}
		data, err := RevisionToByte(rev)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := ByteToRevision("d", data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.RevID != rev.RevID || got.Deleted != rev.Deleted || got.Sequence != rev.Sequence || !got.Body.Equal(rev.Body) {
			t.Fatalf("mismatch: %+v vs %+v", got, rev)
		}
	})
}
