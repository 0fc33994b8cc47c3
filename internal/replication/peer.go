package replication

import (
	"context"
	"fmt"
	"strconv"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Change is one changes-feed entry of a peer.
type Change struct {
	Seq     string
	DocID   string
	Revs    []model.RevID // leaf revisions, winner first
	Deleted bool
}

// ChangesPage is one page of a changes feed. LastSeq is the token to resume
// from and equals the requested since when the feed is exhausted.
type ChangesPage struct {
	Changes []Change
	LastSeq string
}

// Diff lists offered revisions a peer is missing and leaves it already has
// that may be their ancestors.
type Diff struct {
	Missing           []model.RevID
	PossibleAncestors []model.RevID
}

// FilterFunc decides whether a document, given its winning revision, takes
// part in a replication.
type FilterFunc func(rev model.Revision, params map[string]string) bool

// Filter selects documents on the source side of a replication. Name refers
// to a filter registered with the source peer; Func is evaluated in-process
// and only works against a local source.
type Filter struct {
	Name   string
	Params map[string]string
	Func   FilterFunc
}

func (f Filter) IsZero() bool {
	return f.Name == "" && f.Func == nil && len(f.Params) == 0
}

// Peer is one side of a replication. Sequence tokens are opaque to the
// replicator and only meaningful to the peer that issued them.
type Peer interface {
	// ID identifies the peer across restarts.
	ID() string
	Changes(ctx context.Context, since string, limit int, filter Filter) (ChangesPage, error)
	RevsDiff(ctx context.Context, revs map[string][]model.RevID) (map[string]Diff, error)
	// FetchRevisions returns one branch per requested revision, oldest first.
	// Attachments the caller already holds through one of attsSince come
	// back as stubs.
	FetchRevisions(ctx context.Context, docID string, revs []model.RevID, attsSince []model.RevID) ([]model.Branch, error)
	// WriteRevisions inserts branches verbatim and returns how many
	// revisions were new.
	WriteRevisions(ctx context.Context, branches []model.Branch) (int, error)
}

// ParseSeq reads a sequence token issued by a LocalPeer. The empty token is
// the start of the feed.
func ParseSeq(token string) (uint64, error) {
	if token == "" || token == "0" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed sequence token %q", model.ErrValidation, token)
	}
	return seq, nil
}

func FormatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
