package replication

import (
	"context"
	"fmt"
	"slices"

	"github.com/i5heu/ouroboros-sync/internal/revisionStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// LocalPeer serves a revision store in-process. It is the local side of
// every replication and backs the HTTP endpoint.
type LocalPeer struct {
	store   *revisionStore.Store
	filters map[string]FilterFunc
}

// NewLocalPeer wraps store. Named filters become available to Changes.
func NewLocalPeer(store *revisionStore.Store, filters map[string]FilterFunc) *LocalPeer {
	return &LocalPeer{store: store, filters: filters}
}

func (p *LocalPeer) ID() string { return p.store.UUID() }

func (p *LocalPeer) Store() *revisionStore.Store { return p.store }

func (p *LocalPeer) filterFunc(f Filter) (FilterFunc, error) {
	if f.Func != nil {
		return f.Func, nil
	}
	if f.Name == "" {
		return nil, nil
	}
	fn, ok := p.filters[f.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown filter %q", model.ErrNotFound, f.Name)
	}
	return fn, nil
}

func (p *LocalPeer) Changes(ctx context.Context, since string, limit int, filter Filter) (ChangesPage, error) {
	seq, err := ParseSeq(since)
	if err != nil {
		return ChangesPage{}, err
	}
	fn, err := p.filterFunc(filter)
	if err != nil {
		return ChangesPage{}, err
	}
	changes, last, err := p.store.Changes(ctx, seq, limit)
	if err != nil {
		return ChangesPage{}, err
	}

	page := ChangesPage{LastSeq: FormatSeq(last)}
	for _, c := range changes {
		if fn != nil {
			leaves, err := p.store.Leaves(ctx, c.DocID)
			if err != nil {
				return ChangesPage{}, err
			}
			if !fn(leaves[0], filter.Params) {
				continue
			}
		}
		page.Changes = append(page.Changes, Change{
			Seq:     FormatSeq(c.Seq),
			DocID:   c.DocID,
			Revs:    c.Leaves,
			Deleted: c.Deleted,
		})
	}
	return page, nil
}

func (p *LocalPeer) RevsDiff(ctx context.Context, revs map[string][]model.RevID) (map[string]Diff, error) {
	res, err := p.store.RevsDiff(ctx, revs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Diff, len(res))
	for id, r := range res {
		out[id] = Diff{Missing: r.Missing, PossibleAncestors: r.PossibleAncestors}
	}
	return out, nil
}

func (p *LocalPeer) FetchRevisions(ctx context.Context, docID string, revs []model.RevID, attsSince []model.RevID) ([]model.Branch, error) {
	out := make([]model.Branch, 0, len(revs))
	for _, rev := range revs {
		history, err := p.store.History(ctx, docID, rev)
		if err != nil {
			return nil, err
		}
		out = append(out, p.branch(docID, history, attsSince))
	}
	return out, nil
}

// branch turns a leaf-first history into an oldest-first branch. Ancestors
// travel as stubs; the leaf carries its body and the attachments the
// receiver cannot already have.
func (p *LocalPeer) branch(docID string, history []model.Revision, attsSince []model.RevID) model.Branch {
	var known uint64
	for _, h := range history {
		if slices.Contains(attsSince, h.RevID) {
			known = max(known, h.RevID.Generation)
		}
	}

	revs := make([]model.Revision, len(history))
	for i, h := range history {
		stub := model.Revision{DocID: docID, RevID: h.RevID, Parent: h.Parent, Deleted: h.Deleted}
		revs[len(history)-1-i] = stub
	}
	// The source may itself lack older ancestors.
	revs[0].Parent = model.RevID{}

	leaf := history[0]
	out := &revs[len(revs)-1]
	out.Body = leaf.Body
	if out.Body == nil {
		out.Body = model.Object{}
	}
	if len(leaf.Attachments) > 0 {
		out.Attachments = make(map[string]model.Attachment, len(leaf.Attachments))
		for name, a := range leaf.Attachments {
			if a.RevPos > known {
				a.Source = p.store.AttachmentSource(a)
			}
			out.Attachments[name] = a
		}
	}
	return model.Branch{DocID: docID, Revisions: revs}
}

func (p *LocalPeer) WriteRevisions(ctx context.Context, branches []model.Branch) (int, error) {
	return p.store.InsertBranches(ctx, branches)
}
