// Package conflict finds documents with more than one active leaf and
// settles them with a caller-supplied policy.
//
// A Resolver must not call back into the same store from inside Resolve;
// this is not checked.
package conflict

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-sync/internal/revisionStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

type decisionKind int

const (
	noDecision decisionKind = iota
	choose
	merge
)

// Decision is what a Resolver returns.
type Decision struct {
	kind        decisionKind
	winner      model.RevID
	body        model.Object
	attachments []model.Attachment
}

// NoDecision leaves the document conflicted.
func NoDecision() Decision { return Decision{kind: noDecision} }

// Choose keeps rev, which must be one of the active leaves.
func Choose(rev model.RevID) Decision { return Decision{kind: choose, winner: rev} }

// Merge writes a new revision with body and attachments on top of parent,
// which must be one of the active leaves.
func Merge(parent model.RevID, body model.Object, atts []model.Attachment) Decision {
	return Decision{kind: merge, winner: parent, body: body, attachments: atts}
}

// Resolver decides a conflicted document. It receives the active leaves,
// winner first.
type Resolver interface {
	Resolve(docID string, leaves []model.Revision) Decision
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(docID string, leaves []model.Revision) Decision

func (f ResolverFunc) Resolve(docID string, leaves []model.Revision) Decision {
	return f(docID, leaves)
}

// PickWinner is a Resolver that keeps the current winner.
var PickWinner = ResolverFunc(func(_ string, leaves []model.Revision) Decision {
	return Choose(leaves[0].RevID)
})

type Resolution struct {
	store *revisionStore.Store
	log   *slog.Logger
}

func New(store *revisionStore.Store, log *slog.Logger) *Resolution {
	if log == nil {
		log = slog.Default()
	}
	return &Resolution{store: store, log: log.With("component", "conflict")}
}

// ListConflictedDocIDs returns every document with more than one active leaf.
func (r *Resolution) ListConflictedDocIDs(ctx context.Context) ([]string, error) {
	return r.store.ConflictedDocIDs(ctx)
}

// Resolve asks resolver about docID and applies its decision in a single
// transaction: every losing leaf gets a deletion child and a merged body, if
// any, is written on top of the chosen parent. It reports whether the store
// changed. If the leaves change while the resolver runs, Resolve fails with
// ErrConflict and nothing is written.
func (r *Resolution) Resolve(ctx context.Context, docID string, resolver Resolver) (bool, error) {
	leaves, err := r.store.ActiveLeaves(ctx, docID)
	if err != nil {
		return false, err
	}
	if len(leaves) < 2 {
		return false, nil
	}

	d := resolver.Resolve(docID, cloneRevisions(leaves))
	if d.kind == noDecision {
		r.log.Debug("resolver made no decision", "doc", docID)
		return false, nil
	}
	if !containsRev(leaves, d.winner) {
		return false, fmt.Errorf("%w: %s is not an active leaf of %q", model.ErrValidation, d.winner, docID)
	}

	atts := d.attachments
	done := func() {}
	if d.kind == merge {
		atts, done, err = r.store.StageAttachments(ctx, d.attachments)
		if err != nil {
			return false, err
		}
	}
	defer done()

	err = r.store.Update(ctx, func(tx *revisionStore.Tx) error {
		current, err := tx.ActiveLeaves(docID)
		if err != nil {
			return err
		}
		if !sameLeaves(current, leaves) {
			return fmt.Errorf("%w: leaves of %q changed during resolution", model.ErrConflict, docID)
		}
		for _, l := range current {
			if l.RevID == d.winner {
				continue
			}
			if _, err := tx.PutChild(docID, l.RevID, true, nil, nil); err != nil {
				return err
			}
		}
		if d.kind == merge {
			if _, err := tx.PutChild(docID, d.winner, false, d.body, atts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	r.log.Info("conflict resolved", "doc", docID, "winner", d.winner.String(), "merged", d.kind == merge)
	return true, nil
}

// ResolveAll runs Resolve for every conflicted document and returns how many
// were settled.
func (r *Resolution) ResolveAll(ctx context.Context, resolver Resolver) (int, error) {
	ids, err := r.ListConflictedDocIDs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		changed, err := r.Resolve(ctx, id, resolver)
		if err != nil {
			return n, fmt.Errorf("resolve %q: %w", id, err)
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func containsRev(revs []model.Revision, id model.RevID) bool {
	for _, r := range revs {
		if r.RevID == id {
			return true
		}
	}
	return false
}

func sameLeaves(a, b []model.Revision) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].RevID != b[i].RevID {
			return false
		}
	}
	return true
}

func cloneRevisions(revs []model.Revision) []model.Revision {
	out := make([]model.Revision, len(revs))
	for i, r := range revs {
		r.Body = r.Body.Clone()
		if r.Attachments != nil {
			atts := make(map[string]model.Attachment, len(r.Attachments))
			for k, v := range r.Attachments {
				atts[k] = v
			}
			r.Attachments = atts
		}
		out[i] = r
	}
	return out
}
