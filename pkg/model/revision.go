package model

import (
	"fmt"
	"sort"
	"strings"
)

// LocalDocPrefix marks documents that never replicate, such as checkpoints.
const LocalDocPrefix = "_local/"

// Revision is one immutable version of a document.
type Revision struct {
	DocID       string
	RevID       RevID
	Parent      RevID
	Deleted     bool
	Body        Object
	Attachments map[string]Attachment
	// Sequence is assigned by the store when the revision is inserted.
	Sequence uint64
	// Full is false for metadata-only revisions, either compacted or
	// received as bare history during replication.
	Full bool
}

// IsRoot reports whether the revision has no parent.
func (r Revision) IsRoot() bool { return r.Parent.IsZero() }

// SortedAttachments returns the attachments ordered by name.
func (r Revision) SortedAttachments() []Attachment {
	out := make([]Attachment, 0, len(r.Attachments))
	for _, a := range r.Attachments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Branch is a root-to-leaf chain of revisions of one document, as carried by
// replication. Ancestors without a body are inserted as metadata stubs.
type Branch struct {
	DocID     string
	Revisions []Revision
}

// Leaf returns the last revision of the branch.
func (b Branch) Leaf() Revision {
	return b.Revisions[len(b.Revisions)-1]
}

// Winner picks the current revision among leaves: the greatest active leaf,
// or, when every leaf is deleted, the greatest deleted one.
func Winner(leaves []Revision) (Revision, bool) {
	var best Revision
	found, bestActive := false, false
	for _, l := range leaves {
		active := !l.Deleted
		switch {
		case !found:
		case active && !bestActive:
		case active == bestActive && l.RevID.Compare(best.RevID) > 0:
		default:
			continue
		}
		best, found, bestActive = l, true, active
	}
	return best, found
}

// SortRevisions orders revisions winner-first: generation descending, then
// digest descending.
func SortRevisions(revs []Revision) {
	sort.Slice(revs, func(i, j int) bool {
		return revs[i].RevID.Compare(revs[j].RevID) > 0
	})
}

// ValidateDocID rejects ids that cannot be stored or addressed.
func ValidateDocID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty document id", ErrValidation)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: document id contains NUL", ErrValidation)
	}
	if strings.HasPrefix(id, LocalDocPrefix) {
		return fmt.Errorf("%w: document id %q uses the local prefix", ErrValidation, id)
	}
	return nil
}

// ValidateBody rejects bodies with reserved top-level fields.
func ValidateBody(body Object) error {
	for _, f := range body {
		if strings.HasPrefix(f.Name, "_") {
			return fmt.Errorf("%w: reserved field %q in body", ErrValidation, f.Name)
		}
	}
	return nil
}
