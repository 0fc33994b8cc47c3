package revisionStore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// CreateOrUpdate writes a new revision of docID. A zero parent creates the
// document; otherwise parent must be the current winner. Attachments with a
// Source are streamed into the blob store before the transaction starts.
func (s *Store) CreateOrUpdate(ctx context.Context, docID string, parent model.RevID, body model.Object, atts []model.Attachment) (model.Revision, error) {
	staged, done, err := s.StageAttachments(ctx, atts)
	if err != nil {
		return model.Revision{}, err
	}
	defer done()

	var rev model.Revision
	err = s.Update(ctx, func(tx *Tx) error {
		if !parent.IsZero() {
			leaves, err := tx.Leaves(docID)
			if err != nil {
				return err
			}
			if leaves[0].RevID != parent {
				return fmt.Errorf("%w: %s is not the current revision of %q", model.ErrConflict, parent, docID)
			}
		}
		var err error
		rev, err = tx.PutChild(docID, parent, false, body, staged)
		return err
	})
	if err != nil {
		return model.Revision{}, err
	}
	s.log.Debug("revision written", "doc", docID, "rev", rev.RevID.String(), "seq", rev.Sequence)
	return rev, nil
}

// Delete adds a deletion revision under the active leaf rev.
func (s *Store) Delete(ctx context.Context, docID string, rev model.RevID) (model.Revision, error) {
	var out model.Revision
	err := s.Update(ctx, func(tx *Tx) error {
		leaf, err := tx.Get(docID, rev)
		if err != nil {
			return err
		}
		if leaf.Deleted {
			return fmt.Errorf("%w: %s of %q is already deleted", model.ErrConflict, rev, docID)
		}
		out, err = tx.PutChild(docID, rev, true, nil, nil)
		return err
	})
	return out, err
}

// DeleteDocument deletes every active leaf of the document.
func (s *Store) DeleteDocument(ctx context.Context, docID string) ([]model.Revision, error) {
	var out []model.Revision
	err := s.Update(ctx, func(tx *Tx) error {
		active, err := tx.ActiveLeaves(docID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return fmt.Errorf("%w: document %q is deleted", model.ErrNotFound, docID)
		}
		for _, leaf := range active {
			rev, err := tx.PutChild(docID, leaf.RevID, true, nil, nil)
			if err != nil {
				return err
			}
			out = append(out, rev)
		}
		return nil
	})
	return out, err
}

// InsertBranch inserts one foreign branch; see InsertBranches.
func (s *Store) InsertBranch(ctx context.Context, docID string, revs []model.Revision) (int, error) {
	return s.InsertBranches(ctx, []model.Branch{{DocID: docID, Revisions: revs}})
}

// InsertBranches inserts whole branches in one transaction, skipping
// revisions that are already present. Attachment payloads are staged first.
// It returns the number of revisions written.
func (s *Store) InsertBranches(ctx context.Context, branches []model.Branch) (int, error) {
	type attRef struct {
		branch, rev int
		name        string
	}
	var all []model.Attachment
	var refs []attRef
	for bi, b := range branches {
		for ri, r := range b.Revisions {
			for name, a := range r.Attachments {
				if a.Source != nil {
					a.Name = name
					all = append(all, a)
					refs = append(refs, attRef{bi, ri, name})
				}
			}
		}
	}
	staged, done, err := s.StageAttachments(ctx, all)
	if err != nil {
		return 0, err
	}
	defer done()

	stagedAt := make(map[attRef]model.Attachment, len(refs))
	for i, ref := range refs {
		stagedAt[ref] = staged[i]
	}

	total := 0
	err = s.Update(ctx, func(tx *Tx) error {
		total = 0
		for bi, b := range branches {
			revs := make([]model.Revision, len(b.Revisions))
			for i, r := range b.Revisions {
				if len(r.Attachments) > 0 {
					atts := make(map[string]model.Attachment, len(r.Attachments))
					for name, a := range r.Attachments {
						if a.Source != nil {
							a = stagedAt[attRef{bi, i, name}]
						}
						atts[name] = a
					}
					r.Attachments = atts
				}
				revs[i] = r
			}
			n, err := tx.InsertBranch(b.DocID, revs)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// StageAttachments writes the payload of every attachment that carries a
// Source into the blob store and returns the attachments as stubs. The
// returned func must be called once the revisions referencing them have
// been committed; until then compaction is held off.
func (s *Store) StageAttachments(ctx context.Context, atts []model.Attachment) ([]model.Attachment, func(), error) {
	s.blobMu.RLock()
	done := sync.OnceFunc(s.blobMu.RUnlock)

	out := make([]model.Attachment, len(atts))
	for i, a := range atts {
		if a.Source == nil {
			out[i] = a
			continue
		}
		staged, err := s.stage(ctx, a)
		if err != nil {
			done()
			return nil, func() {}, err
		}
		out[i] = staged
	}
	return out, done, nil
}

func (s *Store) stage(ctx context.Context, a model.Attachment) (model.Attachment, error) {
	rc, err := a.Source.Open(ctx)
	if err != nil {
		return a, fmt.Errorf("attachment %q: %w", a.Name, err)
	}
	defer rc.Close()

	cr := &countingReader{r: rc}
	key, err := s.blobs.PutReader(ctx, cr)
	if err != nil {
		return a, fmt.Errorf("attachment %q: %w", a.Name, err)
	}
	if a.Digest != "" && a.Digest != key.Digest() {
		return a, fmt.Errorf("%w: attachment %q digest %s does not match content %s", model.ErrValidation, a.Name, a.Digest, key.Digest())
	}
	if declared := a.Source.Size(); declared > 0 && declared != cr.n {
		return a, fmt.Errorf("%w: attachment %q declared %d bytes, got %d", model.ErrValidation, a.Name, declared, cr.n)
	}
	a.Digest = key.Digest()
	a.Length = cr.n
	a.Source = nil
	return a, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
