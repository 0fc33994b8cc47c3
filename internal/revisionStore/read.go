package revisionStore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-sync/internal/blobStore"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Get returns the revision rev of docID, or the winner when rev is zero.
func (s *Store) Get(ctx context.Context, docID string, rev model.RevID) (model.Revision, error) {
	var out model.Revision
	err := s.read(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Get(docID, rev)
		return err
	})
	return out, err
}

func (s *Store) Leaves(ctx context.Context, docID string) ([]model.Revision, error) {
	var out []model.Revision
	err := s.read(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Leaves(docID)
		return err
	})
	return out, err
}

func (s *Store) ActiveLeaves(ctx context.Context, docID string) ([]model.Revision, error) {
	var out []model.Revision
	err := s.read(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ActiveLeaves(docID)
		return err
	})
	return out, err
}

// History walks from rev towards the root. The walk stops early where
// ancestors were never received.
func (s *Store) History(ctx context.Context, docID string, rev model.RevID) ([]model.Revision, error) {
	var out []model.Revision
	err := s.read(ctx, func(tx *Tx) error {
		t, err := tx.tree(docID)
		if err != nil {
			return err
		}
		cur, ok := t[rev.String()]
		if !ok {
			return fmt.Errorf("%w: revision %s of %q", model.ErrNotFound, rev, docID)
		}
		for {
			out = append(out, cur)
			if cur.Parent.IsZero() {
				return nil
			}
			if cur, ok = t[cur.Parent.String()]; !ok {
				return nil
			}
		}
	})
	return out, err
}

// docIDs lists every document id known to the store in id order.
func docIDs(txn *badger.Txn, descending bool) ([]string, error) {
	var ids []string
	err := keyValStore.IteratePrefix(txn, []byte(docSeqPrefix), true, func(k, _ []byte) error {
		ids = append(ids, strings.TrimPrefix(string(k), docSeqPrefix))
		return nil
	})
	if descending {
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	}
	return ids, err
}

// AllDocIDs returns the ids of all documents whose winner is not deleted.
func (s *Store) AllDocIDs(ctx context.Context) ([]string, error) {
	docs, err := s.AllDocuments(ctx, 0, 0, false)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.DocID
	}
	return ids, nil
}

// AllDocuments returns the winners of non-deleted documents ordered by id.
// A limit of zero means no limit.
func (s *Store) AllDocuments(ctx context.Context, offset, limit int, descending bool) ([]model.Revision, error) {
	var out []model.Revision
	err := s.read(ctx, func(tx *Tx) error {
		ids, err := docIDs(tx.txn, descending)
		if err != nil {
			return err
		}
		skipped := 0
		for _, id := range ids {
			if limit > 0 && len(out) >= limit {
				break
			}
			w, err := tx.Get(id, model.RevID{})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, w)
		}
		return nil
	})
	return out, err
}

// GetDocuments returns the winners of the given ids, skipping unknown and
// deleted documents.
func (s *Store) GetDocuments(ctx context.Context, ids []string) ([]model.Revision, error) {
	var out []model.Revision
	err := s.read(ctx, func(tx *Tx) error {
		for _, id := range ids {
			w, err := tx.Get(id, model.RevID{})
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, w)
		}
		return nil
	})
	return out, err
}

// DocCount counts documents whose winner is not deleted.
func (s *Store) DocCount(ctx context.Context) (int, error) {
	docs, err := s.AllDocuments(ctx, 0, 0, false)
	return len(docs), err
}

// ConflictedDocIDs lists documents with more than one active leaf.
func (s *Store) ConflictedDocIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.read(ctx, func(tx *Tx) error {
		ids, err := docIDs(tx.txn, false)
		if err != nil {
			return err
		}
		for _, id := range ids {
			active, err := tx.ActiveLeaves(id)
			if err != nil {
				return err
			}
			if len(active) > 1 {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

var errStop = errors.New("stop iteration")

// Change is one entry of the changes feed.
type Change struct {
	Seq     uint64
	DocID   string
	Leaves  []model.RevID // winner first
	Deleted bool          // the winner is deleted
}

// Changes returns up to limit documents changed after since, in sequence
// order, and the sequence to resume from. A limit of zero means no limit.
func (s *Store) Changes(ctx context.Context, since uint64, limit int) ([]Change, uint64, error) {
	var out []Change
	last := since
	err := s.read(ctx, func(tx *Tx) error {
		err := keyValStore.IteratePrefixFrom(tx.txn, []byte(seqPrefix), seqKey(since+1), false, func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return errStop
			}
			seq := binary.BigEndian.Uint64(k[len(seqPrefix):])
			docID := string(v)
			leaves, err := tx.Leaves(docID)
			if err != nil {
				return err
			}
			c := Change{Seq: seq, DocID: docID, Deleted: leaves[0].Deleted}
			for _, l := range leaves {
				c.Leaves = append(c.Leaves, l.RevID)
			}
			out = append(out, c)
			last = seq
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	})
	return out, last, err
}

// RevsDiffResult lists the revisions a peer offered that this store lacks,
// together with local revisions that may be their ancestors.
type RevsDiffResult struct {
	Missing           []model.RevID
	PossibleAncestors []model.RevID
}

// RevsDiff reports, per document, which of the offered revisions are unknown
// here. Documents with nothing missing are omitted.
func (s *Store) RevsDiff(ctx context.Context, offered map[string][]model.RevID) (map[string]RevsDiffResult, error) {
	out := make(map[string]RevsDiffResult)
	err := s.read(ctx, func(tx *Tx) error {
		for docID, revs := range offered {
			t, err := tx.tree(docID)
			if err != nil {
				return err
			}
			var res RevsDiffResult
			var maxGen uint64
			for _, r := range revs {
				if _, ok := t[r.String()]; ok {
					continue
				}
				res.Missing = append(res.Missing, r)
				maxGen = max(maxGen, r.Generation)
			}
			if len(res.Missing) == 0 {
				continue
			}
			for _, l := range leavesOf(t) {
				if l.Full && l.RevID.Generation < maxGen {
					res.PossibleAncestors = append(res.PossibleAncestors, l.RevID)
				}
			}
			sort.Slice(res.PossibleAncestors, func(i, j int) bool {
				return res.PossibleAncestors[i].Compare(res.PossibleAncestors[j]) > 0
			})
			out[docID] = res
		}
		return nil
	})
	return out, err
}

// OpenAttachment streams the payload of a stored attachment.
func (s *Store) OpenAttachment(_ context.Context, att model.Attachment) (io.ReadCloser, error) {
	key, err := blobStore.ParseDigest(att.Digest)
	if err != nil {
		return nil, err
	}
	return s.blobs.Open(key)
}

// AttachmentSource returns a source reading att from this store, for
// handing stored attachments to another store.
func (s *Store) AttachmentSource(att model.Attachment) model.StoreSource {
	return model.StoreSource{
		Digest: att.Digest,
		Length: att.Length,
		Opener: func(ctx context.Context) (io.ReadCloser, error) {
			return s.OpenAttachment(ctx, att)
		},
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
