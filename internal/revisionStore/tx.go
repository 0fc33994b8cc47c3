package revisionStore

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-sync/internal/binaryCoder"
	"github.com/i5heu/ouroboros-sync/internal/blobStore"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Tx is a view of the revision trees inside one key-value transaction.
// Trees are loaded once per document and kept in step with the writes made
// through the Tx.
type Tx struct {
	s     *Store
	txn   *badger.Txn
	trees map[string]map[string]model.Revision
}

func newTx(s *Store, txn *badger.Txn) *Tx {
	return &Tx{s: s, txn: txn, trees: make(map[string]map[string]model.Revision)}
}

func (tx *Tx) tree(docID string) (map[string]model.Revision, error) {
	if t, ok := tx.trees[docID]; ok {
		return t, nil
	}
	t := make(map[string]model.Revision)
	prefix := docRevPrefix(docID)
	err := keyValStore.IteratePrefix(tx.txn, prefix, false, func(k, v []byte) error {
		rev, err := binaryCoder.ByteToRevision(docID, v)
		if err != nil {
			return fmt.Errorf("revision %s of %q: %w", k[len(prefix):], docID, err)
		}
		t[rev.RevID.String()] = rev
		return nil
	})
	if err != nil {
		return nil, err
	}
	tx.trees[docID] = t
	return t, nil
}

// Leaves returns every leaf of the document, winner first. NotFound when the
// document has no revisions.
func (tx *Tx) Leaves(docID string) ([]model.Revision, error) {
	t, err := tx.tree(docID)
	if err != nil {
		return nil, err
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("%w: document %q", model.ErrNotFound, docID)
	}
	return sortWinnerFirst(leavesOf(t)), nil
}

// ActiveLeaves returns the non-deleted leaves, winner first.
func (tx *Tx) ActiveLeaves(docID string) ([]model.Revision, error) {
	leaves, err := tx.Leaves(docID)
	if err != nil {
		return nil, err
	}
	active := leaves[:0:0]
	for _, l := range leaves {
		if !l.Deleted {
			active = append(active, l)
		}
	}
	return active, nil
}

// Get returns one revision, or the winner when rev is zero. A deleted winner
// is reported as NotFound.
func (tx *Tx) Get(docID string, rev model.RevID) (model.Revision, error) {
	if rev.IsZero() {
		leaves, err := tx.Leaves(docID)
		if err != nil {
			return model.Revision{}, err
		}
		if leaves[0].Deleted {
			return model.Revision{}, fmt.Errorf("%w: document %q is deleted", model.ErrNotFound, docID)
		}
		return leaves[0], nil
	}
	t, err := tx.tree(docID)
	if err != nil {
		return model.Revision{}, err
	}
	r, ok := t[rev.String()]
	if !ok {
		return model.Revision{}, fmt.Errorf("%w: revision %s of %q", model.ErrNotFound, rev, docID)
	}
	return r, nil
}

// PutChild adds a revision under parent, which must be a leaf of the
// document. A zero parent creates the document, or continues the deleted
// winner's branch when every leaf is deleted. Attachments must reference
// blobs that are already stored; unchanged ones keep the parent's revpos.
func (tx *Tx) PutChild(docID string, parent model.RevID, deleted bool, body model.Object, atts []model.Attachment) (model.Revision, error) {
	if err := model.ValidateDocID(docID); err != nil {
		return model.Revision{}, err
	}
	if err := model.ValidateBody(body); err != nil {
		return model.Revision{}, err
	}
	t, err := tx.tree(docID)
	if err != nil {
		return model.Revision{}, err
	}

	var parentRev *model.Revision
	leaves := leavesOf(t)
	if parent.IsZero() {
		if w, ok := model.Winner(leaves); ok {
			if !w.Deleted {
				return model.Revision{}, fmt.Errorf("%w: document %q already exists", model.ErrConflict, docID)
			}
			parentRev = &w
		}
	} else {
		p, ok := t[parent.String()]
		if !ok {
			return model.Revision{}, fmt.Errorf("%w: revision %s of %q", model.ErrNotFound, parent, docID)
		}
		if !isLeaf(t, parent) {
			return model.Revision{}, fmt.Errorf("%w: %s is not a leaf of %q", model.ErrConflict, parent, docID)
		}
		parentRev = &p
	}

	rev := model.Revision{
		DocID:   docID,
		Deleted: deleted,
		Body:    body,
		Full:    true,
	}
	if rev.Body == nil {
		rev.Body = model.Object{}
	}
	gen := uint64(1)
	if parentRev != nil {
		rev.Parent = parentRev.RevID
		gen = parentRev.RevID.Generation + 1
	}

	rev.Attachments, err = tx.resolveAttachments(parentRev, atts, gen)
	if err != nil {
		return model.Revision{}, err
	}
	digest, err := discriminator(rev.Parent, deleted, body, rev.Attachments)
	if err != nil {
		return model.Revision{}, err
	}
	rev.RevID = model.RevID{Generation: gen, Digest: digest}

	if existing, ok := t[rev.RevID.String()]; ok {
		return existing, nil
	}
	if err := tx.insert(&rev); err != nil {
		return model.Revision{}, err
	}
	if err := tx.bumpDoc(docID, rev.Sequence); err != nil {
		return model.Revision{}, err
	}
	return rev, nil
}

func (tx *Tx) resolveAttachments(parent *model.Revision, atts []model.Attachment, gen uint64) (map[string]model.Attachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	out := make(map[string]model.Attachment, len(atts))
	for _, a := range atts {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: attachment without a name", model.ErrValidation)
		}
		if _, dup := out[a.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate attachment %q", model.ErrValidation, a.Name)
		}
		if a.Source != nil {
			return nil, fmt.Errorf("%w: attachment %q has not been staged", model.ErrValidation, a.Name)
		}
		if parent != nil {
			if prev, ok := parent.Attachments[a.Name]; ok && prev.Digest == a.Digest {
				if a.ContentType == "" {
					a.ContentType = prev.ContentType
				}
				a.Length, a.Encoding, a.RevPos = prev.Length, prev.Encoding, prev.RevPos
				out[a.Name] = a
				continue
			}
		}
		if err := tx.requireBlob(a); err != nil {
			return nil, err
		}
		a.RevPos = gen
		out[a.Name] = a
	}
	return out, nil
}

func (tx *Tx) requireBlob(a model.Attachment) error {
	key, err := blobStore.ParseDigest(a.Digest)
	if err != nil {
		return fmt.Errorf("attachment %q: %w", a.Name, err)
	}
	ok, err := blobStore.HasInTxn(tx.txn, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: attachment %q references unknown blob %s", model.ErrValidation, a.Name, a.Digest)
	}
	return nil
}

// InsertBranch adds a root-to-leaf chain of foreign revisions verbatim.
// Revisions already in the tree are skipped. It returns the number of
// revisions written.
func (tx *Tx) InsertBranch(docID string, revs []model.Revision) (int, error) {
	if err := model.ValidateDocID(docID); err != nil {
		return 0, err
	}
	if len(revs) == 0 {
		return 0, fmt.Errorf("%w: empty branch for %q", model.ErrValidation, docID)
	}
	t, err := tx.tree(docID)
	if err != nil {
		return 0, err
	}

	inserted := 0
	var lastSeq uint64
	for i, r := range revs {
		if r.RevID.IsZero() {
			return inserted, fmt.Errorf("%w: branch of %q contains a revision without id", model.ErrValidation, docID)
		}
		if i > 0 {
			prev := revs[i-1].RevID
			if r.Parent.IsZero() {
				r.Parent = prev
			}
			if r.Parent != prev {
				return inserted, fmt.Errorf("%w: %s does not follow %s in branch of %q", model.ErrValidation, r.RevID, prev, docID)
			}
		}
		if !r.Parent.IsZero() {
			if r.RevID.Generation != r.Parent.Generation+1 {
				return inserted, fmt.Errorf("%w: generation of %s does not follow parent %s", model.ErrValidation, r.RevID, r.Parent)
			}
			if i == 0 {
				if _, ok := t[r.Parent.String()]; !ok {
					return inserted, fmt.Errorf("%w: parent %s of %s is missing in %q", model.ErrValidation, r.Parent, r.RevID, docID)
				}
			}
		}
		if _, ok := t[r.RevID.String()]; ok {
			continue
		}

		rev := model.Revision{
			DocID:   docID,
			RevID:   r.RevID,
			Parent:  r.Parent,
			Deleted: r.Deleted,
			Full:    r.Body != nil,
		}
		if rev.Full {
			if err := model.ValidateBody(r.Body); err != nil {
				return inserted, err
			}
			rev.Body = r.Body
			if len(r.Attachments) > 0 {
				rev.Attachments = make(map[string]model.Attachment, len(r.Attachments))
			}
			for name, a := range r.Attachments {
				if a.Source != nil {
					return inserted, fmt.Errorf("%w: attachment %q has not been staged", model.ErrValidation, name)
				}
				if err := tx.requireBlob(a); err != nil {
					return inserted, err
				}
				a.Name = name
				if a.RevPos == 0 {
					a.RevPos = r.RevID.Generation
				}
				rev.Attachments[name] = a
			}
		}
		if err := tx.insert(&rev); err != nil {
			return inserted, err
		}
		lastSeq = rev.Sequence
		inserted++
	}
	if inserted > 0 {
		if err := tx.bumpDoc(docID, lastSeq); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (tx *Tx) insert(rev *model.Revision) error {
	seq, err := tx.s.kv.NextSequence(tx.txn)
	if err != nil {
		return err
	}
	rev.Sequence = seq
	return tx.write(*rev)
}

// write stores rev as is, without assigning a sequence.
func (tx *Tx) write(rev model.Revision) error {
	data, err := binaryCoder.RevisionToByte(rev)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorage, err)
	}
	if err := tx.txn.Set(docKey(rev.DocID, rev.RevID), data); err != nil {
		return fmt.Errorf("%w: write revision: %v", model.ErrStorage, err)
	}
	if t, ok := tx.trees[rev.DocID]; ok {
		t[rev.RevID.String()] = rev
	}
	return nil
}

// bumpDoc moves the document's changes-feed entry to seq.
func (tx *Tx) bumpDoc(docID string, seq uint64) error {
	dk := []byte(docSeqPrefix + docID)
	old, err := keyValStore.Get(tx.txn, dk)
	switch {
	case err == nil:
		if err := tx.txn.Delete(seqKey(binary.BigEndian.Uint64(old))); err != nil {
			return fmt.Errorf("%w: %v", model.ErrStorage, err)
		}
	case !errors.Is(err, model.ErrNotFound):
		return err
	}
	if err := tx.txn.Set(seqKey(seq), []byte(docID)); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorage, err)
	}
	if err := tx.txn.Set(dk, keyValStore.EncodeUint64(seq)); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorage, err)
	}
	return nil
}

func leavesOf(t map[string]model.Revision) []model.Revision {
	parents := make(map[string]struct{}, len(t))
	for _, r := range t {
		if !r.Parent.IsZero() {
			parents[r.Parent.String()] = struct{}{}
		}
	}
	var leaves []model.Revision
	for id, r := range t {
		if _, ok := parents[id]; !ok {
			leaves = append(leaves, r)
		}
	}
	return leaves
}

func isLeaf(t map[string]model.Revision, rev model.RevID) bool {
	for _, r := range t {
		if r.Parent == rev {
			return false
		}
	}
	return true
}

func sortWinnerFirst(leaves []model.Revision) []model.Revision {
	model.SortRevisions(leaves)
	w, ok := model.Winner(leaves)
	if !ok {
		return leaves
	}
	for i, l := range leaves {
		if l.RevID == w.RevID {
			copy(leaves[1:i+1], leaves[:i])
			leaves[0] = w
			break
		}
	}
	return leaves
}

// discriminator derives the digest part of a new revision id from its
// content, so identical edits on different devices produce the same id.
func discriminator(parent model.RevID, deleted bool, body model.Object, atts map[string]model.Attachment) (string, error) {
	if !deleted && len(body) == 0 && len(atts) == 0 {
		return strings.ReplaceAll(uuid.NewString(), "-", ""), nil
	}
	h := sha1.New()
	h.Write([]byte(parent.String()))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	if body != nil {
		data, err := body.MarshalJSON()
		if err != nil {
			return "", fmt.Errorf("%w: body of new revision: %w", model.ErrValidation, err)
		}
		h.Write(data)
	}
	digests := make([]string, 0, len(atts))
	for name, a := range atts {
		digests = append(digests, name+"\x00"+a.Digest)
	}
	sort.Strings(digests)
	for _, d := range digests {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
