package revisionStore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-sync/internal/binaryCoder"
	"github.com/i5heu/ouroboros-sync/internal/blobStore"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

type CompactStats struct {
	Stripped     int // non-leaf revisions whose content was dropped
	BlobsRemoved int
}

// Compact drops body and attachments of every non-leaf revision and then
// removes blobs no remaining revision references. Stripping, the keep-set and
// the blob table cleanup commit in one transaction; attachment staging is
// held off meanwhile.
func (s *Store) Compact(ctx context.Context) (CompactStats, error) {
	if err := ctx.Err(); err != nil {
		return CompactStats{}, err
	}
	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	var stats CompactStats
	removed, err := s.blobs.SweepWith(func(txn *badger.Txn) (map[blobStore.Key]struct{}, error) {
		stats.Stripped = 0
		keep := make(map[blobStore.Key]struct{})
		var stripped []model.Revision

		var curDoc string
		cur := make(map[string]model.Revision)
		flush := func() error {
			if len(cur) == 0 {
				return nil
			}
			leaves := make(map[string]struct{})
			for _, l := range leavesOf(cur) {
				leaves[l.RevID.String()] = struct{}{}
			}
			for id, r := range cur {
				if _, leaf := leaves[id]; leaf {
					for _, a := range r.Attachments {
						key, err := blobStore.ParseDigest(a.Digest)
						if err != nil {
							return fmt.Errorf("%w: revision %s of %q: %v", model.ErrStorage, id, r.DocID, err)
						}
						keep[key] = struct{}{}
					}
					continue
				}
				if r.Full || r.Body != nil || len(r.Attachments) > 0 {
					r.Body, r.Attachments, r.Full = nil, nil, false
					stripped = append(stripped, r)
				}
			}
			cur = make(map[string]model.Revision)
			return nil
		}

		err := keyValStore.IteratePrefix(txn, []byte(docPrefix), false, func(k, v []byte) error {
			rest := k[len(docPrefix):]
			sep := bytes.IndexByte(rest, 0)
			if sep < 0 {
				return fmt.Errorf("%w: malformed revision key %q", model.ErrStorage, k)
			}
			docID := string(rest[:sep])
			if docID != curDoc {
				if err := flush(); err != nil {
					return err
				}
				curDoc = docID
			}
			rev, err := binaryCoder.ByteToRevision(docID, v)
			if err != nil {
				return err
			}
			cur[rev.RevID.String()] = rev
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := flush(); err != nil {
			return nil, err
		}

		tx := newTx(s, txn)
		for _, r := range stripped {
			if err := tx.write(r); err != nil {
				return nil, err
			}
		}
		stats.Stripped = len(stripped)
		return keep, nil
	})
	if err != nil {
		return CompactStats{}, err
	}
	stats.BlobsRemoved = removed
	s.log.Info("compaction finished", "stripped", stats.Stripped, "blobsRemoved", stats.BlobsRemoved)
	return stats, nil
}

// HoldBlobs runs fn while compaction is held off, so blob files referenced
// by a snapshot taken inside fn stay on disk until fn returns.
func (s *Store) HoldBlobs(fn func() error) error {
	s.blobMu.RLock()
	defer s.blobMu.RUnlock()
	return fn()
}
