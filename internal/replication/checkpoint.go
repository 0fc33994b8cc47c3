package replication

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-sync/internal/revisionStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const checkpointField = "lastSequence"

// ReplicationID names the checkpoint shared by every replication with the
// same endpoints, direction and filter.
func ReplicationID(localID, remoteID string, dir Direction, f Filter) string {
	h := sha1.New()
	for _, part := range []string{localID, remoteID, dir.String(), f.Name} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	keys := make([]string, 0, len(f.Params))
	for k := range f.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, f.Params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func checkpointDocID(replicationID string) string {
	return model.LocalDocPrefix + replicationID
}

// LoadCheckpoint returns the stored sequence token, or "" when the
// replication never committed a page.
func LoadCheckpoint(ctx context.Context, store *revisionStore.Store, replicationID string) (string, error) {
	body, err := store.GetLocal(ctx, checkpointDocID(replicationID))
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, ok := body.Get(checkpointField)
	if !ok {
		return "", nil
	}
	seq, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("%w: checkpoint %s is not a string", model.ErrStorage, replicationID)
	}
	return seq, nil
}

func SaveCheckpoint(ctx context.Context, store *revisionStore.Store, replicationID, seq string) error {
	body := model.Object{{Name: checkpointField, Value: model.String(seq)}}
	return store.PutLocal(ctx, checkpointDocID(replicationID), body)
}
