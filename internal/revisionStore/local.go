package revisionStore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Local documents are plain bodies without revision history. They never
// appear in the changes feed and are not replicated.

func localKey(id string) ([]byte, error) {
	id = strings.TrimPrefix(id, model.LocalDocPrefix)
	if id == "" {
		return nil, fmt.Errorf("%w: empty local document id", model.ErrValidation)
	}
	return []byte(localPrefix + id), nil
}

func (s *Store) GetLocal(ctx context.Context, id string) (model.Object, error) {
	key, err := localKey(id)
	if err != nil {
		return nil, err
	}
	var body model.Object
	err = s.view(ctx, func(txn *badger.Txn) error {
		data, err := keyValStore.Get(txn, key)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: local document %q", model.ErrNotFound, id)
			}
			return err
		}
		return body.UnmarshalJSON(data)
	})
	return body, err
}

func (s *Store) PutLocal(ctx context.Context, id string, body model.Object) error {
	key, err := localKey(id)
	if err != nil {
		return err
	}
	data, err := body.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return s.Update(ctx, func(tx *Tx) error {
		return tx.txn.Set(key, data)
	})
}

func (s *Store) DeleteLocal(ctx context.Context, id string) error {
	key, err := localKey(id)
	if err != nil {
		return err
	}
	return s.Update(ctx, func(tx *Tx) error {
		if _, err := keyValStore.Get(tx.txn, key); err != nil {
			return err
		}
		return tx.txn.Delete(key)
	})
}
