package store

import (
	"context"
	"fmt"

	"github.com/ipfs/go-datastore"
)

// CredentialStore keeps the single group/share pair this device holds.
type CredentialStore struct {
	ds datastore.Datastore
}

func NewCredentialStore(ds datastore.Datastore) *CredentialStore {
	return &CredentialStore{ds}
}

var (
	groupKey = makeKey("credential", "group")
	shareKey = makeKey("credential", "share")
)

func (s *CredentialStore) Save(ctx context.Context, group, share string) error {
	if err := s.ds.Put(ctx, groupKey, []byte(group)); err != nil {
		return fmt.Errorf("saving group credential: %w", err)
	}
	if err := s.ds.Put(ctx, shareKey, []byte(share)); err != nil {
		return fmt.Errorf("saving share credential: %w", err)
	}
	return s.ds.Sync(ctx, datastore.NewKey("/"))
}

func (s *CredentialStore) Load(ctx context.Context) (group string, share string, err error) {
	g, ok, err := get(ctx, s.ds, groupKey)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", ErrNoCredentials
	}
	sh, ok, err := get(ctx, s.ds, shareKey)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", ErrNoCredentials
	}
	return string(g), string(sh), nil
}

func (s *CredentialStore) Clear(ctx context.Context) error {
	for _, k := range []datastore.Key{groupKey, shareKey} {
		if err := s.ds.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
