package store

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/davidlazar/go-crypto/encoding/base32"
	"github.com/ipfs/go-datastore"
	flatfs "github.com/ipfs/go-ds-flatfs"
)

var ErrNoCredentials = errors.New("no credentials stored")

// Open opens (or creates) the on-disk store used by the daemon.
func Open(path string) (*flatfs.Datastore, error) {
	return flatfs.CreateOrOpen(path, flatfs.Prefix(1), false)
}

// makeKey produces a single-segment key that flatfs accepts.
func makeKey(t string, id string) datastore.Key {
	k1 := base32.EncodeToString([]byte(t + "-" + base64.RawURLEncoding.EncodeToString([]byte(id))))
	return datastore.NewKey(strings.ToUpper(k1))
}

func get(ctx context.Context, ds datastore.Read, key datastore.Key) ([]byte, bool, error) {
	b, err := ds.Get(ctx, key)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
