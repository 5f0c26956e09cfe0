// Package datastore wraps a BadgerDB-backed key/value store with a
// prefix-scan iteration surface (Iterator, Keys) that a plain get/put
// interface doesn't expose.
package datastore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
)

// Datastore is the storage substrate shared by the blockstore (content-
// addressed Structure/Definition nodes) and the CourseIndex collection
// (mutable, keyed by package_id). It intentionally does not expose
// transactions spanning multiple keys: every higher-level write is a
// single document at a time, per spec.
type Datastore interface {
	ds.Datastore
	ds.PersistentFeature

	// Iterator streams key/value pairs under prefix.
	Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error)

	// Keys streams keys under prefix without their values.
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
}

// KeyValue is one entry returned by Iterator.
type KeyValue struct {
	Key   ds.Key
	Value []byte
}

var _ ds.Datastore = (*datastorage)(nil)
var _ ds.PersistentDatastore = (*datastorage)(nil)

type datastorage struct {
	*badger4.Datastore
}

// NewDatastorage opens (or creates) a BadgerDB-backed datastore at path.
// opts may be nil to accept badger4's defaults.
func NewDatastorage(path string, opts *badger4.Options) (Datastore, error) {
	badgerDS, err := badger4.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &datastorage{Datastore: badgerDS}, nil
}

// Iterator streams key/value pairs under prefix.
func (s *datastorage) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: keysOnly,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KeyValue)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}
			}
		}
	}()

	return out, errc, nil
}

// Keys streams keys under prefix without their values.
func (s *datastorage) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: true,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ds.Key)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- ds.NewKey(res.Key)
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Close() error {
	return s.Datastore.Close()
}
