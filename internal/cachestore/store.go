// Package cachestore keeps named cache generations of origin responses.
//
// A Storage holds any number of generations, addressed by name and listed in
// creation order. Each generation (Cache) maps a request key, see
// fetchdto.Request.Key, to a stored response. Lookups return (nil, nil) on a
// miss.
package cachestore

import (
	"context"
	"errors"

	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

var (
	ErrEmptyName   = errors.New("cache name is empty")
	ErrNilResponse = errors.New("nil response")
)

type Storage interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists generation names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete drops a whole generation; false if it did not exist.
	Delete(ctx context.Context, name string) (bool, error)
	// Match searches every generation in creation order.
	Match(ctx context.Context, key string) (*fetchdto.Response, error)
	Close() error
}

type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (*fetchdto.Response, error)
	// Put stores resp under key, replacing any previous entry.
	Put(ctx context.Context, key string, resp *fetchdto.Response) error
	// AddAll stores every entry or none.
	AddAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	Response *fetchdto.Response
}

func validateEntries(entries []Entry) error {
	for _, e := range entries {
		if e.Response == nil {
			return ErrNilResponse
		}
	}
	return nil
}
