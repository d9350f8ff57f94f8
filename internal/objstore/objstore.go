// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objstore defines the contract the pool engine requires from an
// object storage backend. Blobs are immutable by convention: a key is
// written once with PutObject and never updated in place, only replaced
// wholesale or deleted. Anything implementing the ObjectStore interface can
// be used as a backend.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetObject when the key does not exist. For
// listing a missing prefix is an empty result, not an error.
var ErrNotFound = errors.New("objstore: object not found")

// ObjectInfo describes one object returned by a listing.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is the storage backend contract. Transient backend failures
// (throttling, 5xx) are retried inside the implementation and never surface
// to the caller.
type ObjectStore interface {
	// ObjectExists reports whether key is present.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// GetObject returns the full contents of key. Fails with ErrNotFound
	// if the key is absent.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// PutObject atomically creates or replaces key with data.
	PutObject(ctx context.Context, key string, data []byte) error

	// ListObjects returns all objects under prefix with keys greater than
	// startAfter, in lexicographic key order. An empty startAfter lists
	// the whole prefix.
	ListObjects(ctx context.Context, prefix, startAfter string) ([]ObjectInfo, error)

	// DeleteObjects removes the given keys, best effort. Missing keys are
	// not an error.
	DeleteObjects(ctx context.Context, keys []string) error
}
