// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"context"

	"github.com/asch/bspool/internal/objstore"
)

// Null implementation of the ObjectStore contract. Every put and delete is
// an immediate acknowledge, every get and listing comes back empty. Useful
// for measuring the engine's own overhead without a backend; otherwise
// useless. It can also serve as a template for a new backend
// implementation since it implements the full interface.
type null struct {
}

var _ objstore.ObjectStore = (*null)(nil)

func NewNull() *null {
	return &null{}
}

func (n *null) ObjectExists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (n *null) GetObject(ctx context.Context, key string) ([]byte, error) {
	return nil, objstore.ErrNotFound
}

func (n *null) PutObject(ctx context.Context, key string, data []byte) error {
	return nil
}

func (n *null) ListObjects(ctx context.Context, prefix, startAfter string) ([]objstore.ObjectInfo, error) {
	return nil, nil
}

func (n *null) DeleteObjects(ctx context.Context, keys []string) error {
	return nil
}
