// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package phys

import (
	"fmt"
	"strconv"
	"strings"
)

// Object store key layout. All of a pool's blobs live under zfs/<guid>/.
// Data objects are sharded across NumDataPrefixes sub-prefixes keyed by
// object id so that recovery can list them in parallel and the backend's
// per-prefix rate limits spread out.

const NumDataPrefixes = 64

// SuperKey is the key of the pool's PoolPhys blob.
func SuperKey(guid PoolGUID) string {
	return fmt.Sprintf("zfs/%d/super", guid)
}

// UberblockKey is the key of the uberblock written by the given TXG.
func UberblockKey(guid PoolGUID, txg TXG) string {
	return fmt.Sprintf("zfs/%d/txg/%d", guid, txg)
}

// DataObjectKey is the key of a data object blob.
func DataObjectKey(guid PoolGUID, obj ObjectID) string {
	return fmt.Sprintf("zfs/%d/data/%03d/%d", guid, uint64(obj)%NumDataPrefixes, obj)
}

// DataPrefixes returns all data sub-prefixes of the pool, each ending in
// the '/' separator.
func DataPrefixes(guid PoolGUID) []string {
	prefixes := make([]string, NumDataPrefixes)
	for i := range prefixes {
		prefixes[i] = fmt.Sprintf("zfs/%d/data/%03d/", guid, i)
	}
	return prefixes
}

// ParseDataObjectKey extracts the ObjectID from a data object key as
// returned by a listing.
func ParseDataObjectKey(key string) (ObjectID, error) {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return 0, fmt.Errorf("malformed data object key %q: %w", key, ErrCorrupt)
	}
	obj, err := strconv.ParseUint(key[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed data object key %q: %v: %w", key, err, ErrCorrupt)
	}
	return ObjectID(obj), nil
}

// LogName returns the object-name prefix of one of the pool's object based
// logs, e.g. zfs/<guid>/StorageObjectLog.
func LogName(guid PoolGUID, log string) string {
	return fmt.Sprintf("zfs/%d/%s", guid, log)
}
