// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package phys holds the on-disk structures of the pool: the super block,
// the per-TXG uberblock, data objects and the metadata log entries, together
// with their encodings and object store key layout. Everything in this
// package round-trips losslessly through its codec.
package phys

// Identifiers are opaque 64-bit integers with total order. They only ever
// grow; Next() yields id+1.

type PoolGUID uint64

type TXG uint64

func (t TXG) Next() TXG { return t + 1 }

type ObjectID uint64

func (o ObjectID) Next() ObjectID { return o + 1 }

type BlockID uint64

func (b BlockID) Next() BlockID { return b + 1 }

type ChunkID uint64

func (c ChunkID) Next() ChunkID { return c + 1 }

// LogOffset is a logical byte offset inside a block based log.
type LogOffset uint64
