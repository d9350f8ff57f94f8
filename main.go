// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bspool is a userspace daemon running the transactional storage pool
// engine on top of an object store spoken to via the S3 protocol. The pool
// packs client blocks into immutable data objects, keeps its metadata in
// object based logs, and commits atomically per transaction group. It is
// designed for easy extension of all the important parts: the S3 protocol
// can be replaced by any other backend implementing the object store
// contract.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/pool contains the transactional engine: the TXG lifecycle,
// packing, reclaim, condense and crash resume, with its on-disk structures
// and in-memory maps in subpackages.
//
// - internal/objstore contains the object store contract with the s3,
// in-memory and null implementations. The null implementation does nothing
// but correctly and can be used for benchmarking the engine itself.
//
// - internal/config contains configuration package which is common for all
// backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/bspool/internal/config"
	"github.com/asch/bspool/internal/objstore"
	"github.com/asch/bspool/internal/objstore/null"
	"github.com/asch/bspool/internal/objstore/s3"
	"github.com/asch/bspool/internal/pool"
	"github.com/asch/bspool/internal/pool/phys"
)

// Parse configuration from file and environment variables, open (or create)
// the pool on the configured backend and keep it available until SIGINT or
// SIGTERM asks for a graceful stop.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}
	if config.Cfg.Metrics {
		runMetrics(config.Cfg.MetricsPort)
	}

	store, err := getObjectStore(config.Cfg.Null)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	ctx := context.Background()
	guid := phys.PoolGUID(config.Cfg.GUID)

	if config.Cfg.Create {
		err := pool.Create(ctx, store, config.Cfg.Name, guid)
		if err != nil && !errors.Is(err, pool.ErrExists) {
			log.Panic().Err(err).Send()
		}
	}

	p, ub, nextBlock, err := pool.Open(ctx, store, guid, tunablesFromConfig())
	if err != nil {
		log.Panic().Err(err).Send()
	}

	lastTXG := uint64(0)
	if ub != nil {
		lastTXG = uint64(ub.TXG)
	}
	log.Info().Uint64("guid", uint64(guid)).Uint64("last_txg", lastTXG).
		Uint64("next_block", uint64(nextBlock)).Msg("pool opened")

	waitForSignal()

	stats := p.Stats()
	log.Info().Uint64("blocks", stats.BlocksCount).Uint64("objects", stats.ObjectsCount).
		Msg("shutting down")
}

// Return null backend if user wants it, otherwise returns the s3 backend,
// which is default.
func getObjectStore(wantNullStore bool) (objstore.ObjectStore, error) {
	if wantNullStore {
		return null.NewNull(), nil
	}

	return s3.New(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		Bucket:    config.Cfg.S3.Bucket,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})
}

func tunablesFromConfig() pool.Tunables {
	tun := pool.DefaultTunables()
	tun.MaxBytesPerObject = uint32(config.Cfg.Pool.MaxObjectSize)
	tun.FreeHighwaterPct = config.Cfg.Pool.FreeHighwaterPct
	tun.FreeLowwaterPct = config.Cfg.Pool.FreeLowwaterPct
	tun.FreeMinBlocks = config.Cfg.Pool.FreeMinBlocks
	tun.LogCondenseMinChunks = config.Cfg.Pool.LogCondenseMinChunks
	tun.LogCondenseMultiple = config.Cfg.Pool.LogCondenseMultiple
	tun.ReclaimConcurrency = config.Cfg.Pool.ReclaimConcurrency
	tun.ResumeConcurrency = config.Cfg.Pool.ResumeConcurrency
	tun.DeleteBatch = config.Cfg.Pool.DeleteBatch
	return tun
}

// Block until SIGINT or SIGTERM comes in.
func waitForSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
	log.Info().Msg("Received interrupt, stopping pool daemon!")
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

// Serves the pool statistics as prometheus gauges.
func runMetrics(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), mux)).Send()
	}()
}
