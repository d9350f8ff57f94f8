// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/bspool/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	GUID   uint64 `toml:"guid" env:"BSPOOL_GUID" env-default:"0" env-description:"Pool guid to open or create."`
	Name   string `toml:"name" env:"BSPOOL_NAME" env-default:"bspool" env-description:"Pool name used when creating."`
	Create bool   `toml:"create" env:"BSPOOL_CREATE" env-default:"false" env-description:"Create the pool if it does not exist."`
	Null   bool   `toml:"null" env:"BSPOOL_NULL" env-default:"false" env-description:"Use null backend, i.e. immediate acknowledge of every request. For benchmarking engine overhead."`

	S3 struct {
		Bucket    string `toml:"bucket" env:"BSPOOL_S3_BUCKET" env-description:"S3 Bucket name." env-default:"bspool"`
		Remote    string `toml:"remote" env:"BSPOOL_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"BSPOOL_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"BSPOOL_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"BSPOOL_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Pool struct {
		MaxObjectSize        int     `toml:"max_object_size" env:"BSPOOL_MAX_OBJECT_SIZE" env-description:"Data object payload limit in MB." env-default:"1"`
		FreeHighwaterPct     float64 `toml:"free_highwater_pct" env:"BSPOOL_FREE_HIGHWATER" env-description:"Start reclaiming when pending frees are this % of all blocks." env-default:"10"`
		FreeLowwaterPct      float64 `toml:"free_lowwater_pct" env:"BSPOOL_FREE_LOWWATER" env-description:"Stop reclaiming when pending frees drop to this % of all blocks." env-default:"9"`
		FreeMinBlocks        uint64  `toml:"free_min_blocks" env:"BSPOOL_FREE_MIN_BLOCKS" env-description:"Do not reclaim below this many pending frees." env-default:"1000"`
		LogCondenseMinChunks int     `toml:"log_condense_min_chunks" env:"BSPOOL_CONDENSE_MIN_CHUNKS" env-description:"Minimum metadata log chunks before condensing." env-default:"30"`
		LogCondenseMultiple  int     `toml:"log_condense_multiple" env:"BSPOOL_CONDENSE_MULTIPLE" env-description:"Condense when a log exceeds this multiple of its live content." env-default:"5"`
		ReclaimConcurrency   int64   `toml:"reclaim_concurrency" env:"BSPOOL_RECLAIM_CONCURRENCY" env-description:"Outstanding object rewrites during reclaim." env-default:"30"`
		ResumeConcurrency    int     `toml:"resume_concurrency" env:"BSPOOL_RESUME_CONCURRENCY" env-description:"Outstanding object reads during resume." env-default:"50"`
		DeleteBatch          int     `toml:"delete_batch" env:"BSPOOL_DELETE_BATCH" env-description:"Keys per background delete request." env-default:"900"`
	} `toml:"pool"`

	Log struct {
		Level  int  `toml:"level" env:"BSPOOL_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"BSPOOL_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Metrics     bool `toml:"metrics" env:"BSPOOL_METRICS" env-description:"Enable prometheus metrics listener." env-default:"false"`
	MetricsPort int  `toml:"metrics_port" env:"BSPOOL_METRICS_PORT" env-description:"Port for the metrics listener." env-default:"9090"`

	Profiler     bool `toml:"profiler" env:"BSPOOL_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"BSPOOL_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Pool.MaxObjectSize *= 1024 * 1024

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("bspool", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
