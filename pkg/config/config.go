// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package config loads the per-subsystem settings a deployment tunes: CAS
// storage location, metadata store DSN, cache sizes and TTLs, resiliency
// thresholds. Defaults are applied in code before the TOML document is
// decoded over them, so a deployment only needs to override what it cares
// about.
package config

import (
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nexusfs/core/pkg/err"
)

var errPkg = err.New("config")

// CAS holds the L1 content-addressed blob store's settings.
type CAS struct {
	Root       string `toml:"root"`
	FsyncBlobs bool   `toml:"fsync_blobs"`
}

// Metadata holds the L2 metadata store's settings.
type Metadata struct {
	// DSN is a sqlite3 file path, or ":memory:" for a volatile store.
	DSN string `toml:"dsn"`
}

// Boundary holds the L8 permission-boundary cache's settings.
type Boundary struct {
	MaxSize int           `toml:"max_size"`
	TTL     time.Duration `toml:"ttl"`
}

// Leopard holds the L6 transitive-group-closure cache's settings.
type Leopard struct {
	CacheSize int64         `toml:"cache_size"`
	TTL       time.Duration `toml:"ttl"`
}

// Tiger holds the L7 permission-bitmap cache's settings.
type Tiger struct {
	MaxEntries     int    `toml:"max_entries"`
	StaleThreshold uint64 `toml:"stale_threshold"`
}

// Resiliency holds the L10 timeout/retry/circuit-breaker defaults applied
// to a target when no per-target binding overrides them.
type Resiliency struct {
	Timeout          time.Duration `toml:"timeout"`
	MaxRetries       int           `toml:"max_retries"`
	InitialWait      time.Duration `toml:"initial_wait"`
	MaxInterval      time.Duration `toml:"max_interval"`
	Multiplier       float64       `toml:"multiplier"`
	MaxElapsed       time.Duration `toml:"max_elapsed"`
	FailureThreshold int           `toml:"failure_threshold"`
	SuccessThreshold int           `toml:"success_threshold"`
	OpenTimeout      time.Duration `toml:"open_timeout"`
}

// Log holds the logger's output settings.
type Log struct {
	// Mode is "dev" (console) or "prod" (json).
	Mode string `toml:"mode"`
}

// Config is the full set of subsystem settings for one nexusfs core
// instance.
type Config struct {
	CAS        CAS        `toml:"cas"`
	Metadata   Metadata   `toml:"metadata"`
	Boundary   Boundary   `toml:"boundary"`
	Leopard    Leopard    `toml:"leopard"`
	Tiger      Tiger      `toml:"tiger"`
	Resiliency Resiliency `toml:"resiliency"`
	Log        Log        `toml:"log"`
}

// Default returns a Config with the defaults described in the DOMAIN
// STACK's cache/policy sections applied. Load starts from this and lets
// the TOML document override any field.
func Default() Config {
	return Config{
		CAS: CAS{
			Root:       "./data/cas",
			FsyncBlobs: true,
		},
		Metadata: Metadata{
			DSN: "./data/metadata.db",
		},
		Boundary: Boundary{
			MaxSize: 10000,
			TTL:     5 * time.Minute,
		},
		Leopard: Leopard{
			CacheSize: 10000,
			TTL:       5 * time.Minute,
		},
		Tiger: Tiger{
			MaxEntries:     1000,
			StaleThreshold: 5,
		},
		Resiliency: Resiliency{
			Timeout:          5 * time.Second,
			MaxRetries:       3,
			InitialWait:      time.Second,
			MaxInterval:      10 * time.Second,
			Multiplier:       2.0,
			MaxElapsed:       30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 3,
			OpenTimeout:      30 * time.Second,
		},
		Log: Log{Mode: "dev"},
	}
}

// Load decodes a TOML document from r over the defaults and returns the
// resulting Config.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, errPkg.Wrap(err, "error decoding toml data")
	}
	return cfg, nil
}

// LoadFile opens path and decodes it as in Load.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errPkg.Wrap(err, "error opening file")
	}
	defer f.Close()
	return Load(f)
}
