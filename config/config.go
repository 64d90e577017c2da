// Copyright 2026 The Persipubsub Authors
// This file is part of Persipubsub.
//
// Persipubsub is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Persipubsub is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Persipubsub. If not, see <http://www.gnu.org/licenses/>.

// Package config holds the immutable value objects that parameterize a
// queue: the high-water mark and the eviction strategy. Both are
// written once by Control.Init and take effect only on the next Queue
// open — there is no dynamic reconfiguration of a live queue.
package config

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"

	"github.com/persipubsub/persipubsub/errs"
)

// Strategy selects which end of the meta_db key range prune_half_of_messages
// drops from.
type Strategy string

const (
	// PruneFirst drops the lexicographically smallest ids.
	PruneFirst Strategy = "PRUNE_FIRST"
	// PruneLast drops the lexicographically largest ids.
	PruneLast Strategy = "PRUNE_LAST"
)

// Valid reports whether s is one of the two recognized strategies.
func (s Strategy) Valid() bool {
	return s == PruneFirst || s == PruneLast
}

// HighWaterMark bounds retention: a queue is pruned once it has
// MaxMessages entries or HwmDBSize of approximate data, whichever
// trips first.
type HighWaterMark struct {
	MessageTimeout time.Duration
	MaxMessages    uint64
	HwmDBSize      datasize.ByteSize
}

// Default high-water-mark values, matching the original implementation.
const (
	DefaultMessageTimeout = 500 * time.Second
	DefaultMaxMessages    = 65536
)

// DefaultHwmDBSize is 30 GiB, the original implementation's default.
var DefaultHwmDBSize = 30 * datasize.GB

// Defaults returns the spec-documented default HighWaterMark.
func Defaults() HighWaterMark {
	return HighWaterMark{
		MessageTimeout: DefaultMessageTimeout,
		MaxMessages:    DefaultMaxMessages,
		HwmDBSize:      DefaultHwmDBSize,
	}
}

// Validate enforces the PreconditionViolated invariants a HighWaterMark
// must satisfy before it can be written by Control.
func (h HighWaterMark) Validate() error {
	if h.MessageTimeout <= 0 {
		return errs.New(errs.PreconditionViolated, "message timeout must be positive, got %s", h.MessageTimeout)
	}
	if h.MaxMessages == 0 {
		return errs.New(errs.PreconditionViolated, "max messages must be positive")
	}
	if h.HwmDBSize == 0 {
		return errs.New(errs.PreconditionViolated, "hwm db size must be positive")
	}
	return nil
}

// file is the on-disk shape of an optional TOML defaults file; the
// timeout and size fields are strings so operators can write "30GB" /
// "500s" rather than raw integers.
type file struct {
	MessageTimeout string `toml:"message_timeout"`
	MaxMessages    uint64 `toml:"max_messages"`
	HwmDBSize      string `toml:"hwm_db_size"`
	Strategy       string `toml:"strategy"`
}

// LoadFile reads a TOML defaults file and returns the HighWaterMark and
// Strategy it describes. It is purely an ambient convenience for
// pinning defaults outside of source; it is never consulted by an
// already-open Queue.
func LoadFile(path string) (HighWaterMark, Strategy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HighWaterMark{}, "", errs.Wrap(errs.Storage, err, "reading config file %q", path)
	}

	var f file
	if err := toml.Unmarshal(raw, &f); err != nil {
		return HighWaterMark{}, "", errs.Wrap(errs.Encoding, err, "parsing config file %q", path)
	}

	hwm := Defaults()
	if f.MessageTimeout != "" {
		d, err := time.ParseDuration(f.MessageTimeout)
		if err != nil {
			return HighWaterMark{}, "", errs.Wrap(errs.Encoding, err, "parsing message_timeout %q", f.MessageTimeout)
		}
		hwm.MessageTimeout = d
	}
	if f.MaxMessages != 0 {
		hwm.MaxMessages = f.MaxMessages
	}
	if f.HwmDBSize != "" {
		var bs datasize.ByteSize
		if err := bs.UnmarshalText([]byte(f.HwmDBSize)); err != nil {
			return HighWaterMark{}, "", errs.Wrap(errs.Encoding, err, "parsing hwm_db_size %q", f.HwmDBSize)
		}
		hwm.HwmDBSize = bs
	}

	strategy := PruneFirst
	if f.Strategy != "" {
		strategy = Strategy(f.Strategy)
		if !strategy.Valid() {
			return HighWaterMark{}, "", errs.New(errs.PreconditionViolated, "unknown strategy %q", f.Strategy)
		}
	}

	return hwm, strategy, nil
}
