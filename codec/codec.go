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

// Package codec converts between the fixed-width byte encodings stored
// in the KV store and Go native values: 8-byte big-endian for counts
// and timestamps, UTF-8 for identifiers and strategy names.
package codec

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/persipubsub/persipubsub/errs"
)

// Width is the fixed byte length of an encoded uint64.
const Width = 8

// IntToBytes encodes v as an 8-byte big-endian byte string.
func IntToBytes(v uint64) []byte {
	b := make([]byte, Width)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// BytesToInt decodes an 8-byte big-endian byte string into a uint64.
// It fails with errs.Encoding if b is not exactly Width bytes long.
func BytesToInt(b []byte) (uint64, error) {
	if len(b) != Width {
		return 0, errs.New(errs.Encoding, "expected %d bytes, got %d", Width, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// StrToBytes encodes s as UTF-8 bytes.
func StrToBytes(s string) []byte {
	return []byte(s)
}

// BytesToStr decodes UTF-8 bytes into a string. It fails with
// errs.Encoding if b is not valid UTF-8.
func BytesToStr(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", errs.New(errs.Encoding, "invalid UTF-8 byte sequence")
	}
	return string(b), nil
}
