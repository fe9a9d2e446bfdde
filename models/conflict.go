// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Compare orders two versions of the same logical record. A positive result means
// a wins, negative means b wins, zero means both versions are identical.
//
// The order is lexicographic over (deleted, DeletedAt, ModifiedAt, has remote id,
// canonical JSON), which makes it total and transitive.
func Compare(a, b Record) int {
	if c := strings.Compare(string(a.Kind()), string(b.Kind())); c != 0 {
		return c
	}
	ca, cb := a.Common(), b.Common()
	if c := compareBool(ca.IsDeleted(), cb.IsDeleted()); c != 0 {
		return c
	}
	if ca.IsDeleted() {
		if c := ca.DeletedAt.Compare(*cb.DeletedAt); c != 0 {
			return c
		}
	}
	if c := ca.ModifiedAt.Compare(cb.ModifiedAt); c != 0 {
		return c
	}
	if c := compareBool(ca.HasRemoteID(), cb.HasRemoteID()); c != 0 {
		return c
	}
	return bytes.Compare(canonical(a), canonical(b))
}

// Resolve returns the winning version of a and b.
func Resolve(a, b Record) Record {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// IncomingWins reports whether an incoming version must replace the local one.
// Identical versions never replace each other.
func IncomingWins(local, incoming Record) bool {
	if local == nil {
		return true
	}
	return Compare(incoming, local) > 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

func canonical(r Record) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}
