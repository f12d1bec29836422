// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewULID generates a new ULID.
func NewULID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseID parses an entity identifier received from the wire. Every id that
// crosses into the core goes through here before it can reach a room name or
// a store query; malformed input is rejected with INVALID_ID.
func ParseID(field, s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.Code(CodeInvalidID).
			With("field", field).
			With("value", s).
			Errorf("invalid identifier in %s", field)
	}
	return id, nil
}

// ParseIDs parses a slice of identifiers, failing on the first malformed one.
func ParseIDs(field string, in []string) ([]ulid.ULID, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]ulid.ULID, 0, len(in))
	for _, s := range in {
		id, err := ParseID(field, s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
