// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import "errors"

var (
	// ErrNotInitialized is returned when a store operation runs before Open.
	ErrNotInitialized = errors.New("offline: store not initialized")

	// ErrNotFound is returned by Get when no record exists under the id.
	ErrNotFound = errors.New("offline: record not found")

	// ErrDuplicateKey is returned by Add when the id already exists in the collection.
	ErrDuplicateKey = errors.New("offline: duplicate record id")

	// ErrUnknownCollection is returned for collection names outside the fixed set.
	ErrUnknownCollection = errors.New("offline: unknown collection")

	// ErrUnknownIndex is returned for index names not declared on the collection.
	ErrUnknownIndex = errors.New("offline: unknown index")
)

// errDeferred marks a queue entry that cannot sync yet (its referenced create
// has not resolved). The drain leaves such entries pending without counting a
// failed attempt.
var errDeferred = errors.New("offline: entry deferred until create resolves")
