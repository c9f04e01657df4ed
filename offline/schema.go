// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

// Record is a schemaless document keyed by string attributes. Every record
// stored by the Local Store carries an "id" string and a "synced" bool.
type Record map[string]any

// Fixed collection names. The reserved syncQueue collection is backed by the
// _sync_queue table and is not reachable through the record CRUD surface.
const (
	CollectionVisits    = "visits"
	CollectionCustomers = "customers"
	CollectionChildren  = "children"
	CollectionPayments  = "payments"
	CollectionPackages  = "packages"
	CollectionSettings  = "settings"

	collectionSyncQueue = "syncQueue"
)

// collectionIndexes declares the secondary indexes maintained per collection.
// Index rows are rewritten on every record write from the attribute of the
// same name.
var collectionIndexes = map[string][]string{
	CollectionVisits:    {"customerId", "unitId", "checkOut"},
	CollectionCustomers: {"unitId"},
	CollectionChildren:  {"customerId"},
	CollectionPayments:  {"createdAt", "unitId"},
	CollectionPackages:  {"customerId", "expiresAt"},
	CollectionSettings:  nil,
}

// Collections returns the fixed set of record collections.
func Collections() []string {
	return []string{
		CollectionVisits,
		CollectionCustomers,
		CollectionChildren,
		CollectionPayments,
		CollectionPackages,
		CollectionSettings,
	}
}

func validCollection(name string) bool {
	_, ok := collectionIndexes[name]
	return ok
}

func hasIndex(collection, idx string) bool {
	for _, name := range collectionIndexes[collection] {
		if name == idx {
			return true
		}
	}
	return false
}

// schemaVersion gates local schema upgrades via PRAGMA user_version. Opening
// a store that was already upgraded by a newer build is tolerated.
const schemaVersion = 1
