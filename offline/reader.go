// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"time"
)

// RefreshEvent announces that a background refresh merged remote records
// into the Local Store. UI timers re-query on their own; this broadcast is
// best-effort.
type RefreshEvent struct {
	Collection string
	Count      int
}

// Updates is the "data updated" broadcast subscribers hook into after
// background refreshes complete.
func (e *Engine) Updates() *Bus[RefreshEvent] { return e.updates }

// ReadCached answers entirely from the Local Store: it returns immediately
// even while a background refresh is in flight, and never touches the remote
// store, so offline reads are always safe. A nil predicate returns the whole
// collection.
func (e *Engine) ReadCached(ctx context.Context, collection string, pred *Predicate) ([]Record, error) {
	var (
		records []Record
		err     error
	)
	if pred != nil && pred.Index != "" {
		records, err = e.store.GetAllByIndex(ctx, collection, pred.Index, pred.IndexValue)
	} else {
		records, err = e.store.GetAll(ctx, collection)
	}
	if err != nil {
		return nil, err
	}
	if pred == nil || pred.Match == nil {
		return records, nil
	}
	filtered := records[:0]
	for _, rec := range records {
		if pred.Match(rec) {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// RefreshInBackground opportunistically re-fetches the collection from the
// remote store and merges the results into the Local Store. It is
// fire-and-forget: the caller never waits, failures are logged and the stale
// cache keeps serving. Records with pending local edits are not overwritten.
// No-op while offline.
func (e *Engine) RefreshInBackground(collection string, pred *Predicate) {
	if !e.monitor.IsOnline() {
		return
	}
	var filters []Filter
	var order []Order
	if pred != nil {
		filters = pred.Filters
		order = pred.Order
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.RefreshTimeout)
		defer cancel()

		records, err := e.remote.QueryDocuments(ctx, collection, filters, order)
		if err != nil {
			e.logger.Debug("background refresh failed, serving cache",
				"collection", collection, "error", err)
			return
		}

		// The store writes below use a fresh context: the refresh deadline
		// covers the network call, not local persistence.
		mergeCtx, mergeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer mergeCancel()
		merged := 0
		for _, rec := range records {
			if err := e.store.UpsertSynced(mergeCtx, collection, rec); err != nil {
				e.logger.Warn("failed to merge refreshed record",
					"collection", collection, "error", err)
				continue
			}
			merged++
		}
		e.updates.Publish(RefreshEvent{Collection: collection, Count: merged})
	}()
}
