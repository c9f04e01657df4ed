// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"time"
)

// Predicate is a named, shared filter policy: Match evaluates it against the
// Local Store, Filters/Order express the same condition for the remote query
// builder. Keeping both derivations on one value stops the two from
// drifting. The local and remote evaluations can still disagree on clock or
// timezone boundaries; the cache-first result is allowed to be a
// superset/subset of the current remote result.
type Predicate struct {
	Name    string
	Match   func(Record) bool
	Filters []Filter
	Order   []Order

	// Optional index hint: when set, ReadCached narrows via
	// GetAllByIndex(Index, IndexValue) before applying Match.
	Index      string
	IndexValue any
}

// ActiveVisits matches visits with no checkout timestamp yet.
func ActiveVisits() *Predicate {
	return &Predicate{
		Name: "visits.active",
		Match: func(rec Record) bool {
			v, ok := rec["checkOut"]
			return !ok || v == nil || v == ""
		},
		Filters: []Filter{{Field: "checkOut", Op: FilterEq, Value: nil}},
	}
}

// VisitsByCustomer matches a customer's visits via the customerId index.
func VisitsByCustomer(customerID string) *Predicate {
	return &Predicate{
		Name:       "visits.byCustomer",
		Index:      "customerId",
		IndexValue: customerID,
		Match: func(rec Record) bool {
			id, _ := rec["customerId"].(string)
			return id == customerID
		},
		Filters: []Filter{{Field: "customerId", Op: FilterEq, Value: customerID}},
	}
}

// ChildrenByCustomer matches a customer's children via the customerId index.
func ChildrenByCustomer(customerID string) *Predicate {
	return &Predicate{
		Name:       "children.byCustomer",
		Index:      "customerId",
		IndexValue: customerID,
		Match: func(rec Record) bool {
			id, _ := rec["customerId"].(string)
			return id == customerID
		},
		Filters: []Filter{{Field: "customerId", Op: FilterEq, Value: customerID}},
	}
}

// PaymentsOn matches payments whose createdAt falls inside the calendar day
// of day in loc, newest first.
func PaymentsOn(day time.Time, loc *time.Location) *Predicate {
	if loc == nil {
		loc = time.Local
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return &Predicate{
		Name: "payments.onDay",
		Match: func(rec Record) bool {
			t, ok := recordTime(rec["createdAt"])
			if !ok {
				return false
			}
			return !t.Before(start) && t.Before(end)
		},
		Filters: []Filter{
			{Field: "createdAt", Op: FilterGte, Value: start},
			{Field: "createdAt", Op: FilterLt, Value: end},
		},
		Order: []Order{{Field: "createdAt", Desc: true}},
	}
}

// UnexpiredPackages matches packages whose expiresAt is absent or after now.
// The remote filter can only express "expiresAt > now", so packages without
// an expiry show up locally but not in the refreshed remote page; that is
// the documented staleness, not a bug.
func UnexpiredPackages(now time.Time) *Predicate {
	return &Predicate{
		Name: "packages.unexpired",
		Match: func(rec Record) bool {
			v, ok := rec["expiresAt"]
			if !ok || v == nil || v == "" {
				return true
			}
			t, ok := recordTime(v)
			if !ok {
				return true
			}
			return t.After(now)
		},
		Filters: []Filter{{Field: "expiresAt", Op: FilterGt, Value: now}},
	}
}

// recordTime coerces the time representations that survive a JSON round trip
// through the Local Store.
func recordTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
