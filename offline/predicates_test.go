// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActiveVisitsPredicate(t *testing.T) {
	pred := ActiveVisits()

	cases := []struct {
		name   string
		rec    Record
		active bool
	}{
		{"no checkout key", Record{"customerId": "c1"}, true},
		{"nil checkout", Record{"checkOut": nil}, true},
		{"empty checkout", Record{"checkOut": ""}, true},
		{"checked out", Record{"checkOut": "2026-08-30T18:00:00Z"}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.active, pred.Match(tc.rec), tc.name)
	}

	require.Equal(t, []Filter{{Field: "checkOut", Op: FilterEq, Value: nil}}, pred.Filters)
}

func TestPaymentsOnPredicate(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	day := time.Date(2026, 8, 30, 15, 0, 0, 0, loc)
	pred := PaymentsOn(day, loc)

	cases := []struct {
		name      string
		createdAt string
		match     bool
	}{
		{"start of day inclusive", "2026-08-30T00:00:00-03:00", true},
		{"midday", "2026-08-30T13:45:00-03:00", true},
		{"end of day exclusive", "2026-08-31T00:00:00-03:00", false},
		{"previous day", "2026-08-29T23:59:59-03:00", false},
		{"late evening expressed in UTC", "2026-08-31T02:30:00Z", true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.match, pred.Match(Record{"createdAt": tc.createdAt}), tc.name)
	}

	// Missing or unparseable timestamps never match.
	require.False(t, pred.Match(Record{}))
	require.False(t, pred.Match(Record{"createdAt": "yesterday"}))

	require.Len(t, pred.Filters, 2)
	require.Equal(t, FilterGte, pred.Filters[0].Op)
	require.Equal(t, FilterLt, pred.Filters[1].Op)
	require.Equal(t, []Order{{Field: "createdAt", Desc: true}}, pred.Order)
}

func TestUnexpiredPackagesPredicate(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	pred := UnexpiredPackages(now)

	cases := []struct {
		name  string
		rec   Record
		match bool
	}{
		{"no expiry", Record{"hours": float64(10)}, true},
		{"nil expiry", Record{"expiresAt": nil}, true},
		{"future expiry", Record{"expiresAt": "2026-09-15T00:00:00Z"}, true},
		{"past expiry", Record{"expiresAt": "2026-08-01T00:00:00Z"}, false},
		{"expiry as time value", Record{"expiresAt": now.Add(time.Hour)}, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.match, pred.Match(tc.rec), tc.name)
	}

	require.Equal(t, []Filter{{Field: "expiresAt", Op: FilterGt, Value: now}}, pred.Filters)
}

func TestChildrenByCustomerPredicate(t *testing.T) {
	pred := ChildrenByCustomer("c1")
	require.Equal(t, "customerId", pred.Index)
	require.Equal(t, "c1", pred.IndexValue)
	require.True(t, pred.Match(Record{"customerId": "c1"}))
	require.False(t, pred.Match(Record{"customerId": "c2"}))
}

func TestLocalIDRoundTrip(t *testing.T) {
	id := NewLocalID()
	require.True(t, IsLocalID(id))
	require.False(t, IsLocalID("srv_12345"))

	other := NewLocalID()
	require.NotEqual(t, id, other)
}
