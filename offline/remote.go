// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import "context"

// FilterOp is a remote query comparison operator.
type FilterOp string

const (
	FilterEq  FilterOp = "=="
	FilterLt  FilterOp = "<"
	FilterLte FilterOp = "<="
	FilterGt  FilterOp = ">"
	FilterGte FilterOp = ">="
)

// Filter is a single equality/range condition on one attribute.
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// Order is a single-field ordering directive.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// RemoteStore is the narrow surface the sync engine and the cache-first
// facade require from the cloud document store. Implementations must assign
// ids on create; the engine never invents remote ids.
type RemoteStore interface {
	CreateDocument(ctx context.Context, collection string, data Record) (string, error)
	UpdateDocument(ctx context.Context, collection, id string, partial Record) error
	DeleteDocument(ctx context.Context, collection, id string) error
	QueryDocuments(ctx context.Context, collection string, filters []Filter, order []Order) ([]Record, error)
}
