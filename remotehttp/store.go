// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotehttp implements offline.RemoteStore against a JSON-over-HTTP
// document service: documents are created, patched, and deleted under
// /collections/<name>/documents, and queried with equality/range filters
// plus single-field ordering via /collections/<name>/query.
package remotehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/enderxdxd/flexkids-sync/offline"
)

// TokenFunc supplies the bearer token per request.
type TokenFunc func(ctx context.Context) (string, error)

// Store is an HTTP client for the remote document store.
type Store struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// New returns a store for the given base URL. A nil token func sends
// unauthenticated requests.
func New(baseURL string, token TokenFunc) *Store {
	return &Store{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type createResponse struct {
	ID string `json:"id"`
}

type queryRequest struct {
	Filters []offline.Filter `json:"filters,omitempty"`
	Order   []offline.Order  `json:"order,omitempty"`
}

type queryResponse struct {
	Documents []offline.Record `json:"documents"`
}

// CreateDocument posts the document and returns the server-assigned id.
func (s *Store) CreateDocument(ctx context.Context, collection string, data offline.Record) (string, error) {
	url := fmt.Sprintf("%s/collections/%s/documents", s.BaseURL, collection)
	var out createResponse
	if err := s.do(ctx, http.MethodPost, url, data, &out); err != nil {
		return "", fmt.Errorf("create in %s failed: %w", collection, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create in %s returned no id", collection)
	}
	return out.ID, nil
}

// UpdateDocument patches the document under id.
func (s *Store) UpdateDocument(ctx context.Context, collection, id string, partial offline.Record) error {
	url := fmt.Sprintf("%s/collections/%s/documents/%s", s.BaseURL, collection, id)
	if err := s.do(ctx, http.MethodPatch, url, partial, nil); err != nil {
		return fmt.Errorf("update %s/%s failed: %w", collection, id, err)
	}
	return nil
}

// DeleteDocument removes the document under id.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	url := fmt.Sprintf("%s/collections/%s/documents/%s", s.BaseURL, collection, id)
	if err := s.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s failed: %w", collection, id, err)
	}
	return nil
}

// QueryDocuments runs an equality/range query with optional ordering.
func (s *Store) QueryDocuments(ctx context.Context, collection string, filters []offline.Filter, order []offline.Order) ([]offline.Record, error) {
	url := fmt.Sprintf("%s/collections/%s/query", s.BaseURL, collection)
	var out queryResponse
	if err := s.do(ctx, http.MethodPost, url, queryRequest{Filters: filters, Order: order}, &out); err != nil {
		return nil, fmt.Errorf("query %s failed: %w", collection, err)
	}
	return out.Documents, nil
}

func (s *Store) do(ctx context.Context, method, url string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if s.Token != nil {
		token, err := s.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
