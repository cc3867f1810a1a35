package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/datocms/commentsync/internal/comments"
)

// listPageSize is the number of comments the list endpoint returns per page.
const listPageSize = 100

// HTTPStore talks to the host content API over plain HTTP. Versioning rides
// on entity tags: reads return the current token in the response body and
// ETag header, writes send it back via If-Match and get 412 on mismatch.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore creates a client for the content API rooted at baseURL.
func NewHTTPStore(baseURL, token string) *HTTPStore {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}

	return &HTTPStore{
		baseURL: fmt.Sprintf("%s/v1", baseURL),
		token:   token,
		client:  &http.Client{},
	}
}

type threadResponse struct {
	Data    comments.ThreadData `json:"data"`
	Version string              `json:"version"`
}

type conflictResponse struct {
	CurrentVersion string `json:"current_version"`
}

type listResponse struct {
	Comments []comments.Comment `json:"comments"`
}

func (s *HTTPStore) threadURL(key comments.ThreadKey) string {
	return fmt.Sprintf("%s/threads/%s", s.baseURL, url.PathEscape(key.String()))
}

// ReadVersioned fetches the current payload and version token for a thread.
// A thread that has never been written reads as an empty payload with an
// empty version token.
func (s *HTTPStore) ReadVersioned(ctx context.Context, key comments.ThreadKey) (comments.VersionedPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.threadURL(key), nil)
	if err != nil {
		return comments.VersionedPayload{}, fmt.Errorf("failed to create request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return comments.VersionedPayload{}, &comments.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return comments.VersionedPayload{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return comments.VersionedPayload{}, s.statusError(resp)
	}

	var body threadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return comments.VersionedPayload{}, fmt.Errorf("failed to decode thread response: %w", err)
	}

	return comments.VersionedPayload{Data: body.Data, Version: body.Version}, nil
}

// WriteVersioned replaces the thread payload if version still matches. On a
// 412 the store's current token is surfaced in a ConflictError so the queue
// can re-read and reapply.
func (s *HTTPStore) WriteVersioned(ctx context.Context, key comments.ThreadKey, version string, data comments.ThreadData) (comments.VersionedPayload, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return comments.VersionedPayload{}, fmt.Errorf("failed to marshal thread data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.threadURL(key), bytes.NewReader(payload))
	if err != nil {
		return comments.VersionedPayload{}, fmt.Errorf("failed to create request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	if version != "" {
		req.Header.Set("If-Match", version)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return comments.VersionedPayload{}, &comments.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		var conflict conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err == nil && conflict.CurrentVersion != "" {
			return comments.VersionedPayload{}, &comments.ConflictError{CurrentVersion: conflict.CurrentVersion}
		}
		return comments.VersionedPayload{}, &comments.ConflictError{CurrentVersion: resp.Header.Get("ETag")}
	}
	if resp.StatusCode != http.StatusOK {
		return comments.VersionedPayload{}, s.statusError(resp)
	}

	var body threadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return comments.VersionedPayload{}, fmt.Errorf("failed to decode write response: %w", err)
	}

	return comments.VersionedPayload{Data: body.Data, Version: body.Version}, nil
}

// List returns one page of comments for a thread. Pages are 1-based.
func (s *HTTPStore) List(ctx context.Context, key comments.ThreadKey, page int) ([]comments.Comment, error) {
	if page < 1 {
		page = 1
	}

	requestURL := fmt.Sprintf("%s/comments?page=%d&per_page=%d", s.threadURL(key), page, listPageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &comments.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError(resp)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}

	return body.Comments, nil
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func (s *HTTPStore) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &comments.NetworkError{
		Err: fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body)),
	}
}
