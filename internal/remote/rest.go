package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weaveboard/synckit/internal/entity"
)

// kindTable maps entity kinds to their remote table routes.
func kindTable(kind entity.Kind) string {
	switch kind {
	case entity.KindProject:
		return "projects"
	case entity.KindTask:
		return "tasks"
	case entity.KindConnection:
		return "connections"
	case entity.KindSidenote:
		return "sidenotes"
	default:
		return string(kind) + "s"
	}
}

// RESTConfig configures the REST client.
type RESTConfig struct {
	// BaseURL is the backend root, e.g. https://api.weaveboard.app
	BaseURL string

	// APIKey is sent on every request.
	APIKey string

	// Token returns the current bearer token. Called per request so that a
	// session refresh takes effect without rebuilding the client.
	Token func() string

	// Timeout applies per request (default 15s). Timeouts are per network
	// call, never per queue drain.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// RESTStore is the reference implementation of Store and Purger over the
// backend's row-level HTTP API.
type RESTStore struct {
	cfg    RESTConfig
	client *http.Client
}

// NewRESTStore creates a REST client for the remote backend.
func NewRESTStore(cfg RESTConfig) (*RESTStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RESTStore{cfg: cfg, client: client}, nil
}

// Upsert implements Store.Upsert.
//
// The row's version travels in the If-Match header; the backend rejects a
// stale write with 409, which classifies as a version conflict.
func (s *RESTStore) Upsert(ctx context.Context, kind entity.Kind, p *entity.Payload) error {
	if err := p.Validate(kind); err != nil {
		return WrapClass(ClassValidation, err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return WrapClass(ClassValidation, fmt.Errorf("failed to marshal payload: %w", err))
	}

	headers := map[string]string{}
	if p.Version > 0 {
		headers["If-Match"] = fmt.Sprintf("%d", p.Version)
	}

	path := fmt.Sprintf("/rest/v1/%s?on_conflict=id", kindTable(kind))
	return s.do(ctx, http.MethodPost, path, body, headers, nil)
}

// UpdateFields implements Store.UpdateFields via a PATCH of only the given
// columns.
func (s *RESTStore) UpdateFields(ctx context.Context, kind entity.Kind, id string, fields map[string]any) error {
	if !entity.ValidID(id) {
		return WrapClass(ClassValidation, fmt.Errorf("malformed entity id: %q", id))
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return WrapClass(ClassValidation, fmt.Errorf("failed to marshal fields: %w", err))
	}

	path := fmt.Sprintf("/rest/v1/%s?id=eq.%s", kindTable(kind), url.QueryEscape(id))
	return s.do(ctx, http.MethodPatch, path, body, nil, nil)
}

// Delete implements Store.Delete as a soft delete: the row is flagged, not
// removed, so other devices observe it as a remote tombstone.
func (s *RESTStore) Delete(ctx context.Context, kind entity.Kind, id string) error {
	if !entity.ValidID(id) {
		return WrapClass(ClassValidation, fmt.Errorf("malformed entity id: %q", id))
	}
	body := []byte(fmt.Sprintf(`{"deleted":true,"deleted_at":%q}`, time.Now().UTC().Format(time.RFC3339)))
	path := fmt.Sprintf("/rest/v1/%s?id=eq.%s", kindTable(kind), url.QueryEscape(id))
	return s.do(ctx, http.MethodPatch, path, body, nil, nil)
}

// Select implements Store.Select.
func (s *RESTStore) Select(ctx context.Context, kind entity.Kind, projectID string, since time.Time) ([]Row, error) {
	var filters []string
	if projectID != "" {
		filters = append(filters, "project_id=eq."+url.QueryEscape(projectID))
	}
	if !since.IsZero() {
		filters = append(filters, "updated_at=gt."+url.QueryEscape(since.UTC().Format(time.RFC3339)))
	}

	path := "/rest/v1/" + kindTable(kind)
	if len(filters) > 0 {
		path += "?" + strings.Join(filters, "&")
	}

	var rows []Row
	if err := s.do(ctx, http.MethodGet, path, nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Purge implements Purger with the three-tier fallback: the preferred bulk
// procedure, then the legacy bulk procedure, then per-row soft delete. Only
// a procedure that is missing or disabled falls through; a classified
// failure of an existing procedure is returned as-is.
func (s *RESTStore) Purge(ctx context.Context, kind entity.Kind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args, err := json.Marshal(map[string]any{"table_name": kindTable(kind), "ids": ids})
	if err != nil {
		return WrapClass(ClassValidation, fmt.Errorf("failed to marshal purge args: %w", err))
	}

	err = s.do(ctx, http.MethodPost, "/rest/v1/rpc/purge_entities", args, nil, nil)
	if err == nil || !procedureMissing(err) {
		return err
	}

	err = s.do(ctx, http.MethodPost, "/rest/v1/rpc/bulk_soft_delete", args, nil, nil)
	if err == nil || !procedureMissing(err) {
		return err
	}

	for _, id := range ids {
		if err := s.Delete(ctx, kind, id); err != nil {
			return fmt.Errorf("per-row purge of %s %s: %w", kind, id, err)
		}
	}
	return nil
}

// procedureMissing reports whether the RPC endpoint does not exist on this
// backend deployment.
func procedureMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "could not find the function")
}

// do issues one HTTP request and classifies its failure modes at the
// transport edge.
func (s *RESTStore) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.cfg.APIKey)
	if s.cfg.Token != nil {
		if tok := s.cfg.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return WrapClass(ClassTransientNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return WrapClass(ClassTransientNetwork, fmt.Errorf("failed to read response: %w", err))
	}

	if class, failed := classifyStatus(resp.StatusCode, data); failed {
		return WrapClass(class, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 256)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			// A non-JSON body with a 2xx status means a proxy mangled the
			// response in transit.
			return WrapClass(ClassTransientNetwork, fmt.Errorf("malformed response body: %w", err))
		}
	}
	return nil
}

// classifyStatus maps an HTTP status (plus backend error body hints) to an
// error class. The bool is false for success statuses.
func classifyStatus(status int, body []byte) (ErrorClass, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusUnauthorized:
		return ClassAuthExpired, true
	case status == http.StatusConflict:
		return ClassVersionConflict, true
	case status == http.StatusTooManyRequests:
		return ClassRateLimited, true
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ClassTransientNetwork, true
	case status == http.StatusUnprocessableEntity:
		return ClassValidation, true
	}

	// Postgres error codes ride in the body for 4xx responses.
	msg := strings.ToLower(string(body))
	if strings.Contains(msg, "23503") || strings.Contains(msg, "foreign key") {
		return ClassReferentialIntegrity, true
	}
	if status >= 500 {
		return ClassTransientNetwork, true
	}
	if status >= 400 {
		return ClassValidation, true
	}
	return ClassUnknown, true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
