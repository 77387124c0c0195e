package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/REVIVEINC6/nino360-sub015/pkg/adminauthz"
	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
	"github.com/REVIVEINC6/nino360-sub015/pkg/httputil"
	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// TrustClient calls the trustd admin API on behalf of one principal
type TrustClient struct {
	baseURL    string
	userID     string
	roles      []string
	httpClient *http.Client
	logger     *observability.Logger
}

// NewTrustClient creates a client for the API served at baseURL
func NewTrustClient(baseURL, userID string, roles []string) *TrustClient {
	return &TrustClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		roles:   roles,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: observability.NopLogger(),
	}
}

// WithLogger sets the logger used for request tracing
func (c *TrustClient) WithLogger(logger *observability.Logger) *TrustClient {
	c.logger = logger
	return c
}

// APIError is a non-2xx reply from the server
type APIError struct {
	Status int
	Body   httputil.ErrorResponse
}

func (e *APIError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Body.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Body.Code, msg)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, msg)
}

func (c *TrustClient) tenantPath(tenantID string, parts ...string) string {
	segs := []string{c.baseURL, "api/v1/tenants", url.PathEscape(tenantID)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

func (c *TrustClient) newRequest(ctx context.Context, method, target string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set(adminauthz.HeaderUserID, c.userID)
	}
	if len(c.roles) > 0 {
		req.Header.Set(adminauthz.HeaderRoles, strings.Join(c.roles, ","))
	}
	return req, nil
}

func (c *TrustClient) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	c.logger.WithFields(map[string]interface{}{
		"method":   req.Method,
		"url":      req.URL.String(),
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("api request")
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr.Body) != nil {
			apiErr.Body.Error = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *TrustClient) do(ctx context.Context, method, target string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func rangeQuery(fromSeq, toSeq int64) url.Values {
	q := url.Values{}
	if fromSeq > 0 {
		q.Set("from", strconv.FormatInt(fromSeq, 10))
	}
	if toSeq > 0 {
		q.Set("to", strconv.FormatInt(toSeq, 10))
	}
	return q
}

func withQuery(target string, q url.Values) string {
	if len(q) == 0 {
		return target
	}
	return target + "?" + q.Encode()
}

// ListGrants returns the tenant's grants, filtered by resourceType when non-empty
func (c *TrustClient) ListGrants(ctx context.Context, tenantID, resourceType string) (*flac.ListGrantsResponse, error) {
	q := url.Values{}
	if resourceType != "" {
		q.Set("resource_type", resourceType)
	}
	var out flac.ListGrantsResponse
	if err := c.do(ctx, http.MethodGet, withQuery(c.tenantPath(tenantID, "grants"), q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetGrant creates or updates one grant
func (c *TrustClient) SetGrant(ctx context.Context, grant flac.Grant) (*flac.Grant, error) {
	var out flac.Grant
	if err := c.do(ctx, http.MethodPut, c.tenantPath(grant.TenantID, "grants"), grant, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeGrant deletes one grant
func (c *TrustClient) RevokeGrant(ctx context.Context, key flac.GrantKey) error {
	target := c.tenantPath(key.TenantID, "grants", key.ResourceType, key.FieldName, key.Role)
	return c.do(ctx, http.MethodDelete, target, nil, nil)
}

// Resolve evaluates effective field levels for a role set or a member
func (c *TrustClient) Resolve(ctx context.Context, tenantID string, req flac.ResolveRequest) (*flac.ResolveResponse, error) {
	var out flac.ResolveResponse
	if err := c.do(ctx, http.MethodPost, c.tenantPath(tenantID, "resolve"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MemberRoles returns the roles userID holds in the tenant
func (c *TrustClient) MemberRoles(ctx context.Context, tenantID, userID string) (*flac.MemberRolesResponse, error) {
	var out flac.MemberRolesResponse
	if err := c.do(ctx, http.MethodGet, c.tenantPath(tenantID, "members", userID, "roles"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssignRole gives userID role in the tenant and returns the resulting roles
func (c *TrustClient) AssignRole(ctx context.Context, tenantID, userID, role string) (*flac.MemberRolesResponse, error) {
	var out flac.MemberRolesResponse
	if err := c.do(ctx, http.MethodPut, c.tenantPath(tenantID, "members", userID, "roles", role), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveRole takes role away from userID and returns the remaining roles
func (c *TrustClient) RemoveRole(ctx context.Context, tenantID, userID, role string) (*flac.MemberRolesResponse, error) {
	var out flac.MemberRolesResponse
	if err := c.do(ctx, http.MethodDelete, c.tenantPath(tenantID, "members", userID, "roles", role), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify runs chain verification over [fromSeq, toSeq]; zero bounds mean the whole chain
func (c *TrustClient) Verify(ctx context.Context, tenantID string, fromSeq, toSeq int64) (*ledger.Report, error) {
	var out ledger.Report
	target := withQuery(c.tenantPath(tenantID, "ledger", "verify"), rangeQuery(fromSeq, toSeq))
	if err := c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEntries pages through a tenant chain starting at fromSeq
func (c *TrustClient) ListEntries(ctx context.Context, tenantID string, fromSeq int64, limit int) (*ledger.ListEntriesResponse, error) {
	q := rangeQuery(fromSeq, 0)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ledger.ListEntriesResponse
	if err := c.do(ctx, http.MethodGet, withQuery(c.tenantPath(tenantID, "ledger", "entries"), q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEntry fetches one entry by sequence number
func (c *TrustClient) GetEntry(ctx context.Context, tenantID string, seq int64) (*ledger.Entry, error) {
	var out ledger.Entry
	target := c.tenantPath(tenantID, "ledger", "entries", strconv.FormatInt(seq, 10))
	if err := c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export streams the chain in format to w
func (c *TrustClient) Export(ctx context.Context, tenantID string, format ledger.ExportFormat, fromSeq, toSeq int64, w io.Writer) error {
	q := rangeQuery(fromSeq, toSeq)
	q.Set("format", string(format))

	req, err := c.newRequest(ctx, http.MethodGet, withQuery(c.tenantPath(tenantID, "ledger", "export"), q), nil)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	return nil
}

// DeadLetters lists the tenant's parked audit requests
func (c *TrustClient) DeadLetters(ctx context.Context, tenantID string, limit int) (*ledger.DeadLettersResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ledger.DeadLettersResponse
	if err := c.do(ctx, http.MethodGet, withQuery(c.tenantPath(tenantID, "ledger", "dead-letters"), q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RedriveDeadLetters requeues the tenant's parked audit requests
func (c *TrustClient) RedriveDeadLetters(ctx context.Context, tenantID string) (*ledger.RedriveResponse, error) {
	var out ledger.RedriveResponse
	if err := c.do(ctx, http.MethodPost, c.tenantPath(tenantID, "ledger", "dead-letters", "redrive"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
