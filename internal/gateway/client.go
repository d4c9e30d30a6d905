// Package gateway is the HTTP client for the expense API.
//
// Every exported method performs exactly one request and either returns the
// decoded response or a classified [*Error]. Callers branch on the class with
// errors.Is against [ErrUnauthorized], [ErrNetworkUnavailable],
// [ErrServerRejected] and [ErrServerError]; the server's own message is kept
// in [Error.Message].
//
// Resource calls return the server's JSON documents undecoded so the caller
// can cache them byte-for-byte. Auth calls return typed values.
//
// The client never touches local state. A [Client] is immutable once built;
// [Client.WithToken] returns a copy carrying a different credential, which
// makes it safe to share between goroutines.
package gateway

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

	"github.com/mezgeb/mezgeb/internal/schema"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Client talks to one API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// New creates a client for baseURL, e.g. "http://localhost:5000". The "/api"
// prefix is added by the client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Token returns the credential the client sends.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// doRequest performs one request and decodes a successful JSON reply into
// target (which may be nil).
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, header http.Header, target any) error {
	op := method + " " + path

	var bodyReader io.Reader
	if body != nil {
		var raw []byte
		switch b := body.(type) {
		case json.RawMessage:
			raw = b
		default:
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to marshal request body: %w", err)
			}
		}
		bodyReader = bytes.NewReader(raw)
	}

	u := c.baseURL + "/api" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A cancelled caller is not an outage.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return &Error{Kind: KindNetworkUnavailable, Op: op, Err: err}
	}

	return decodeResponse(op, resp, target)
}

// decodeResponse classifies non-2xx replies and decodes the rest.
func decodeResponse(op string, resp *http.Response, target any) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetworkUnavailable, Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Op:      op,
			Status:  resp.StatusCode,
			Message: serverMessage(data),
		}
	}

	if target == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Kind: KindServerError, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func serverMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// Ping checks that the server answers. Used by the connectivity prober.
func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil, nil, nil)
}

// Expenses

// ListExpenses returns the expenses matching f, newest first.
func (c *Client) ListExpenses(ctx context.Context, f schema.ExpenseFilter) ([]json.RawMessage, error) {
	var result []json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, "/expenses", f.Query(), nil, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateExpense creates an expense. The scope is taken from e.GroupID.
func (c *Client) CreateExpense(ctx context.Context, e *schema.Expense) (json.RawMessage, error) {
	body := *e
	body.ID = ""
	body.Status = ""

	var result json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/expenses", nil, &body, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateExpense applies a partial update.
func (c *Client) UpdateExpense(ctx context.Context, id string, u schema.ExpenseUpdate) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.doRequest(ctx, http.MethodPatch, "/expenses/"+url.PathEscape(id), nil, u, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteExpense deletes an expense.
func (c *Client) DeleteExpense(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/expenses/"+url.PathEscape(id), nil, nil, nil, nil)
}

// Categories

// ListCategories returns the categories of one scope.
func (c *Client) ListCategories(ctx context.Context, scope schema.Scope) ([]json.RawMessage, error) {
	q := url.Values{}
	if !scope.IsPersonal() {
		q.Set("groupId", scope.GroupID)
	}

	var result []json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, "/categories", q, nil, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateCategory creates a category.
func (c *Client) CreateCategory(ctx context.Context, cat *schema.Category) (json.RawMessage, error) {
	body := *cat
	body.ID = ""
	body.Status = ""

	var result json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/categories", nil, &body, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateCategory applies a partial update.
func (c *Client) UpdateCategory(ctx context.Context, id string, u schema.CategoryUpdate) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.doRequest(ctx, http.MethodPatch, "/categories/"+url.PathEscape(id), nil, u, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteCategory deletes a category.
func (c *Client) DeleteCategory(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/categories/"+url.PathEscape(id), nil, nil, nil, nil)
}

// Groups

// ListGroups returns the groups the user belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]json.RawMessage, error) {
	var result []json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, "/groups", nil, nil, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateGroup creates a group protected by connectionID.
func (c *Client) CreateGroup(ctx context.Context, name, connectionID string) (json.RawMessage, error) {
	body := map[string]string{"name": name, "connectionId": connectionID}

	var result json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/groups/create", nil, body, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// JoinGroup joins the partner's group identified by connectionID.
func (c *Client) JoinGroup(ctx context.Context, partnerPhone, connectionID string) (json.RawMessage, error) {
	body := map[string]string{"partnerPhone": partnerPhone, "connectionId": connectionID}

	var result json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/groups/join", nil, body, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// LeaveGroup leaves a group; the server deletes it when the last member
// leaves. The server's confirmation message is returned.
func (c *Client) LeaveGroup(ctx context.Context, id string) (string, error) {
	var result struct {
		Message string `json:"message"`
	}
	if err := c.doRequest(ctx, http.MethodDelete, "/groups/"+url.PathEscape(id), nil, nil, nil, &result); err != nil {
		return "", err
	}
	return result.Message, nil
}

// Raw

// CreateRaw posts an already-encoded document to a resource collection. A
// non-empty idempotencyKey is sent as the Idempotency-Key header so a retried
// create is not applied twice.
func (c *Client) CreateRaw(ctx context.Context, resource schema.Resource, body json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	if resource != schema.ResourceExpenses && resource != schema.ResourceCategories {
		return nil, fmt.Errorf("cannot create %s records", resource)
	}

	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}

	var result json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/"+string(resource), nil, body, header, &result); err != nil {
		return nil, err
	}
	return result, nil
}
