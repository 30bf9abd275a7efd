// Package chatsync is a client-side chat synchronization engine.
//
// It keeps conversation and message state consistent with a realtime
// transport: it resolves the participant id, exchanges the identity token
// for a transport credential, boots a single session, reconciles the event
// stream into local state and persists a bounded cache per conversation.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("https://chat.example.com"))
//	engine := chatsync.NewEngine(chatsync.NewCacheStore(chatsync.NewMemoryKV()))
//	session := chatsync.NewSession(client, auth, factory, engine)
//	if err := session.Start(ctx); err != nil { ... }
//	defer session.Close(ctx)
//
//	coord := chatsync.NewCoordinator(session)
//	coord.Send(ctx, chatsync.Draft{Body: "hello"})
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL    = "http://localhost:8080"
	DefaultTokenPath  = "/api/token"
	DefaultSearchPath = "/api/users"
	DefaultTimeout    = 15 * time.Second

	// MinSearchLength is the shortest query sent to the user search endpoint.
	MinSearchLength = 2
)

// Client talks to the token service and the user directory.
type Client struct {
	baseURL    string
	tokenPath  string
	searchPath string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTokenPath sets the token endpoint. An absolute URL is used as-is.
func WithTokenPath(path string) ClientOption {
	return func(c *Client) { c.tokenPath = path }
}

func WithSearchPath(path string) ClientOption {
	return func(c *Client) { c.searchPath = path }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSearchRate limits user search requests (typed-ahead queries).
func WithSearchRate(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a token service client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		tokenPath:  DefaultTokenPath,
		searchPath: DefaultSearchPath,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

// httpStatusError is a non-2xx response.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (c *Client) endpoint(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// doRequest issues a bodyless request with optional bearer auth and query
// parameters and returns the response body of a 2xx reply.
func (c *Client) doRequest(ctx context.Context, method, path, bearer string, query map[string]string) ([]byte, error) {
	u := c.endpoint(path)
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httpStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Credential exchange
// ============================================================================

type tokenResponse struct {
	Token  json.RawMessage `json:"token"`
	UserID string          `json:"userId"`
}

// Exchange trades the identity token for a transport credential bound to userID.
// A missing bearer token fails before any request is made.
func (c *Client) Exchange(ctx context.Context, authToken, userID string) (Credential, error) {
	authToken = strings.TrimSpace(authToken)
	if authToken == "" || strings.ContainsAny(authToken, " \t\r\n") {
		return Credential{}, &CredentialError{Kind: CredentialAuth, Msg: "missing or malformed authorization token"}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Credential{}, &CredentialError{Kind: CredentialAuth, Msg: "userID is empty"}
	}

	data, err := c.doRequest(ctx, http.MethodGet, c.tokenPath, authToken, map[string]string{"userID": userID})
	if err != nil {
		return Credential{}, classifyExchangeError(err)
	}

	resp, err := decodeJSON[tokenResponse](data)
	if err != nil {
		return Credential{}, &CredentialError{Kind: CredentialProtocol, Msg: "token service returned malformed JSON", Err: err}
	}
	var token string
	if len(resp.Token) == 0 || json.Unmarshal(resp.Token, &token) != nil || token == "" {
		return Credential{}, &CredentialError{Kind: CredentialProtocol, Msg: "token service did not return a valid token string"}
	}

	issuedFor := resp.UserID
	if issuedFor == "" {
		issuedFor = userID
	}
	c.logger.Debug("credential.exchange", "user_id", userID, "issued_for", issuedFor)
	return Credential{Token: token, OwnerID: userID, IssuedForID: issuedFor}, nil
}

func classifyExchangeError(err error) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		kind := CredentialServer
		if se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden {
			kind = CredentialAuth
		}
		return &CredentialError{
			Kind:   kind,
			Status: se.Status,
			Msg:    fmt.Sprintf("Token API failed (%d): %s", se.Status, se.Body),
		}
	}
	return &CredentialError{Kind: CredentialNetwork, Msg: err.Error(), Err: err}
}

// CredentialExchanger is the part of Client a Session depends on.
type CredentialExchanger interface {
	Exchange(ctx context.Context, authToken, userID string) (Credential, error)
}

// ============================================================================
// User search
// ============================================================================

type searchResponse struct {
	Results []User `json:"results"`
}

// SearchUsers queries the user directory. Queries shorter than
// MinSearchLength return no results without a request.
func (c *Client) SearchUsers(ctx context.Context, authToken, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < MinSearchLength {
		return nil, nil
	}
	if authToken == "" {
		return nil, errors.New("missing identity token for search")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := c.doRequest(ctx, http.MethodGet, c.searchPath, authToken, map[string]string{"q": query})
	if err != nil {
		var se *httpStatusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("search failed (%d): %s", se.Status, se.Body)
		}
		return nil, err
	}
	resp, err := decodeJSON[searchResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}
