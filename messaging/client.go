// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/hyphae/lib/netutil"
	"github.com/bureau-foundation/hyphae/lib/secret"
)

// DefaultDeviceDisplayName is the initial_device_display_name sent on
// login when ClientConfig leaves it empty.
const DefaultDeviceDisplayName = "Hyphae E2EE Client"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver
	// (e.g., "https://hyphae.social").
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
	// DeviceDisplayName names the device created by Login.
	DeviceDisplayName string
}

// Client is an unauthenticated Matrix client. It holds the homeserver
// URL and HTTP transport shared by the sessions it creates.
type Client struct {
	baseURL           string
	httpClient        *http.Client
	logger            *slog.Logger
	deviceDisplayName string
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must use http or https", config.HomeserverURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	displayName := config.DeviceDisplayName
	if displayName == "" {
		displayName = DefaultDeviceDisplayName
	}

	return &Client{
		baseURL:           strings.TrimRight(config.HomeserverURL, "/"),
		httpClient:        httpClient,
		logger:            logger,
		deviceDisplayName: displayName,
	}, nil
}

// HomeserverURL returns the base URL without a trailing slash.
func (c *Client) HomeserverURL() string {
	return c.baseURL
}

// HTTPClient returns the transport shared by this client's sessions.
// The crypto engine reuses it for key upload and query requests.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Login authenticates with m.login.password and returns a new session
// bound to a freshly created device. username may be a bare localpart
// or a full user ID; the homeserver resolves either. The password
// buffer is read but not closed.
func (c *Client) Login(ctx context.Context, username string, password *secret.Buffer) (*DirectSession, error) {
	if username == "" {
		return nil, fmt.Errorf("messaging: username is required for login")
	}
	if password == nil {
		return nil, fmt.Errorf("messaging: password is required for login")
	}

	// Password is converted to string at the JSON serialization
	// boundary only.
	loginRequest := LoginRequest{
		Type: "m.login.password",
		Identifier: UserIdentifier{
			Type: "m.id.user",
			User: username,
		},
		Password:                 password.String(),
		InitialDeviceDisplayName: c.deviceDisplayName,
	}

	var authResponse AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, loginRequest, &authResponse); err != nil {
		return nil, fmt.Errorf("messaging: login failed: %w", err)
	}
	if authResponse.UserID.IsZero() || authResponse.DeviceID.IsZero() || authResponse.AccessToken == "" {
		return nil, fmt.Errorf("messaging: login response missing user_id, device_id or access_token")
	}

	c.logger.Info("logged in to matrix",
		"user_id", authResponse.UserID,
		"device_id", authResponse.DeviceID,
	)

	tokenBuffer, err := secret.NewFromString(authResponse.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return &DirectSession{
		client:      c,
		accessToken: tokenBuffer,
		userID:      authResponse.UserID,
		deviceID:    authResponse.DeviceID,
	}, nil
}

// doRequest performs an HTTP request to the homeserver and returns the
// response body. On a non-2xx status it returns a *MatrixError.
// accessToken may be nil for unauthenticated endpoints.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query ...url.Values) ([]byte, error) {
	response, err := c.send(ctx, method, path, accessToken, requestBody, query...)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}
	return responseBody, nil
}

// doJSON is doRequest for callers that only need the decoded body.
func (c *Client) doJSON(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody, responseValue any, query ...url.Values) error {
	response, err := c.send(ctx, method, path, accessToken, requestBody, query...)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if err := netutil.DecodeResponse(response.Body, responseValue); err != nil {
		return fmt.Errorf("messaging: failed to parse %s %s response: %w", method, path, err)
	}
	return nil
}

// send performs the request and returns a 2xx response with its body
// unread. Any other status is read and returned as a *MatrixError.
func (c *Client) send(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query ...url.Values) (*http.Response, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && len(query[0]) > 0 {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != nil {
		request.Header.Set("Authorization", "Bearer "+accessToken.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}
	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}
