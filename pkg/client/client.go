package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ao/swarmhost/pkg/api"
)

// Client talks to the status API of peer nodes and to plain JSON endpoints
type Client struct {
	httpClient *http.Client
	token      string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the timeout for the HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the authentication token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new client
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Get returns the body of a successful GET request
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// RunningApps asks a node which applications it runs. baseURL is the
// node's status API, like http://10.0.0.1:16127.
func (c *Client) RunningApps(ctx context.Context, baseURL string) ([]api.RunningApp, error) {
	var apps []api.RunningApp
	if err := c.getData(ctx, baseURL+"/apps/running", &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// NodeInfo returns the status of a node
func (c *Client) NodeInfo(ctx context.Context, baseURL string) (*api.NodeInfo, error) {
	var info api.NodeInfo
	if err := c.getData(ctx, baseURL+"/node", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Message fetches a stored register or update message by hash
func (c *Client) Message(ctx context.Context, baseURL, hash string) (json.RawMessage, error) {
	var msg json.RawMessage
	if err := c.getData(ctx, baseURL+"/messages/"+hash, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// getData decodes the data of a success envelope into out
func (c *Client) getData(ctx context.Context, url string, out interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp.Body, out)
}

func decodeEnvelope(r io.Reader, out interface{}) error {
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Status != api.StatusSuccess {
		var apiErr api.Error
		_ = json.Unmarshal(envelope.Data, &apiErr)
		return fmt.Errorf("API error: %s - %s", apiErr.Name, apiErr.Message)
	}
	return json.Unmarshal(envelope.Data, out)
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var envelope struct {
			Data api.Error `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Data.Message == "" {
			return nil, fmt.Errorf("HTTP error: %s", resp.Status)
		}
		return nil, fmt.Errorf("API error: %d - %s", envelope.Data.Code, envelope.Data.Message)
	}

	return resp, nil
}

// postJSON sends a JSON body and decodes the success envelope into out
func (c *Client) postJSON(ctx context.Context, url string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp.Body, out)
}
