// Package client talks to cbserver over its JSON API. cbctl is built on
// it, and it doubles as the definition of the wire types.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned for responses with a status of 300 or above.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// Client is a cbserver client. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at addr, e.g.
// "http://localhost:8080". A bare host:port is given the http scheme.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health reports the recovery state of the backends. A server with a
// failed backend answers with a *StatusError.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

// Backends lists the backends of the pool.
func (c *Client) Backends(ctx context.Context) (BackendsResponse, error) {
	var out BackendsResponse
	err := c.do(ctx, http.MethodGet, "/backends", nil, nil, &out)
	return out, err
}

// AddBackend opens a backend from an access string and returns its id.
func (c *Client) AddBackend(ctx context.Context, access string) (string, error) {
	var out AddBackendResponse
	err := c.do(ctx, http.MethodPost, "/backends", nil, AddBackendRequest{Access: access}, &out)
	return out.ID, err
}

// RemoveBackends removes the backends matching typ, host and port, where
// empty values match anything, or the backend with the given id.
func (c *Client) RemoveBackends(ctx context.Context, id, typ, host string, port int) (int, error) {
	q := url.Values{}
	for k, v := range map[string]string{"id": id, "type": typ, "host": host} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if port != 0 {
		q.Set("port", fmt.Sprint(port))
	}
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/backends", q, nil, &out)
	return out.Count, err
}

// Servers lists the servers visible to selector, see cb.ParseSelector.
// The response lists the backends that failed to answer, if any.
func (c *Client) Servers(ctx context.Context, selector string) (ServersResponse, error) {
	var out ServersResponse
	err := c.do(ctx, http.MethodGet, "/servers", selectorQuery(selector), nil, &out)
	return out, err
}

// SetServer creates or updates a server.
func (c *Client) SetServer(ctx context.Context, selector, tag, description string) (Server, error) {
	var out Server
	err := c.do(ctx, http.MethodPut, "/servers/"+url.PathEscape(tag), selectorQuery(selector),
		Server{Tag: tag, Description: description}, &out)
	return out, err
}

// DeleteServer deletes a server and everything it owns.
func (c *Client) DeleteServer(ctx context.Context, selector, tag string) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(tag), selectorQuery(selector), nil, &out)
	return out.Count, err
}

// Parameters lists the global parameters visible to selector, modified
// after since unless since is zero.
func (c *Client) Parameters(ctx context.Context, selector string, since time.Time) (ParametersResponse, error) {
	q := selectorQuery(selector)
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	var out ParametersResponse
	err := c.do(ctx, http.MethodGet, "/parameters", q, nil, &out)
	return out, err
}

// SetParameter creates or updates a global parameter owned by serverTag.
func (c *Client) SetParameter(ctx context.Context, selector, serverTag, name, value string) (Parameter, error) {
	var out Parameter
	err := c.do(ctx, http.MethodPut, "/parameters/"+url.PathEscape(name), selectorQuery(selector),
		Parameter{Name: name, Value: value, ServerTag: serverTag}, &out)
	return out, err
}

// DeleteParameter deletes the global parameter owned by the selected
// servers.
func (c *Client) DeleteParameter(ctx context.Context, selector, name string) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/parameters/"+url.PathEscape(name), selectorQuery(selector), nil, &out)
	return out.Count, err
}

func selectorQuery(selector string) url.Values {
	q := url.Values{}
	if selector != "" {
		q.Set("server", selector)
	}
	return q
}
