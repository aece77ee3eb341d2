package flowctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skupperproject/flowcache/internal/server"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
)

// Client talks to the flow-cache HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(base, "/"), http: hc}
}

// Query runs q on the server, which waits up to timeout for the response.
func (c *Client) Query(ctx context.Context, q query.Query, timeout time.Duration) (query.Response, error) {
	var resp query.Response
	path := "/query"
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	err := c.do(ctx, http.MethodPost, path, q, &resp)
	return resp, err
}

func (c *Client) AddFlow(ctx context.Context, db string, sw flowcache.DPID, req server.FlowRequest) (flowcache.Record, error) {
	var record flowcache.Record
	err := c.do(ctx, http.MethodPost, flowsPath(db, sw), req, &record)
	return record, err
}

func (c *Client) RemoveFlow(ctx context.Context, db string, sw flowcache.DPID, key flowcache.Key) (bool, error) {
	var result server.RemoveResult
	err := c.do(ctx, http.MethodDelete, flowsPath(db, sw), server.FlowRequest{Key: key}, &result)
	return result.Removed, err
}

func (c *Client) Refresh(ctx context.Context, sw flowcache.DPID) error {
	if sw == 0 {
		return c.do(ctx, http.MethodPost, "/switches/refresh", nil, nil)
	}
	return c.do(ctx, http.MethodPost, "/switches/"+url.PathEscape(sw.String())+"/refresh", nil, nil)
}

func (c *Client) Switches(ctx context.Context) (server.SwitchList, error) {
	var list server.SwitchList
	err := c.do(ctx, http.MethodGet, "/switches", nil, &list)
	return list, err
}

func flowsPath(db string, sw flowcache.DPID) string {
	return "/databases/" + url.PathEscape(db) + "/switches/" + url.PathEscape(sw.String()) + "/flows"
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+server.Prefix+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error contacting flow cache: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr server.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("flow cache returned %s", resp.Status)
		}
		return &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding flow cache response: %w", err)
	}
	return nil
}

var errServer = errors.New("flow cache error")

// APIError is an error reported by the flow cache. It unwraps to the
// flowcache error it was raised from, so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "ErrUnknownDatabase":
		return flowcache.ErrUnknownDatabase
	case "ErrPathAssigned":
		return flowcache.ErrPathAssigned
	case "ErrInvalidArgument":
		return flowcache.ErrInvalidArgument
	case "ErrNotFound":
		return flowcache.ErrNotFound
	case "ErrUnknownSwitch":
		return flowcache.ErrUnknownSwitch
	case "ErrRejected":
		return flowcache.ErrRejected
	case "ErrTimeout":
		return flowcache.ErrTimeout
	}
	return errServer
}
