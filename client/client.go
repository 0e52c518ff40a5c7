// Package client talks to a running limiter daemon's control API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/usui/wglimit/control"
	"github.com/usui/wglimit/limit"
	"github.com/usui/wglimit/util"
)

type Client struct {
	client  *http.Client
	baseURL *url.URL
	token   util.Token
}

func New(baseURL string, token util.Token) (*Client, error) {
	baseURL2, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		client:  new(http.Client),
		baseURL: baseURL2,
		token:   token,
	}, nil
}

// do issues one request. Each path element is percent-escaped before
// joining; JoinPath alone would let the '/' in a base64 public key split
// one segment into two and miss the server's route patterns.
func (c *Client) do(method string, body, out any, elem ...string) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	escaped := make([]string, len(elem))
	for i, e := range elem {
		escaped[i] = url.PathEscape(e)
	}
	req, err := http.NewRequest(method, c.baseURL.JoinPath(escaped...).String(), reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token.String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: parsing response: %w", method, req.URL.Path, err)
		}
	}
	return nil
}

// Report returns the limiter snapshot published by the daemon's latest tick.
func (c *Client) Report() (limit.Report, error) {
	var report limit.Report
	err := c.do(http.MethodGet, nil, &report, "v1", "limits")
	return report, err
}

// PeerLimit returns one peer's effective settings and live usage.
func (c *Client) PeerLimit(key limit.PeerKey) (control.PeerLimitResponse, error) {
	var resp control.PeerLimitResponse
	err := c.do(http.MethodGet, nil, &resp, "v1", "limits", key.Interface, key.PublicKey)
	return resp, err
}

// SetPeerLimit replaces one peer's limit settings.
func (c *Client) SetPeerLimit(key limit.PeerKey, settings limit.Settings) error {
	return c.do(http.MethodPut, settings, nil, "v1", "limits", key.Interface, key.PublicKey)
}
