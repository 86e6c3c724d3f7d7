package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"shelfd/internal/api"
	"shelfd/internal/events"
)

// Client talks to a running daemon's control API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// RequestError carries a non-2xx answer from the daemon. Status is set when
// the daemon included the web service state.
type RequestError struct {
	Code    int
	Message string
	Status  *api.WebServiceStatus
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("control: %s (%d)", e.Message, e.Code)
}

func (c *Client) Status(ctx context.Context) (api.WebServiceStatus, error) {
	var out api.WebServiceStatus
	err := c.do(ctx, http.MethodGet, "/webservice", nil, &out)
	return out, err
}

// Start asks the daemon to serve. A nil port uses the configured one.
func (c *Client) Start(ctx context.Context, port *int) (api.WebServiceStatus, error) {
	var out api.WebServiceStatus
	err := c.do(ctx, http.MethodPost, "/webservice/start", api.StartRequest{Port: port}, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context) (api.WebServiceStatus, error) {
	var out api.WebServiceStatus
	err := c.do(ctx, http.MethodPost, "/webservice/stop", nil, &out)
	return out, err
}

func (c *Client) Rescan(ctx context.Context) (events.LibraryChanged, error) {
	var out events.LibraryChanged
	err := c.do(ctx, http.MethodPost, "/library/rescan", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control: is shelfd running? %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
		Error   *api.APIError   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("control: decode response: %w", err)
	}
	if resp.StatusCode >= 300 || envelope.Error != nil {
		reqErr := &RequestError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if envelope.Error != nil && envelope.Error.Message != "" {
			reqErr.Message = envelope.Error.Message
		}
		if len(envelope.Data) > 0 {
			var st api.WebServiceStatus
			if json.Unmarshal(envelope.Data, &st) == nil && st.Phase != "" {
				reqErr.Status = &st
			}
		}
		return reqErr
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
