package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Client calls a diagnostics endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the endpoint at url.
func NewClient(url string) *Client {
	return &Client{url: url, http: &http.Client{Timeout: 10 * time.Second}}
}

// Call invokes ServiceName.method and decodes the result into reply.
func (c *Client) Call(ctx context.Context, method string, params, reply any) error {
	body, err := json2.EncodeClientRequest(ServiceName+"."+method, params)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to issue request", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewError(types.ErrCodeUnavailable, fmt.Sprintf("received status code: %d", resp.StatusCode))
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return types.WrapError(types.ErrCodeInternal, method+" failed", err)
	}
	return nil
}

// Stats fetches the full snapshot.
func (c *Client) Stats(ctx context.Context) (*StatsReply, error) {
	var reply StatsReply
	if err := c.Call(ctx, "Stats", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
