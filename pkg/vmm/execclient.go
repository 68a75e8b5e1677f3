package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/wire"
)

// ExecClient runs commands inside a guest by POSTing to the exec server
// over the instance's Unix socket bridge.
type ExecClient struct {
	socketPath string
	client     *http.Client
}

// NewExecClient creates a client for the given exec.sock bridge.
func NewExecClient(socketPath string) *ExecClient {
	return &ExecClient{
		socketPath: socketPath,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
				// One request per connection; the guest closes after
				// responding.
				DisableKeepAlives: true,
			},
		},
	}
}

// Exec sends one ExecRequest and decodes the ExecOutput.
func (c *ExecClient) Exec(ctx context.Context, req *wire.ExecRequest) (*wire.ExecOutput, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding exec request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://guest/exec", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errdefs.Timeout("exec request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading exec response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exec server returned %s: %s", resp.Status, raw)
	}

	var out wire.ExecOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding exec output: %w", err)
	}
	return &out, nil
}
