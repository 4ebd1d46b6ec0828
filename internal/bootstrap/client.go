package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrVersionMismatch marks a module load rejected because the runtime was
// built on a different platform than the coordinator. This aborts
// initialization outright: operating against a half-loaded runtime is worse
// than failing.
var ErrVersionMismatch = errors.New("platform version mismatch")

// ManagerOptions configures the node manager started on the runtime.
type ManagerOptions struct {
	Label string `json:"label,omitempty"`
}

// ServerOptions configures a per-connection evaluation server.
type ServerOptions struct {
	Owner string `json:"owner"`
}

type managerState struct {
	ID string `json:"id"`
}

type serverCreated struct {
	Handle string `json:"handle"`
}

type loadFailure struct {
	Error    string `json:"error"`
	Platform string `json:"platform"`
}

// Client drives the bootstrap surface of one runtime node over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a bootstrap client for the runtime node at addr
// ("host:port").
func NewClient(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// IsCodePresent probes whether the named module is already loaded on the
// runtime.
func (c *Client) IsCodePresent(ctx context.Context, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/modules/"+name, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("probing module %s: unexpected status %s", name, resp.Status)
}

// LoadCode transfers one module's binary form to the runtime. A platform
// disagreement surfaces as ErrVersionMismatch; anything else as a generic
// load error carrying the runtime's reason.
func (c *Client) LoadCode(ctx context.Context, name string, binary []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/modules/"+name, bytes.NewReader(binary))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}

	var failure loadFailure
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &failure); err != nil {
		failure.Error = string(body)
	}
	if failure.Platform != "" && failure.Platform != Platform() {
		return fmt.Errorf("loading module %s: %w (local %q, remote %q)",
			name, ErrVersionMismatch, Platform(), failure.Platform)
	}
	return fmt.Errorf("loading module %s: %s", name, failure.Error)
}

// IsManagerRunning probes for the node manager by name, returning its
// process identity when present.
func (c *Client) IsManagerRunning(ctx context.Context) (bool, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/manager", nil)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var st managerState
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false, "", fmt.Errorf("decoding manager state: %w", err)
		}
		return true, st.ID, nil
	case http.StatusNotFound:
		return false, "", nil
	}
	return false, "", fmt.Errorf("probing manager: unexpected status %s", resp.Status)
}

// StartManager starts the node manager and returns its process identity. If
// the manager is already running the existing identity comes back unchanged.
func (c *Client) StartManager(ctx context.Context, opts ManagerOptions) (string, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/manager", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("starting manager: unexpected status %s", resp.Status)
	}
	var st managerState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", fmt.Errorf("decoding manager state: %w", err)
	}
	return st.ID, nil
}

// StartConnectionServer starts a fresh per-connection evaluation server and
// returns its handle. Never reuses an existing server.
func (c *Client) StartConnectionServer(ctx context.Context, opts ServerOptions) (string, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/servers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("starting connection server: unexpected status %s", resp.Status)
	}
	var created serverCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding server handle: %w", err)
	}
	return created.Handle, nil
}

// Bootstrap brings the runtime at c's address to a usable state: loads mods
// if the marker probe says they are missing, starts the manager if it is not
// running, and always starts a fresh connection server, returning its
// handle. Load failures are fatal and not retried.
func (c *Client) Bootstrap(ctx context.Context, mods ModuleSet, mopts ManagerOptions, sopts ServerOptions) (string, error) {
	present, err := c.IsCodePresent(ctx, mods.Marker)
	if err != nil {
		return "", fmt.Errorf("bootstrap: %w", err)
	}
	if !present {
		for _, m := range mods.Modules {
			if err := c.LoadCode(ctx, m.Name, m.Binary); err != nil {
				return "", fmt.Errorf("bootstrap: %w", err)
			}
		}
	}

	running, _, err := c.IsManagerRunning(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap: %w", err)
	}
	if !running {
		if _, err := c.StartManager(ctx, mopts); err != nil {
			return "", fmt.Errorf("bootstrap: %w", err)
		}
	}

	handle, err := c.StartConnectionServer(ctx, sopts)
	if err != nil {
		return "", fmt.Errorf("bootstrap: %w", err)
	}
	return handle, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}
