// Package gateway talks to a Jupyter kernel gateway: kernels are created and
// deleted over REST, code runs over the kernel channels websocket.
package gateway

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
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notebook-scheduler/internal/models"
)

// Client is bound to one gateway. It is safe for concurrent use; each kernel
// must only be driven by one goroutine at a time.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	session string

	mu       sync.Mutex
	channels map[string]*websocket.Conn
}

// ParseHost turns "host:port" or a full URL into the gateway base URL.
func ParseHost(host string) (*url.URL, error) {
	if strings.TrimSpace(host) == "" {
		return nil, errors.New("gateway host is empty")
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway host %q: %w", host, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid gateway host %q: missing host", host)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

// NewClient builds a client for host. requestTimeout bounds the REST calls.
func NewClient(host string, requestTimeout time.Duration) (*Client, error) {
	base, err := ParseHost(host)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  base,
		http:     &http.Client{Timeout: requestTimeout},
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		session:  uuid.NewString(),
		channels: make(map[string]*websocket.Conn),
	}, nil
}

type kernelModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StartSession asks the gateway for a new kernel running kernelSpec and
// returns its id.
func (c *Client) StartSession(ctx context.Context, kernelSpec string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": kernelSpec})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+"/api/kernels", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build start kernel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to start kernel %q on %s: %w", kernelSpec, c.baseURL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("failed to start kernel %q on %s: status %d: %s", kernelSpec, c.baseURL.Host, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var kernel kernelModel
	if err := json.NewDecoder(resp.Body).Decode(&kernel); err != nil {
		return "", fmt.Errorf("failed to decode start kernel response: %w", err)
	}
	if kernel.ID == "" {
		return "", errors.New("gateway returned a kernel without id")
	}
	hlog.Infof("Gateway: started kernel %s (%s) on %s", kernel.ID, kernel.Name, c.baseURL.Host)
	return kernel.ID, nil
}

func (c *Client) channelsURL(kernelID string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
	return u.String()
}

// channel returns the open websocket for kernelID, dialing it on first use.
func (c *Client) channel(ctx context.Context, kernelID string) (*websocket.Conn, error) {
	c.mu.Lock()
	conn, ok := c.channels[kernelID]
	c.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.channelsURL(kernelID), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open channels for kernel %s: %w", kernelID, err)
	}
	c.mu.Lock()
	c.channels[kernelID] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) dropChannel(kernelID string) {
	c.mu.Lock()
	conn, ok := c.channels[kernelID]
	delete(c.channels, kernelID)
	c.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Execute runs code on the kernel and blocks until the kernel has replied and
// gone idle. A kernel side exception is reported in the result, not as err.
func (c *Client) Execute(ctx context.Context, kernelID, code string) (*models.ExecutionResult, error) {
	conn, err := c.channel(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	msgID := uuid.NewString()
	req, err := newExecuteRequest(c.session, msgID, code)
	if err != nil {
		return nil, err
	}

	// unblock reads and writes when ctx ends
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		c.dropChannel(kernelID)
		return nil, c.ioError(ctx, "send execute request", err)
	}

	result := &models.ExecutionResult{Status: "ok"}
	var replied, idle bool
	for !replied || !idle {
		var in message
		if err := conn.ReadJSON(&in); err != nil {
			c.dropChannel(kernelID)
			return nil, c.ioError(ctx, "read kernel reply", err)
		}
		if in.ParentHeader.MsgID != msgID {
			continue
		}
		if err := collect(result, &in, &replied, &idle); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("failed to %s: %w", op, ctxErr)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func collect(result *models.ExecutionResult, in *message, replied, idle *bool) error {
	switch in.Header.MsgType {
	case "stream":
		var sc streamContent
		if err := json.Unmarshal(in.Content, &sc); err != nil {
			return fmt.Errorf("malformed stream message: %w", err)
		}
		result.Outputs = append(result.Outputs, models.CellOutput{OutputType: "stream", Name: sc.Name, Text: sc.Text})
	case "execute_result", "display_data":
		var dc dataContent
		if err := json.Unmarshal(in.Content, &dc); err != nil {
			return fmt.Errorf("malformed %s message: %w", in.Header.MsgType, err)
		}
		result.Outputs = append(result.Outputs, models.CellOutput{OutputType: in.Header.MsgType, Data: dc.Data})
	case "error":
		var ec errorContent
		if err := json.Unmarshal(in.Content, &ec); err != nil {
			return fmt.Errorf("malformed error message: %w", err)
		}
		result.Outputs = append(result.Outputs, models.CellOutput{
			OutputType: "error", EName: ec.EName, EValue: ec.EValue, Traceback: ec.Traceback,
		})
		result.Status, result.EName, result.EValue, result.Traceback = "error", ec.EName, ec.EValue, ec.Traceback
	case "execute_reply":
		var ec errorContent
		if err := json.Unmarshal(in.Content, &ec); err != nil {
			return fmt.Errorf("malformed execute_reply message: %w", err)
		}
		if ec.Status == "error" {
			result.Status = "error"
			if result.EName == "" {
				result.EName, result.EValue, result.Traceback = ec.EName, ec.EValue, ec.Traceback
			}
		}
		*replied = true
	case "status":
		var sc statusContent
		if err := json.Unmarshal(in.Content, &sc); err != nil {
			return fmt.Errorf("malformed status message: %w", err)
		}
		if sc.ExecutionState == "idle" {
			*idle = true
		}
	}
	return nil
}

// Shutdown closes the kernel channels and deletes the kernel. Deleting a
// kernel the gateway no longer knows is not an error.
func (c *Client) Shutdown(ctx context.Context, kernelID string) error {
	if kernelID == "" {
		return nil
	}
	c.dropChannel(kernelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL.String()+"/api/kernels/"+url.PathEscape(kernelID), nil)
	if err != nil {
		return fmt.Errorf("failed to build delete kernel request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete kernel %s: %w", kernelID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		hlog.Infof("Gateway: kernel %s shut down on %s", kernelID, c.baseURL.Host)
		return nil
	}
	return fmt.Errorf("failed to delete kernel %s: status %d", kernelID, resp.StatusCode)
}

// Close drops every open channel without deleting kernels.
func (c *Client) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.dropChannel(id)
	}
}
