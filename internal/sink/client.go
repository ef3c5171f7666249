package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds one call to the processor server.
	DefaultTimeout = 30 * time.Second

	// DefaultPath is the processor server's batch endpoint.
	DefaultPath = "process"

	// DefaultLogPath is the processor server's operational log endpoint.
	DefaultLogPath = "log"
)

// Batch is one delivery unit: a run of events from a single channel.
type Batch struct {
	ChannelID       int64          `json:"channelId"`
	ChannelUsername string         `json:"channelUsername"`
	ChannelURL      string         `json:"channelUrl"`
	Messages        []*model.Event `json:"messages"`
}

// Result is the processor server's acknowledgement of a batch.
type Result struct {
	Processed int
	Pending   int
}

type response struct {
	OK        bool `json:"ok"`
	Processed int  `json:"processed"`
	Pending   int  `json:"pending"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// logEntry is the log endpoint's wire format.
type logEntry struct {
	LogType   string         `json:"logType"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details"`
}

// Deliverer accepts event batches for downstream processing.
type Deliverer interface {
	Deliver(ctx context.Context, batch *Batch) (*Result, error)
}

// Reporter ships operational log lines to the processor server so relay
// failures are visible downstream, not only in local logs.
type Reporter interface {
	Report(ctx context.Context, level, message string, details map[string]any)
}

// Report forwards to r when a reporter is configured. Components call this on
// their error paths without caring whether remote logging is wired.
func Report(ctx context.Context, r Reporter, level, message string, details map[string]any) {
	if r != nil {
		r.Report(ctx, level, message, details)
	}
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Path    string
	LogPath string
	Token   string
	Timeout time.Duration
}

// Client posts event batches and operational logs to the processor server
// with bearer authentication.
type Client struct {
	url        string
	logURL     string
	token      string
	httpClient *http.Client
}

// NewClient creates a processor server client with the given options.
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.LogPath == "" {
		opts.LogPath = DefaultLogPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	base := strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		url:        base + "/" + strings.TrimLeft(opts.Path, "/"),
		logURL:     base + "/" + strings.TrimLeft(opts.LogPath, "/"),
		token:      opts.Token,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

// Deliver posts one batch and returns the server's acknowledgement. A non-2xx
// status or an ok:false body is returned as an error; the batch is never
// partially acknowledged.
func (c *Client) Deliver(ctx context.Context, batch *Batch) (*Result, error) {
	deliveryID := uuid.NewString()

	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Delivery-Id", deliveryID)

	logger.Debug("Delivering batch",
		zap.String("delivery_id", deliveryID),
		zap.Int64("channel_id", batch.ChannelID),
		zap.Int("messages", len(batch.Messages)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || !body.OK {
		msg := "unknown error"
		if body.Error != nil && body.Error.Message != "" {
			msg = body.Error.Message
		}
		return nil, fmt.Errorf("sink rejected batch (status %d): %s", resp.StatusCode, msg)
	}

	logger.Debug("Batch accepted",
		zap.String("delivery_id", deliveryID),
		zap.Int("processed", body.Processed),
		zap.Int("pending", body.Pending))

	return &Result{Processed: body.Processed, Pending: body.Pending}, nil
}

// Report posts one operational log line to the processor server's log
// endpoint. Shipping failures are logged locally and swallowed; a broken log
// endpoint must never take down the relay's own error handling.
func (c *Client) Report(ctx context.Context, level, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(logEntry{
		LogType:   level,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	})
	if err != nil {
		logger.Warn("Failed to marshal remote log entry", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.logURL, bytes.NewReader(payload))
	if err != nil {
		logger.Warn("Failed to create remote log request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("Failed to ship remote log", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("Remote log rejected", zap.Int("status", resp.StatusCode))
	}
}
