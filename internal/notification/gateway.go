package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LogGateway writes notifications to the log instead of delivering them.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Send(_ context.Context, n Notification) error {
	g.Logger.Info("notification",
		"category", n.Category,
		"role", n.Role,
		"user_id", n.UserID,
		"user_name", n.UserName,
		"message", n.Message,
	)
	return nil
}

// HTTPGateway posts notifications as JSON to a notification service.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGateway posts to baseURL + "/notifications".
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		endpoint: strings.TrimRight(baseURL, "/") + "/notifications",
		client:   &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// ErrNoAddress is returned by a Recipients lookup when the user has no email.
var ErrNoAddress = errors.New("no email address on file")

// Recipients resolves user IDs to email addresses.
type Recipients interface {
	Email(ctx context.Context, userID string) (string, error)
}
