package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nugget/mailsite/internal/httpkit"
)

// maxErrorBody bounds how much of an error response is kept for
// diagnostics.
const maxErrorBody = 4096

// postJSON marshals req, POSTs it to url with the given headers, and
// decodes a 2xx body into out. Non-2xx responses become *APIError.
func postJSON(ctx context.Context, hc *http.Client, logger *slog.Logger, provider, url string, headers map[string]string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
		logger.Error("API error", "status", resp.StatusCode, "body", body)
		return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: body}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
