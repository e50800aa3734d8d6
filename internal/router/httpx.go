package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
)

// postJSON sends body to url and decodes a 200 response into out. Non-200
// responses become a *contracts.GatewayError carrying the status code so
// the router can decide whether to retry.
func postJSON(ctx context.Context, client *http.Client, kind, model, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", kind, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return &contracts.GatewayError{Provider: kind, Model: model, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &contracts.GatewayError{
			Provider:   kind,
			Model:      model,
			StatusCode: httpResp.StatusCode,
			Message:    string(respBody),
		}
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return &contracts.GatewayError{Provider: kind, Model: model, Message: "decode response", Err: err}
	}
	return nil
}

// getOK issues a GET and reports non-200 responses as errors.
func getOK(ctx context.Context, client *http.Client, url string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
