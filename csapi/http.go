package csapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/hazyhaar/webboot/horosafe"
)

// maxResponseBody caps an API answer (10 MiB).
const maxResponseBody int64 = 10 << 20

// HTTPHandler returns a Handler that POSTs the payload as JSON to the URL
// produced by target for each call.
func HTTPHandler(client *http.Client, target func() string) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target(), bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("csapi: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("csapi: do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, maxResponseBody)
		if err != nil {
			return nil, fmt.Errorf("csapi: read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ErrStatus{Status: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	}
}
