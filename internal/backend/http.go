package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxErrorBody = 4 << 10

// PostJSON sends in as JSON to url and decodes a 200 response into out.
// Failures come back as *Error with a classified Code.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Code: CodeRejected, Provider: provider, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Code: CodeRejected, Provider: provider, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		code := CodeOf(err)
		if code == CodeRejected {
			// Unclassified transport failures are treated as a broken hop.
			code = CodeGatewayError
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = CodeTimeout
		}
		return &Error{Code: code, Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{
			Code:     CodeFromStatus(resp.StatusCode),
			Provider: provider,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("api error: %s", bytes.TrimSpace(respBody)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Code: CodeTimeout, Provider: provider, Err: err}
		}
		return &Error{Code: CodeGatewayError, Provider: provider, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
