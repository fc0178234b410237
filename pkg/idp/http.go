package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// doJSON performs an authenticated request and decodes the JSON response
// into out. It maps 401/403 to ErrTokenRejected and every other non-2xx
// status (and transport failure) to *TransientError.
func doJSON(ctx context.Context, client *http.Client, method, url, token string, body io.Reader, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &TransientError{Op: method + " " + url, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w (HTTP %d from %s)", ErrTokenRejected, resp.StatusCode, url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransientError{
			Op:  method + " " + url,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: method + " " + url, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
