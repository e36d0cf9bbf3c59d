package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOpener downloads payloads over HTTP(S).
type HTTPOpener struct {
	client *http.Client
}

func NewHTTPOpener(timeout time.Duration) *HTTPOpener {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPOpener{client: &http.Client{Timeout: timeout}}
}

func (h *HTTPOpener) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	resp, err := h.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (h *HTTPOpener) Stat(ctx context.Context, url string) (int64, error) {
	resp, err := h.do(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.ContentLength, nil
}

func (h *HTTPOpener) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	return resp, nil
}
