package wechat_official

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// apiStatus is the errcode/errmsg pair every WeChat API response carries.
type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (s apiStatus) status() apiStatus { return s }

type apiResponse interface {
	status() apiStatus
}

// APIError is a non-zero errcode returned by the WeChat API.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("WeChat API error: %d - %s", e.Code, e.Msg)
}

type apiClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func (c *apiClient) do(ctx context.Context, method, endpoint string, query url.Values, contentType string, body io.Reader, out apiResponse) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := strings.TrimRight(c.baseURL, "/") + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("WeChat API returned HTTP %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if st := out.status(); st.ErrCode != 0 {
		return &APIError{Code: st.ErrCode, Msg: st.ErrMsg}
	}
	return nil
}

func (c *apiClient) postJSON(ctx context.Context, endpoint string, query url.Values, payload interface{}, out apiResponse) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, query, "application/json", bytes.NewReader(data), out)
}
