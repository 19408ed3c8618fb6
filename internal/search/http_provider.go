package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"importq/internal/config"
	"importq/internal/constants"
)

// HTTPProvider calls the upstream search service over HTTP with a bearer
// token. Responses are classified into transient and permanent failures so
// the worker can decide whether a retry is worthwhile.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(cfg config.SearchConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSearchTimeout
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type searchPayload struct {
	URL     string `json:"url"`
	Limit   int    `json:"limit,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

func (p *HTTPProvider) Search(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(searchPayload{
		URL:     req.URL,
		Limit:   req.Limit,
		BatchID: req.BatchID,
		JobID:   req.JobID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &UpstreamError{
				Code:      constants.ErrCodeUpstreamTimeout,
				Message:   "upstream search timed out",
				Transient: true,
			}
		}
		return nil, &UpstreamError{
			Code:      constants.ErrCodeUpstreamError,
			Message:   err.Error(),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &UpstreamError{
			Code:      constants.ErrCodeUpstreamError,
			Message:   fmt.Sprintf("reading upstream response: %v", err),
			Transient: true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Code:       statusCode(resp.StatusCode),
			Message:    fmt.Sprintf("upstream returned %d", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
		}
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &UpstreamError{
			Code:       constants.ErrCodeParseError,
			Message:    "upstream response was not valid JSON",
			HTTPStatus: resp.StatusCode,
		}
	}

	result.UpstreamStatus = resp.StatusCode
	return &result, nil
}

func statusCode(httpStatus int) string {
	if httpStatus == http.StatusRequestTimeout {
		return constants.ErrCodeUpstreamTimeout
	}
	return constants.ErrCodeUpstreamError
}

// transientStatus marks the statuses worth retrying within the same run.
func transientStatus(httpStatus int) bool {
	switch httpStatus {
	case http.StatusRequestTimeout, http.StatusMisdirectedRequest, http.StatusTooManyRequests:
		return true
	}
	return httpStatus >= 500
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
