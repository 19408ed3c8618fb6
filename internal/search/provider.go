package search

import (
	"context"
	"fmt"
)

// Candidate is one company match returned by the upstream search service.
type Candidate struct {
	CompanyName string `json:"company_name"`
	WebsiteURL  string `json:"website_url"`
}

// Request describes one enrichment call for a single URL.
type Request struct {
	URL     string
	Limit   int
	BatchID string
	JobID   string
}

// Result is the upstream outcome for one request.
type Result struct {
	Candidates     []Candidate `json:"candidates"`
	SessionID      string      `json:"session_id"`
	SavedCount     int         `json:"saved_count"`
	CompanyIDs     []string    `json:"company_ids"`
	UpstreamStatus int         `json:"-"`
}

// Provider performs the primary company search against the upstream service.
type Provider interface {
	Search(ctx context.Context, req Request) (*Result, error)
}

// UpstreamError classifies an upstream failure. Transient failures are worth
// another attempt within the same run; the rest fail the job immediately.
type UpstreamError struct {
	Code       string
	Message    string
	HTTPStatus int
	Transient  bool
}

func (e *UpstreamError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
