// Package fetcher provides the built-in http task body: a rate-limited GET
// whose decoded response becomes the task payload.
package fetcher

import (
	"context"
)

// Formats accepted in Request.Format.
const (
	FormatAuto = ""
	FormatJSON = "json"
	FormatText = "text"
	FormatCSV  = "csv"
)

// Quality flags attached to partial results.
const (
	FlagTruncatedBody  = "truncated_body"
	FlagTruncatedItems = "truncated_items"
	FlagEmpty          = "empty_result"
)

// Request is the input of one http task unit.
type Request struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`

	// Format selects the decoder. Empty picks JSON or text from the
	// response content type.
	Format string `json:"format,omitempty"`

	// Select is a dotted path into a JSON object response, e.g. "data.items".
	Select string `json:"select,omitempty"`

	// Limit caps the number of array elements or CSV rows kept. Zero keeps all.
	Limit int `json:"limit,omitempty"`
}

// Response is a fetched document.
type Response struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
	Truncated   bool
}

// Fetcher retrieves one document. Errors are *resilience.TransientError or
// *resilience.PermanentError so the scheduler can classify them.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}
