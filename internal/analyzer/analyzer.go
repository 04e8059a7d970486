// Package analyzer adapts multimodal AI models to product analysis: it
// builds the prompt, calls the model, and parses the strict-JSON reply
// into a typed result.
package analyzer

import (
	"context"
	"fmt"

	"github.com/squorworks/pipeline/pkg/models"
)

// Analyzer is the model-facing contract. Implementations must be safe
// for concurrent use.
type Analyzer interface {
	// Analyze runs one multimodal analysis over at most MaxImages image
	// URLs plus the consolidated product context.
	Analyze(ctx context.Context, req Request) (*models.AnalysisResult, error)
	// EstimateTokens predicts the token cost of a request for quota
	// admission before the call is made.
	EstimateTokens(req Request) int64
}

// MaxImages caps how many image URLs one analysis submits.
const MaxImages = 5

// DetailLevel selects how much rubric the prompt carries.
type DetailLevel string

const (
	DetailMinimal  DetailLevel = "minimal"
	DetailStandard DetailLevel = "standard"
	DetailDetailed DetailLevel = "detailed"
)

// Request is one analysis invocation.
type Request struct {
	Product models.ConsolidatedProduct
	Images  []string
	Detail  DetailLevel
}

// TransportError wraps network or provider failures. These are
// retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("model transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ParseError means the model replied but not with usable JSON. The raw
// reply is kept for diagnostics.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("unparseable model reply: %v: %q", e.Err, raw)
}
func (e *ParseError) Unwrap() error { return e.Err }

// ErrEmptyReply signals a response with no usable content, which usually
// means the provider silently throttled the call.
var ErrEmptyReply = fmt.Errorf("model returned an empty reply")
