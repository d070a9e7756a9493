package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxContextDepth bounds nesting of context payloads.
const MaxContextDepth = 20

// ContextKind names the variant a Context carries.
type ContextKind string

const (
	ContextEmpty     ContextKind = "empty"
	ContextReview    ContextKind = "review"
	ContextFeedback  ContextKind = "feedback"
	ContextPhase     ContextKind = "phase"
	ContextTicket    ContextKind = "ticket"
	ContextReference ContextKind = "reference"
	ContextOpaque    ContextKind = "opaque"
)

// Verdict is a reviewer's decision on the output awaiting review.
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
	VerdictRejected         Verdict = "rejected"
)

type ReviewContext struct {
	Verdict Verdict `json:"verdict" enum:"approved,changes_requested,rejected"`
	Notes   string  `json:"notes,omitempty"`
}

// FeedbackContext carries the routed review comment a message was built from.
type FeedbackContext struct {
	Label      string `json:"label,omitempty"`
	FilePath   string `json:"file_path"`
	Line       *int   `json:"line,omitempty"`
	Body       string `json:"body,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`
}

// Context is the structured side-payload of a Message. Known keys are typed; anything a newer
// agent needs goes under Extra.
type Context struct {
	WorkflowID  string                     `json:"workflow_id,omitempty"`
	PhaseDoc    string                     `json:"phase_doc,omitempty"`
	Files       []string                   `json:"files,omitempty"`
	URLs        []string                   `json:"urls,omitempty"`
	WorkItemID  string                     `json:"work_item_id,omitempty"`
	PullRequest string                     `json:"pull_request,omitempty"`
	PriorResult json.RawMessage            `json:"prior_result,omitempty"`
	Review      *ReviewContext             `json:"review,omitempty"`
	Feedback    *FeedbackContext           `json:"feedback,omitempty"`
	Extra       map[string]json.RawMessage `json:"extra,omitempty"`
}

// Kind reports the most specific variant present.
func (c Context) Kind() ContextKind {
	switch {
	case c.Review != nil:
		return ContextReview
	case c.Feedback != nil:
		return ContextFeedback
	case c.PhaseDoc != "":
		return ContextPhase
	case c.WorkItemID != "" || c.PullRequest != "":
		return ContextTicket
	case c.WorkflowID != "" || len(c.Files) > 0 || len(c.URLs) > 0 || len(c.PriorResult) > 0:
		return ContextReference
	case len(c.Extra) > 0:
		return ContextOpaque
	default:
		return ContextEmpty
	}
}

// DecodeContext parses a context object, rejecting unknown top-level keys and excessive nesting.
// A null or empty payload yields the empty context.
func DecodeContext(data []byte) (Context, error) {
	var c Context
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return c, nil
	}
	if trimmed[0] != '{' {
		return c, &ValidationError{Field: "context", Reason: "must be an object"}
	}
	if depth, err := jsonDepth(trimmed); err != nil {
		return c, &ValidationError{Field: "context", Reason: err.Error()}
	} else if depth > MaxContextDepth {
		return c, &ValidationError{Field: "context", Reason: fmt.Sprintf("nesting depth %d exceeds %d", depth, MaxContextDepth)}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Context{}, &ValidationError{Field: "context", Reason: strings.TrimPrefix(err.Error(), "json: ")}
	}
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// Validate checks the typed variants for required fields.
func (c Context) Validate() error {
	if c.Review != nil {
		switch c.Review.Verdict {
		case VerdictApproved, VerdictChangesRequested, VerdictRejected:
		default:
			return &ValidationError{Field: "context.review.verdict", Reason: fmt.Sprintf("unknown verdict %q", c.Review.Verdict)}
		}
	}
	if c.Feedback != nil && strings.TrimSpace(c.Feedback.FilePath) == "" {
		return &ValidationError{Field: "context.feedback.file_path", Reason: "required"}
	}
	for k := range c.Extra {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "context.extra", Reason: "empty key"}
		}
	}
	return nil
}

func jsonDepth(data []byte) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth, max := 0, 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return max, nil
			}
			return 0, err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > max {
					max = depth
				}
			default:
				depth--
			}
		}
	}
}
