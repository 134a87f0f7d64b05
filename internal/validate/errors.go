package validate

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which validation step rejected a response.
type Kind int

const (
	// Structure covers missing fields, wrong types and size minimums.
	Structure Kind = iota
	// Content covers placeholder text and, under the reject policy, a full
	// name that does not contain the acronym.
	Content
	// Serialization means the cleaned record did not survive a JSON round trip.
	Serialization
)

func (k Kind) String() string {
	switch k {
	case Structure:
		return "structure"
	case Content:
		return "content"
	case Serialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// InvalidError is returned for a response that failed validation.
type InvalidError struct {
	Kind     Kind
	Detail   string
	Problems []string
}

func (e *InvalidError) Error() string {
	if len(e.Problems) > 1 {
		return fmt.Sprintf("validate: %s: %s (%s)", e.Kind, e.Detail, strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("validate: %s: %s", e.Kind, e.Detail)
}

func invalid(kind Kind, problems ...string) *InvalidError {
	detail := ""
	if len(problems) > 0 {
		detail = problems[0]
	}
	return &InvalidError{Kind: kind, Detail: detail, Problems: problems}
}

// AsInvalid extracts an *InvalidError from err's chain.
func AsInvalid(err error) (*InvalidError, bool) {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
