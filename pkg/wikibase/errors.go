package wikibase

import (
	"errors"
	"fmt"
	"strings"

	"wbmigrate/pkg/model"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("wikibase entity not found")
	// ErrLoginRequired indicates the endpoint needs a login this client
	// cannot perform with the configured credentials.
	ErrLoginRequired = errors.New("wikibase login required")
	// ErrParse indicates a failure to parse an API response.
	ErrParse = errors.New("wikibase parse error")

	// ErrUnknownEntityType is the model sentinel re-exported for callers
	// that only hold a gateway.
	ErrUnknownEntityType = model.ErrUnknownEntityType
)

// APIError is a structured MediaWiki error block.
type APIError struct {
	Code     string
	Info     string
	Messages []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api reported %s: %s", e.Code, e.Info)
	if len(e.Messages) > 0 {
		msg += " (" + strings.Join(e.Messages, ", ") + ")"
	}
	return msg
}

// Unwrap maps well-known API codes onto sentinels so callers can use
// errors.Is without string matching.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "no-such-entity", "missing-title":
		return ErrNotFound
	}
	return nil
}
