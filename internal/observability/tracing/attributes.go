package tracing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared by the engine and the HTTP layer.
const (
	AttrFeature       = attribute.Key("credit.feature")
	AttrCost          = attribute.Key("credit.cost")
	AttrOutcome       = attribute.Key("credit.outcome")
	AttrResult        = attribute.Key("credit.result")
	AttrDuplicate     = attribute.Key("credit.duplicate")
	AttrCorrelationID = attribute.Key("correlation_id")
	AttrRequestID     = attribute.Key("request_id")
)

// Session ids and metadata are caller supplied and may carry user content.
var sensitiveAttributeKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"authorization",
	"metadata",
	"session_id",
}

var errorCodePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SafeAttributes drops attributes with sensitive keys.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitiveKey(string(attr.Key)) {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

// SafeError reduces err to the outermost snake_case error code in its chain, or to
// its type when the chain carries no code.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	if code := errorCode(err); code != "" {
		return errors.New(code)
	}
	return fmt.Errorf("%T", err)
}

func errorCode(err error) string {
	queue := []error{err}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == nil {
			continue
		}
		if msg := current.Error(); errorCodePattern.MatchString(msg) {
			return msg
		}
		switch wrapped := current.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, wrapped.Unwrap()...)
		case interface{ Unwrap() error }:
			queue = append(queue, wrapped.Unwrap())
		}
	}
	return ""
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range sensitiveAttributeKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}
