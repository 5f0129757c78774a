package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransient covers network failures and bodies that are not JSON
	// (an HTML error page from a proxy, a truncated response).
	ErrTransient = errors.New("transient network error")

	// ErrUnauthorized means the room host's playback account is not
	// authenticated.
	ErrUnauthorized = errors.New("authentication required")

	// ErrRoomNotFound matches a StatusError with status 404.
	ErrRoomNotFound = errors.New("room not found")

	// ErrValidation matches a StatusError with status 400 or 422.
	ErrValidation = errors.New("validation failed")
)

// Kind tags a Result.
type Kind int

const (
	KindOk Kind = iota
	KindNoContent
	KindUnauthorized
	KindTransient
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindNoContent:
		return "no-content"
	case KindUnauthorized:
		return "unauthorized"
	case KindTransient:
		return "transient"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one backend request. Callers switch on Kind.
type Result struct {
	Kind   Kind
	Status int

	// Body is the raw JSON payload for KindOk and, when the server sent one,
	// for KindError and KindUnauthorized.
	Body json.RawMessage

	// Message is the server's error text (KindError, KindUnauthorized) or a
	// description of the failure (KindTransient).
	Message string

	cause error
}

// Err converts the result to an error. KindOk and KindNoContent return nil.
func (r Result) Err() error {
	switch r.Kind {
	case KindOk, KindNoContent:
		return nil
	case KindUnauthorized:
		if r.Message != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, r.Message)
		}
		return ErrUnauthorized
	case KindTransient:
		if r.cause != nil {
			return fmt.Errorf("%w: %v", ErrTransient, r.cause)
		}
		return fmt.Errorf("%w: %s", ErrTransient, r.Message)
	case KindError:
		return &StatusError{Status: r.Status, Message: r.Message}
	default:
		return fmt.Errorf("unknown result kind %d", int(r.Kind))
	}
}

// IndicatesAuth reports whether the result means authentication was lost:
// an explicit 401, or an error payload whose message mentions
// authentication or carries status 401.
func (r Result) IndicatesAuth() bool {
	switch r.Kind {
	case KindUnauthorized:
		return true
	case KindError:
		if strings.Contains(strings.ToLower(r.Message), "authentication") {
			return true
		}
		var p struct {
			Status int `json:"status"`
		}
		if len(r.Body) > 0 && json.Unmarshal(r.Body, &p) == nil && p.Status == http.StatusUnauthorized {
			return true
		}
		return false
	default:
		return false
	}
}

// Decode unmarshals the result's payload into T.
func Decode[T any](r Result) (T, error) {
	var v T
	if len(r.Body) == 0 {
		return v, fmt.Errorf("%w: empty body", ErrTransient)
	}
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return v, fmt.Errorf("%w: decode: %v", ErrTransient, err)
	}
	return v, nil
}

// StatusError is a non-2xx response, or a 2xx response carrying an "error"
// field.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRoomNotFound:
		return e.Status == http.StatusNotFound
	case ErrValidation:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
	}
	return false
}

// classify turns a status code and a fully read body into a Result. All
// transport classification happens here.
func classify(status int, contentType string, body []byte) Result {
	if status == http.StatusNoContent {
		return Result{Kind: KindNoContent, Status: status}
	}

	trimmed := bytes.TrimSpace(body)
	isJSON := len(trimmed) > 0 && json.Valid(trimmed)

	if status == http.StatusUnauthorized {
		r := Result{Kind: KindUnauthorized, Status: status}
		if isJSON {
			r.Body = json.RawMessage(trimmed)
			r.Message = errorMessage(trimmed)
		}
		return r
	}

	if len(trimmed) > 0 && !isJSON {
		return Result{
			Kind:    KindTransient,
			Status:  status,
			Message: fmt.Sprintf("status %d: non-JSON body (%s)", status, contentTypeOrUnknown(contentType)),
		}
	}

	if status/100 != 2 {
		r := Result{Kind: KindError, Status: status, Message: http.StatusText(status)}
		if isJSON {
			r.Body = json.RawMessage(trimmed)
			if msg := errorMessage(trimmed); msg != "" {
				r.Message = msg
			}
		}
		return r
	}

	if !isJSON {
		// 2xx with an empty body.
		return Result{Kind: KindOk, Status: status}
	}
	if msg := embeddedError(trimmed); msg != "" {
		return Result{Kind: KindError, Status: status, Body: json.RawMessage(trimmed), Message: msg}
	}
	return Result{Kind: KindOk, Status: status, Body: json.RawMessage(trimmed)}
}

func transient(err error) Result {
	return Result{Kind: KindTransient, Message: err.Error(), cause: err}
}

// errorMessage pulls a human-readable message out of an error payload. The
// backend uses {"error": "..."}; framework validation errors arrive as a map
// of field name to a list of messages.
func errorMessage(body []byte) string {
	if msg := embeddedError(body); msg != "" {
		return msg
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	for _, key := range []string{"message", "detail", "Msg"} {
		if s := stringField(m[key]); s != "" {
			return s
		}
	}
	for field, raw := range m {
		var list []string
		if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
			return field + ": " + list[0]
		}
		if s := stringField(raw); s != "" {
			return field + ": " + s
		}
	}
	return ""
}

// embeddedError returns the "error" field of a JSON object when it is a
// non-empty string or object.
func embeddedError(body []byte) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	raw, ok := m["error"]
	if !ok {
		return ""
	}
	if s := stringField(raw); s != "" {
		return s
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		return string(raw)
	}
	return ""
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func contentTypeOrUnknown(ct string) string {
	if ct == "" {
		return "unknown content type"
	}
	return ct
}
