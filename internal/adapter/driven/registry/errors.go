package registry

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

const maxErrorMessageLen = 256

// Error is a failed registry API call. It unwraps to one of the model error
// kinds and, for transport failures, to the underlying error.
type Error struct {
	Registry   string
	Op         string
	StatusCode int // zero when no response was received
	Kind       error
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "registry %s: %s", e.Registry, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	fmt.Fprintf(&b, ": %v", e.Kind)
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindForStatus translates a non-2xx HTTP status into an error kind.
func kindForStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return model.ErrNotFound
	case code == http.StatusConflict:
		return model.ErrConflictAlreadyExists
	case code == http.StatusTooManyRequests, code >= 500:
		return model.ErrAdapterUnavailable
	default:
		return model.ErrAdapterRejected
	}
}

func truncateMessage(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	cut := maxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
