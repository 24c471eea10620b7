package model

import "log/slog"

const redacted = "[REDACTED]"

// Secret holds sensitive material such as registry tokens. Every formatting
// path renders it redacted; call Reveal to get the raw value.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	return redacted
}

// GoString implements fmt.GoStringer for %#v.
func (s Secret) GoString() string {
	return redacted
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// MarshalText keeps secrets out of accidental JSON or text encoding.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Reveal returns the raw secret value.
func (s Secret) Reveal() string {
	return string(s)
}
