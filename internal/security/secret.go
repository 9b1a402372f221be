// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package security holds helpers for credential material: refresh
// credentials, session tokens and bearer secrets.
package security

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
)

const redacted = "[SECRET]"

// Secret wraps sensitive bytes (refresh credentials, session tokens) so
// that formatting, JSON and text encoding never reveal them. Use Reveal when
// the raw value must cross a boundary, e.g. an outgoing HTTP request.
type Secret []byte

// String redacts the secret for fmt.Print* convenience.
func (s Secret) String() string { return redacted }

// Format implements fmt.Formatter so %v, %#v and %s are redacted too.
func (s Secret) Format(f fmt.State, c rune) {
	_, _ = io.WriteString(f, redacted)
}

// MarshalJSON redacts secrets in JSON output.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

// MarshalText redacts secrets for text encoders.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Reveal returns the raw value as a string.
func (s Secret) Reveal() string { return string(s) }

// IsEmpty reports whether the secret holds no material.
func (s Secret) IsEmpty() bool { return len(s) == 0 }

// Clone returns an independent copy.
func (s Secret) Clone() Secret {
	if s == nil {
		return nil
	}
	out := make([]byte, len(s))
	copy(out, s)
	return Secret(out)
}

// Zero overwrites the underlying bytes.
func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	for i := range *s {
		(*s)[i] = 0
	}
}

// FromString creates a Secret from a string.
func FromString(in string) Secret {
	if in == "" {
		return nil
	}
	return Secret([]byte(in))
}

// Equal compares two secret strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
