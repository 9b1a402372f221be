// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestSecretRedactionAndJSON(t *testing.T) {
	s := FromString("supersecret")
	for _, verb := range []string{"%v", "%s", "%#v"} {
		if got := fmt.Sprintf(verb, s); got != "[SECRET]" {
			t.Fatalf("unexpected %s output: %q", verb, got)
		}
	}
	b, err := json.Marshal(struct{ Token Secret }{s})
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	if string(b) != `{"Token":"[SECRET]"}` {
		t.Fatalf("unexpected json marshal: %s", string(b))
	}
}

func TestSecretReveal(t *testing.T) {
	s := FromString("refresh-abc")
	if s.Reveal() != "refresh-abc" {
		t.Fatalf("Reveal() = %q", s.Reveal())
	}
	if FromString("") != nil || !FromString("").IsEmpty() {
		t.Fatal("empty input should produce an empty secret")
	}
}

func TestSecretClone(t *testing.T) {
	s := FromString("abc")
	c := s.Clone()
	c[0] = 'X'
	if s[0] != 'a' {
		t.Fatal("modifying clone affected original")
	}
	if Secret(nil).Clone() != nil {
		t.Fatal("clone of nil should be nil")
	}
}

func TestSecretZero(t *testing.T) {
	s := FromString("abc123")
	(&s).Zero()
	for i, b := range s {
		if b != 0 {
			t.Fatalf("expected zeroed byte at index %d, got %d", i, b)
		}
	}
	var nilPtr *Secret
	nilPtr.Zero()
}

func TestEqual(t *testing.T) {
	if !Equal("token", "token") {
		t.Fatal("equal strings should compare equal")
	}
	if Equal("token", "tokeN") || Equal("token", "") {
		t.Fatal("different strings should not compare equal")
	}
}
