// Package secmem holds archive credentials in memory that can be wiped once
// the storage client has been built.
package secmem

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("secmem")

// Redacted is printed in place of a secret by every formatter.
const Redacted = "[REDACTED]"

// Secret is a credential that only yields its value through Reveal. The GC may
// still copy the backing array, so Wipe is best effort.
type Secret struct {
	mu     sync.Mutex
	data   []byte
	wiped  atomic.Bool
	warned atomic.Bool
}

// New copies s into a Secret. An empty string yields nil so callers can test
// presence with Empty.
func New(s string) *Secret {
	if s == "" {
		return nil
	}
	b := make([]byte, len(s))
	copy(b, s)
	return &Secret{data: b}
}

// Empty reports whether the secret carries no value.
func (s *Secret) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// Reveal returns the plaintext, or "" for a nil or wiped secret.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	val := string(s.data)
	gone := s.data == nil && s.wiped.Load()
	s.mu.Unlock()
	if gone {
		if s.warned.CompareAndSwap(false, true) {
			log.Warn("credential read after wipe")
		}
		return ""
	}
	return val
}

// Wipe zeroes the backing bytes.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.wiped.Store(true)
}

// Wiped reports whether Wipe has run.
func (s *Secret) Wiped() bool {
	return s != nil && s.wiped.Load()
}

func (s *Secret) String() string   { return Redacted }
func (s *Secret) GoString() string { return Redacted }

// Format covers %v, %+v, %q and the rest so slog and fmt never see plaintext.
func (s *Secret) Format(f fmt.State, _ rune) { fmt.Fprint(f, Redacted) }

func (s *Secret) MarshalJSON() ([]byte, error) { return json.Marshal(Redacted) }
func (s *Secret) MarshalText() ([]byte, error) { return []byte(Redacted), nil }
func (s *Secret) MarshalYAML() (any, error)    { return Redacted, nil }

// Mask returns Redacted for a non-empty value and "" otherwise, for printing
// configuration that still holds plain strings.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	return Redacted
}
