package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/onnwee/gamesync/crypto"
)

// IsSecretKey reports whether key holds a token that is sealed at rest.
func IsSecretKey(key string) bool { return strings.HasSuffix(key, "_token") }

// Sealed encrypts secret keys on their way into the wrapped store and
// decrypts them on the way out. Plaintext values already stored are returned
// unchanged and sealed on the next write.
type Sealed struct {
	Store
	sealer crypto.Sealer
}

// NewSealed wraps s. A nil sealer returns s unchanged.
func NewSealed(s Store, sealer crypto.Sealer) Store {
	if sealer == nil {
		return s
	}
	return &Sealed{Store: s, sealer: sealer}
}

func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.Store.Get(ctx, key)
	if err != nil || !ok || !IsSecretKey(key) {
		return v, ok, err
	}
	plain, err := s.sealer.Open(v)
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	if IsSecretKey(key) {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		value = sealed
	}
	return s.Store.Set(ctx, key, value)
}
