package store

import (
	"context"
	"fmt"

	"github.com/onnwee/gamesync/crypto"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// OpenOptions selects and configures a backend.
type OpenOptions struct {
	Backend string
	Path    string
	DSN     string
	// EncryptionKey, when set, seals token values at rest.
	EncryptionKey string
}

// Open returns the configured backend, wrapped in Sealed when an encryption
// key is given.
func Open(ctx context.Context, o OpenOptions) (Store, error) {
	var s Store
	switch o.Backend {
	case BackendFile, "":
		f, err := OpenFile(o.Path)
		if err != nil {
			return nil, err
		}
		s = f
	case BackendPostgres:
		p, err := OpenPostgres(ctx, o.DSN)
		if err != nil {
			return nil, err
		}
		s = p
	case BackendMemory:
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown settings backend %q", o.Backend)
	}
	if o.EncryptionKey == "" {
		return s, nil
	}
	sealer, err := crypto.NewAESSealer(o.EncryptionKey)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("settings encryption: %w", err)
	}
	return NewSealed(s, sealer), nil
}
