package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onnwee/gamesync/crypto"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		opts    OpenOptions
		wantErr string
	}{
		{"memory", OpenOptions{Backend: BackendMemory}, ""},
		{"file", OpenOptions{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "s.json")}, ""},
		{"default is file", OpenOptions{Path: filepath.Join(t.TempDir(), "s.json")}, ""},
		{"unknown", OpenOptions{Backend: "redis"}, "unknown settings backend"},
		{"bad key", OpenOptions{Backend: BackendMemory, EncryptionKey: "c2hvcnQ="}, "settings encryption"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.opts)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Open() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer s.Close()
			exercise(t, s)
		})
	}
}

func TestOpenSealed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "s.json")
	key := testKey(t)
	s, err := Open(ctx, OpenOptions{Backend: BackendFile, Path: path, EncryptionKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "twitch_access_token", "tok"); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	raw, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if v, _, _ := raw.Get(ctx, "twitch_access_token"); !crypto.IsSealed(v) {
		t.Errorf("stored value %q is not sealed", v)
	}
}
