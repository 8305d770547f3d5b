package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pixlerrors "pixl/pkg/errors"
)

// LocalDir resolves secrets from files in a directory, one file per secret
// name. Intended for tests and local compose deployments only.
type LocalDir struct {
	dir string
}

func NewLocalDir(dir string) (*LocalDir, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("secret directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secret path %s is not a directory", dir)
	}
	return &LocalDir{dir: dir}, nil
}

func (l *LocalDir) Fetch(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, pixlerrors.Wrap(pixlerrors.KindSecretUnavailable,
			fmt.Sprintf("failed to read secret %q", name), err)
	}
	if !isSaltName(name) {
		// Text secrets tolerate a trailing newline from manual edits.
		return []byte(strings.TrimRight(string(data), "\n")), nil
	}
	return data, nil
}

func (l *LocalDir) Create(_ context.Context, name string, value []byte) error {
	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, value, 0o600); err != nil {
		return pixlerrors.Wrap(pixlerrors.KindSecretUnavailable,
			fmt.Sprintf("failed to write secret %q", name), err)
	}
	return nil
}
