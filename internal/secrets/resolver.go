package secrets

import (
	"context"
	"crypto/rand"
	"fmt"

	"pixl/internal/constants"
	pixlerrors "pixl/pkg/errors"
)

// Resolver fetches named secrets under a project alias. Implementations
// are key-vault-backed in production and directory-backed in tests.
type Resolver interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
	Create(ctx context.Context, name string, value []byte) error
}

// Secret name layout under a project's key-vault alias.
func SaltName(alias string) string {
	return alias + "--salt"
}

func DICOMWebSecret(alias, field string) string {
	return fmt.Sprintf("%s--dicomweb--%s", alias, field)
}

func FTPSecret(alias, field string) string {
	return fmt.Sprintf("%s--ftp--%s", alias, field)
}

func XNATSecret(alias, field string) string {
	return fmt.Sprintf("%s--xnat--%s", alias, field)
}

// ProjectSalt returns the project's salt, generating and storing a fresh
// 64-byte key on first use.
func ProjectSalt(ctx context.Context, resolver Resolver, alias string) ([]byte, error) {
	name := SaltName(alias)

	salt, err := resolver.Fetch(ctx, name)
	if err == nil {
		return salt, nil
	}
	if !pixlerrors.Is(err, pixlerrors.KindSecretUnavailable) {
		return nil, err
	}

	salt = make([]byte, constants.SaltLengthBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := resolver.Create(ctx, name, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// StaticSalt is a Resolver wrapper that short-circuits salt lookups with a
// fixed value, for test deployments where determinism matters more than
// secrecy.
type StaticSalt struct {
	Resolver
	Salt []byte
}

func (s *StaticSalt) Fetch(ctx context.Context, name string) ([]byte, error) {
	if len(s.Salt) > 0 && isSaltName(name) {
		return s.Salt, nil
	}
	return s.Resolver.Fetch(ctx, name)
}

func isSaltName(name string) bool {
	const suffix = "--salt"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
