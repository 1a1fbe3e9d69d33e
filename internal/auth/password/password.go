// Package password implements the first login factor: email and password
// verification against stored bcrypt hashes.
package password

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vaultgate/internal/auth/storage"
	"vaultgate/internal/auth/user"
	apperrors "vaultgate/internal/platform/errors"
)

// ErrInvalidCredentials is returned for unknown accounts and wrong passwords
// alike, so responses carry no account-enumeration signal.
var ErrInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "invalid email or password")

// fallbackHash is compared against when no account matches the email, so the
// miss path costs one bcrypt verification just like the hit path.
var fallbackHash = mustFallbackHash()

func mustFallbackHash() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("vaultgate-fallback-subject"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generate fallback hash: %v", err))
	}
	return hash
}

// Verifier validates the password factor without creating any session state.
type Verifier struct {
	users storage.UserStore
	clock func() time.Time
}

// NewVerifier builds a password verifier over the given user store.
func NewVerifier(users storage.UserStore) *Verifier {
	return &Verifier{users: users, clock: time.Now}
}

// Verify checks email and password and returns the matched user.
// Unknown emails and wrong passwords produce the identical error value.
func (v *Verifier) Verify(ctx context.Context, email, password string) (user.User, error) {
	if v == nil || v.users == nil {
		return user.User{}, fmt.Errorf("user store is not configured")
	}

	normalized := user.NormalizeEmail(email)
	if normalized == "" || password == "" {
		// Still burn a comparison so empty submissions are not a fast path.
		_ = bcrypt.CompareHashAndPassword(fallbackHash, []byte(password))
		return user.User{}, ErrInvalidCredentials
	}

	found, err := v.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(fallbackHash, []byte(password))
			return user.User{}, ErrInvalidCredentials
		}
		return user.User{}, fmt.Errorf("get user by email: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(found.PasswordHash), []byte(password)) != nil {
		return user.User{}, ErrInvalidCredentials
	}
	return found, nil
}

// Hash derives a storable bcrypt hash from a plaintext password.
func Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
