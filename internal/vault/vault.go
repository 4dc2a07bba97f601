// Package vault resolves provider credentials from the secret surface the
// fleet is provisioned with. The surface is a flat string map (environment
// variables in production) holding numbered credential tuples:
//
//	KAGGLE_USERNAME_n / KAGGLE_KEY_n      family K, accountId "kaggle-n"
//	COLAB_EMAIL_n / COLAB_PASSWORD_n      family C, accountId "colab-n"
package vault

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// ErrCredentialsNotFound is returned when the surface has no complete tuple
// for the requested account.
var ErrCredentialsNotFound = errors.New("credentials not found")

// KaggleCredentials authenticates one family-K account.
type KaggleCredentials struct {
	Username string
	Key      string
}

// ColabCredentials authenticates one family-C account.
type ColabCredentials struct {
	Email    string
	Password string
}

// Vault resolves credentials for discovered accounts.
type Vault interface {
	Kaggle(accountID string) (*KaggleCredentials, error)
	Colab(accountID string) (*ColabCredentials, error)
}

// Surface is a read-only view of the secret map.
type Surface func(key string) (string, bool)

// EnvSurface reads secrets from process environment variables.
func EnvSurface() Surface {
	return os.LookupEnv
}

// MapSurface reads secrets from a static map (tests, file-loaded secrets).
func MapSurface(m map[string]string) Surface {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// SecretVault is the surface-backed Vault implementation.
type SecretVault struct {
	surface Surface
}

// New creates a vault over the given secret surface.
func New(surface Surface) *SecretVault {
	return &SecretVault{surface: surface}
}

// Kaggle resolves the username/key tuple for a family-K account.
func (v *SecretVault) Kaggle(accountID string) (*KaggleCredentials, error) {
	n, err := AccountIndex(models.ProviderKaggle, accountID)
	if err != nil {
		return nil, err
	}
	username, okU := v.surface(fmt.Sprintf("KAGGLE_USERNAME_%d", n))
	key, okK := v.surface(fmt.Sprintf("KAGGLE_KEY_%d", n))
	if !okU || !okK || username == "" || key == "" {
		return nil, fmt.Errorf("%w: %s", ErrCredentialsNotFound, accountID)
	}
	return &KaggleCredentials{Username: username, Key: key}, nil
}

// Colab resolves the email/password tuple for a family-C account.
func (v *SecretVault) Colab(accountID string) (*ColabCredentials, error) {
	n, err := AccountIndex(models.ProviderColab, accountID)
	if err != nil {
		return nil, err
	}
	email, okE := v.surface(fmt.Sprintf("COLAB_EMAIL_%d", n))
	password, okP := v.surface(fmt.Sprintf("COLAB_PASSWORD_%d", n))
	if !okE || !okP || email == "" || password == "" {
		return nil, fmt.Errorf("%w: %s", ErrCredentialsNotFound, accountID)
	}
	return &ColabCredentials{Email: email, Password: password}, nil
}

// AccountID builds the canonical account id for tuple n of a family.
func AccountID(provider models.Provider, n int) string {
	return fmt.Sprintf("%s-%d", provider, n)
}

// AccountIndex parses the tuple number back out of a canonical account id.
func AccountIndex(provider models.Provider, accountID string) (int, error) {
	prefix := string(provider) + "-"
	if !strings.HasPrefix(accountID, prefix) {
		return 0, fmt.Errorf("malformed account id %q for provider %s", accountID, provider)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(accountID, prefix))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("malformed account id %q for provider %s", accountID, provider)
	}
	return n, nil
}
