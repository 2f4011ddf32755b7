// Package apikey creates and checks tenant API keys. Raw keys are shown once;
// only the bcrypt hash and the lookup prefix are stored.
package apikey

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/tabflow/pkg/models"
)

// PrefixLen is the number of leading key characters stored in clear for lookup.
const PrefixLen = 8

const keyPrefix = "tf_"

// Key is a freshly generated API key.
type Key struct {
	Raw    string
	Prefix string
	Hash   string
}

// Generate returns a new random key hashed at the given bcrypt cost.
func Generate(cost int) (Key, error) {
	// uuid v4 draws from crypto/rand
	raw := keyPrefix + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return Key{}, fmt.Errorf("hash api key: %w", err)
	}
	return Key{Raw: raw, Prefix: raw[:PrefixLen], Hash: string(hash)}, nil
}

// Matches reports whether raw is the key behind hash.
func Matches(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// NormalizeScopes de-duplicates scopes and rejects unknown ones. An empty
// list yields read and write.
func NormalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return []string{models.ScopeRead, models.ScopeWrite}, nil
	}
	var out []string
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case models.ScopeRead, models.ScopeWrite, models.ScopeAdmin:
		default:
			return nil, fmt.Errorf("unknown scope %q", s)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}
