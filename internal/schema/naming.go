package schema

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"regexp"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// QuoteIdentifier quotes name for interpolation into a DDL statement.
// Every CREATE, DROP and ALTER SCHEMA statement goes through it.
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// MaxNameLength is the PostgreSQL identifier limit (NAMEDATALEN - 1).
const MaxNameLength = 63

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateName checks name against the schema naming policy: lowercase
// letters, digits and underscore, starting with a letter, at most 63 bytes.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// NameGenerator produces pool schema names of the form <prefix><suffix>
// where suffix is random lowercase alphanumeric.
type NameGenerator struct {
	prefix       string
	suffixLength int
	maxAttempts  int
	random       io.Reader
	pattern      *regexp.Regexp
}

// NewNameGenerator validates the naming configuration and returns a generator.
func NewNameGenerator(prefix string, suffixLength, maxAttempts int) (*NameGenerator, error) {
	if suffixLength < 1 {
		return nil, fmt.Errorf("schema name suffix length must be positive, got %d", suffixLength)
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("schema name attempts must be positive, got %d", maxAttempts)
	}
	if len(prefix)+suffixLength > MaxNameLength {
		return nil, fmt.Errorf("schema name prefix %q plus %d suffix characters exceeds %d", prefix, suffixLength, MaxNameLength)
	}
	// the prefix must keep generated names inside the naming policy
	if err := ValidateName(prefix + "a"); err != nil {
		return nil, fmt.Errorf("schema name prefix %q: %w", prefix, err)
	}
	return &NameGenerator{
		prefix:       prefix,
		suffixLength: suffixLength,
		maxAttempts:  maxAttempts,
		random:       rand.Reader,
		pattern:      regexp.MustCompile(fmt.Sprintf(`^%s[a-z0-9]{%d,}$`, regexp.QuoteMeta(prefix), suffixLength)),
	}, nil
}

// Matches reports whether name has the shape of a generated pool schema name.
func (g *NameGenerator) Matches(name string) bool {
	return g.pattern.MatchString(name)
}

// Random returns one candidate name without checking for collisions.
func (g *NameGenerator) Random() (string, error) {
	suffix := make([]byte, 0, g.suffixLength)
	buf := make([]byte, g.suffixLength*2)
	for len(suffix) < g.suffixLength {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			// 252 is the largest multiple of 36 below 256; rejecting the
			// rest keeps every character equally likely
			if b >= 252 {
				continue
			}
			suffix = append(suffix, suffixAlphabet[int(b)%len(suffixAlphabet)])
			if len(suffix) == g.suffixLength {
				break
			}
		}
	}
	return g.prefix + string(suffix), nil
}

// Generate returns a name for which taken reports false, retrying up to the
// configured attempt count. It fails with ErrNameCollision when every
// candidate is taken.
func (g *NameGenerator) Generate(ctx context.Context, taken func(ctx context.Context, name string) (bool, error)) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name, err := g.Random()
		if err != nil {
			return "", err
		}
		exists, err := taken(ctx, name)
		if err != nil {
			return "", fmt.Errorf("check schema name %s: %w", name, err)
		}
		if !exists {
			return name, nil
		}
		log.Warn().Str("schema", name).Int("attempt", attempt).Msg("Generated schema name already taken, retrying")
	}
	return "", fmt.Errorf("%w: no free name after %d attempts", ErrNameCollision, g.maxAttempts)
}
