// Package token generates and vets attendance session tokens.
//
// A session token is 12 characters drawn uniformly from the 36 upper-case
// letters and digits, which gives roughly 62 bits of entropy per token.
package token

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
	"unicode"
)

const (
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	Length   = 12

	// MinEntropyBits is the floor below which a token is reported as low assurance.
	MinEntropyBits = 25.0
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var formatRegex = regexp.MustCompile(`^[A-Z0-9]{12}$`)

// SecurityReport is the monitoring view of a single token.
type SecurityReport struct {
	IsValid       bool    `json:"isValid"`
	EntropyBits   float64 `json:"entropy"`
	CollisionRisk string  `json:"collisionRisk"`
	LowAssurance  bool    `json:"lowAssurance"`
}

// UniquenessReport is the result of a generation self-test.
type UniquenessReport struct {
	SampleSize    int     `json:"sampleSize"`
	Duplicates    int     `json:"duplicates"`
	CollisionRate float64 `json:"collisionRate"`
}

// Generate returns a fresh session token from crypto/rand.
func Generate() (string, error) {
	size := big.NewInt(int64(len(Alphabet)))
	buf := make([]byte, Length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidateFormat reports whether token is exactly 12 upper-case letters or digits.
func ValidateFormat(token string) bool {
	if len(token) != Length {
		return false
	}
	return formatRegex.MatchString(token)
}

// Sanitize normalizes user-typed input: surrounding and embedded whitespace is
// removed and letters are upper-cased. The second return is false when the
// cleaned value still is not a valid token.
func Sanitize(raw string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.ToUpper(cleaned)

	if !ValidateFormat(cleaned) {
		return "", false
	}
	return cleaned, true
}

// EntropyBits is the entropy of a uniformly generated token of the given shape.
func EntropyBits(alphabetSize, length int) float64 {
	if alphabetSize <= 1 || length <= 0 {
		return 0
	}
	return float64(length) * math.Log2(float64(alphabetSize))
}

// ValidateSecurity estimates the strength of a token. It never rejects a
// format-valid token; weak ones are flagged LowAssurance for monitoring.
func ValidateSecurity(token string) SecurityReport {
	if !ValidateFormat(token) {
		return SecurityReport{
			IsValid:       false,
			EntropyBits:   0,
			CollisionRisk: RiskHigh,
			LowAssurance:  true,
		}
	}

	entropy := EntropyBits(len(Alphabet), len(token))
	return SecurityReport{
		IsValid:       true,
		EntropyBits:   entropy,
		CollisionRisk: collisionRisk(entropy),
		LowAssurance:  entropy < MinEntropyBits || isDegenerate(token),
	}
}

// TestUniqueness generates sampleSize tokens and counts repeats.
func TestUniqueness(sampleSize int) (UniquenessReport, error) {
	report := UniquenessReport{SampleSize: sampleSize}
	if sampleSize <= 0 {
		return report, nil
	}

	seen := make(map[string]struct{}, sampleSize)
	for i := 0; i < sampleSize; i++ {
		t, err := Generate()
		if err != nil {
			return report, err
		}
		if _, dup := seen[t]; dup {
			report.Duplicates++
			continue
		}
		seen[t] = struct{}{}
	}

	report.CollisionRate = float64(report.Duplicates) / float64(sampleSize)
	return report, nil
}

// Mask hides all but the first four characters for logging.
func Mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "-****"
}

func collisionRisk(entropy float64) string {
	switch {
	case entropy >= 60:
		return RiskLow
	case entropy >= 40:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// isDegenerate flags tokens where one symbol fills more than half the positions.
func isDegenerate(token string) bool {
	counts := make(map[rune]int, len(token))
	for _, r := range token {
		counts[r]++
		if counts[r] > len(token)/2 {
			return true
		}
	}
	return false
}
