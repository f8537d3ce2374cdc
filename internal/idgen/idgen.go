// Package idgen generates short, human-readable identifiers for queue
// items and priority rules.
//
// Queue items get content-hash IDs ("itm-x7k2p9"): the digest covers the
// mutation's identity and creation time, so regeneration after a crash is
// stable and the ID doubles as an idempotency key for server requests.
// Rules get slug IDs derived from their names ("rule-escalate_submitted"),
// which read better in terminal output than opaque digests. Collisions are
// handled by the caller bumping the nonce.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// idLength is the digest portion of hash IDs: 6 base36 chars from 4 bytes.
const idLength = 6

// maxSlugLength keeps rule IDs comfortable on one terminal line.
const maxSlugLength = 40

// ID prefixes per record family.
const (
	PrefixItem   = "itm"
	PrefixRule   = "rule"
	PrefixUpdate = "upd"
)

var nonAlphanumericRegex = regexp.MustCompile(`[^a-z0-9]+`)

// EncodeBase36 converts a byte slice to a base36 string of the given
// length. Base36 packs more information per character than hex, which
// keeps IDs short enough to type.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	// Build the string in reverse
	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}

	// Truncate to exact length if needed (keep least significant digits)
	if len(str) > length {
		str = str[len(str)-length:]
	}

	return str
}

// HashID builds an ID from record content, creation time, and a collision
// nonce. The same inputs always produce the same ID; callers bump the nonce
// only when the store reports a duplicate.
func HashID(prefix string, timestamp time.Time, nonce int, parts ...string) string {
	content := fmt.Sprintf("%s|%d|%d", strings.Join(parts, "|"), timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))
	return prefix + "-" + EncodeBase36(hash[:4], idLength)
}

// QueueItemID derives the ID for a queued mutation from what it targets
// and when it was created.
func QueueItemID(kind, action, entityID string, timestamp time.Time, nonce int) string {
	return HashID(PrefixItem, timestamp, nonce, kind, action, entityID)
}

// UpdateID derives the ID for an optimistic update the same way.
func UpdateID(kind, operation, entityID string, timestamp time.Time, nonce int) string {
	return HashID(PrefixUpdate, timestamp, nonce, kind, operation, entityID)
}

// RuleID derives a readable rule ID from the rule's name. The plain slug
// is used first; once taken, a short digest suffix disambiguates.
func RuleID(name string, timestamp time.Time, nonce int) string {
	slug := Slug(name)
	if nonce == 0 {
		return PrefixRule + "-" + slug
	}
	content := fmt.Sprintf("%s|%d|%d", name, timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))
	return PrefixRule + "-" + slug + "-" + EncodeBase36(hash[:2], 3)
}

// Slug converts a human name into an ID-safe fragment: lowercase
// alphanumerics joined by underscores.
func Slug(name string) string {
	slug := strings.ToLower(name)
	slug = nonAlphanumericRegex.ReplaceAllString(slug, " ")

	words := strings.Fields(slug)
	if len(words) == 0 {
		return "unnamed"
	}

	slug = strings.Join(words, "_")
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
		slug = strings.TrimRightFunc(slug, func(r rune) bool {
			return r == '_' || unicode.IsSpace(r)
		})
	}
	return slug
}
