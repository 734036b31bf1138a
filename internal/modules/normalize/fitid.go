package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// FITID prefixes per record family.
const (
	prefixTrade    = "TRD"
	prefixActivity = "ACT"
	prefixPosition = "POS"
)

// groupIDNamespace is the fixed UUIDv5 namespace for group ids. Changing it
// would re-key every historical group, so it never changes.
var groupIDNamespace = uuid.MustParse("8f1e9c4a-2d5b-4c7e-9a31-6e0d8b7f4a21")

// FITID computes the deterministic source id for a record: the SHA-1 hex of
// the family prefix and the stable id parts, pipe-joined.
func FITID(prefix string, parts ...string) string {
	seed := prefix
	if len(parts) > 0 {
		seed += "|" + strings.Join(parts, "|")
	}
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// GroupID derives the deterministic journal group id from a seed, normally
// the FITID or an order-level id shared by sibling legs.
func GroupID(seed string) string {
	return uuid.NewSHA1(groupIDNamespace, []byte(seed)).String()
}
