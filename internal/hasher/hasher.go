// Package hasher produces deterministic, domain-namespaced content hashes.
//
// Values are encoded as canonical JSON (encoding/json sorts map keys) and
// hashed with xxhash64. The domain name is mixed into the digest and
// prefixed to the result, so identical bytes in two domains never collide.
package hasher

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/cespare/xxhash/v2"
)

// Domain namespaces a hash.
type Domain string

const (
	// DomainEntity hashes the non-volatile value of a variant.
	DomainEntity Domain = "entity"
	// DomainSnapshot hashes the full variant, volatile fields included. It
	// keys the entity CAS.
	DomainSnapshot Domain = "snapshot"
	DomainResult   Domain = "result"
	DomainMeta     Domain = "meta"
)

// Hash returns "<domain>:<hex digest>" for v.
func Hash(d Domain, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", d, err)
	}
	return Bytes(d, data), nil
}

// Bytes hashes already-encoded content.
func Bytes(d Domain, data []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(d))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return string(d) + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// Entity hashes the value of a variant, ignoring volatile bookkeeping.
func Entity(v models.Variant) string {
	ref, err := Hash(DomainEntity, v.Value())
	if err != nil {
		// Unencodable parameters never compare equal to another value.
		return string(DomainEntity) + ":unhashable:" + v.ID
	}
	return ref
}

// Snapshot hashes the full variant.
func Snapshot(v models.Variant) string {
	ref, err := Hash(DomainSnapshot, v)
	if err != nil {
		return string(DomainSnapshot) + ":unhashable:" + v.ID
	}
	return ref
}

// Result hashes a test result.
func Result(r models.TestResult) (string, error) {
	return Hash(DomainResult, r)
}

// Meta hashes a schema descriptor.
func Meta(s models.Schema) (string, error) {
	return Hash(DomainMeta, s)
}

// Value hashes an arbitrary parameter subtree in the entity domain. Used to
// compare a single property without a deep walk.
func Value(v interface{}) string {
	ref, err := Hash(DomainEntity, v)
	if err != nil {
		return ""
	}
	return ref
}
