package domain

import (
	"regexp"
	"strings"
)

var (
	addressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	escrowIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	txHashPattern   = escrowIDPattern
)

// NormalizeAddress validates a chain address and returns its lowercase form.
// Mixed-case (checksummed) and lowercase spellings of one address normalize
// to the same string.
func NormalizeAddress(field, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressPattern.MatchString(addr) {
		return "", InvalidArgument(field, "must be 0x followed by 40 hex characters")
	}
	return strings.ToLower(addr), nil
}

// NormalizeEscrowID validates a bytes32 escrow id and lowercases it.
func NormalizeEscrowID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !escrowIDPattern.MatchString(id) {
		return "", InvalidArgument("escrowId", "must be 0x followed by 64 hex characters")
	}
	return strings.ToLower(id), nil
}

// NormalizeTxHash validates a transaction hash and lowercases it.
func NormalizeTxHash(field, hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if !txHashPattern.MatchString(hash) {
		return "", InvalidArgument(field, "must be 0x followed by 64 hex characters")
	}
	return strings.ToLower(hash), nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
