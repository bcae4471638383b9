// Package address canonicalizes account addresses before they are used as
// cache keys or upstream query parameters.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for input that is not a 20-byte hex address
// or carries a mixed-case checksum that does not verify.
var ErrInvalidAddress = errors.New("invalid Ethereum address")

// Canonicalize parses s into an address. The lowercase 0x prefix is
// optional; 0X and surrounding whitespace are rejected.
// All-lowercase and all-uppercase hex are accepted as is; mixed case must
// match the EIP-55 checksum.
func Canonicalize(s string) (common.Address, error) {
	if strings.HasPrefix(s, "0X") || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)

	body := strings.TrimPrefix(s, "0x")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if addr.Hex()[2:] != body {
			return common.Address{}, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, s)
		}
	}
	return addr, nil
}

// IsValid reports whether s canonicalizes.
func IsValid(s string) bool {
	_, err := Canonicalize(s)
	return err == nil
}

// CacheKey derives the cache identity of a per-network count.
func CacheKey(networkID string, addr common.Address) string {
	return "attestations_" + networkID + "_" + strings.ToLower(addr.Hex())
}
