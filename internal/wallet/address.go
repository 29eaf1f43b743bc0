package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address validation for BSC (EVM) addresses. Mixed-case input must carry a
// valid EIP-55 checksum; all-lowercase and all-uppercase input is accepted
// as unchecksummed and normalized.

var (
	// ErrBadAddress means the string is not a 0x-prefixed 20-byte hex address.
	ErrBadAddress = errors.New("wallet: malformed address")

	// ErrBadChecksum means the address is well-formed hex but its mixed-case
	// spelling does not match the EIP-55 checksum.
	ErrBadChecksum = errors.New("wallet: address checksum mismatch")
)

// NormalizeAddress validates s and returns it in EIP-55 checksum form.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	checksummed := common.HexToAddress(s).Hex()

	hexPart := strings.TrimPrefix(s, "0x")
	hexPart = strings.TrimPrefix(hexPart, "0X")
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		// Unchecksummed input, nothing to verify.
		return checksummed, nil
	}
	if "0x"+hexPart != checksummed {
		return "", fmt.Errorf("%w: %q", ErrBadChecksum, s)
	}
	return checksummed, nil
}

// ValidAddress reports whether s passes NormalizeAddress.
func ValidAddress(s string) bool {
	_, err := NormalizeAddress(s)
	return err == nil
}
