package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ehr/consentgate/internal/platform/apperr"
)

// NormalizeAddress validates a hex wallet address and returns its EIP-55
// checksummed form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: wallet address %q", apperr.ErrInvalidInput, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// SameAddress compares two wallet addresses case-insensitively. Invalid
// addresses never match.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// ShortAddress abbreviates a wallet for display, e.g. 0x1234...abcd.
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
