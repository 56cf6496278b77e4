package currency

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultNetwork chain assumed for two-part identifiers
	DefaultNetwork = "ethereum"
	// UnknownNetwork network reported for identifiers of any other shape
	UnknownNetwork = "unknown"
)

// Identifier decoded composite asset identifier
type Identifier struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

// Parse decodes "prefix:network:address" or "prefix:address". It never fails:
// any other shape yields the unknown network with the raw input as address.
func Parse(identifier string) Identifier {
	parts := strings.Split(identifier, ":")
	switch len(parts) {
	case 3:
		return Identifier{Network: parts[1], Address: parts[2]}
	case 2:
		return Identifier{Network: DefaultNetwork, Address: parts[1]}
	default:
		return Identifier{Network: UnknownNetwork, Address: identifier}
	}
}

// IsEVM reports whether the address is a 20-byte hex address
func (id Identifier) IsEVM() bool {
	return common.IsHexAddress(id.Address)
}

// Display renders the identifier for terminal output (EIP-55 checksum for EVM addresses)
func (id Identifier) Display() string {
	addr := id.Address
	if id.IsEVM() {
		addr = common.HexToAddress(addr).Hex()
	}
	if len(addr) > 16 {
		addr = addr[:6] + "…" + addr[len(addr)-4:]
	}
	return id.Network + "/" + addr
}
