package networks

import (
	"fmt"
	"strings"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
)

// Resolve returns a copy of the table entry for networkID, or nil when the
// table has no such network.
func Resolve(networkID uint64, table Table) *NetworkMetadata {
	if networkID == 0 {
		return nil
	}
	for _, n := range table {
		if n.NetworkID == networkID {
			out := n
			return &out
		}
	}
	return nil
}

// DisplayName never returns an empty string: unknown networks render as
// "Unknown Network (<id>)".
func DisplayName(data *NetworkMetadata, networkID uint64) string {
	if data != nil {
		if name := strings.TrimSpace(data.Name); name != "" {
			return name
		}
		name := strings.TrimSpace(data.Chain)
		if label := strings.TrimSpace(data.Network); label != "" && !isMainnet(label) {
			name = strings.TrimSpace(name + " " + label)
		}
		if name != "" {
			return name
		}
	}
	return fmt.Sprintf("Unknown Network (%d)", networkID)
}

// IsTestnet treats anything that is not explicitly the production network,
// including an unresolved one, as a testnet.
func IsTestnet(data *NetworkMetadata) bool {
	if data == nil {
		return true
	}
	return !isMainnet(data.Network)
}

func isMainnet(label string) bool {
	return strings.EqualFold(strings.TrimSpace(label), constants.MainnetLabel)
}
