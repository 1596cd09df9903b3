// Package chainutils holds small helpers over ledger data: stake filtering,
// node lookup, address formatting and weight conversion.
package chainutils

import (
	"strings"

	"github.com/tensorplex-labs/arena/internal/kami"
)

const (
	rootStakeWeight = 0.18

	devStakeFilter  = 1000
	prodStakeFilter = 10000
)

// EffectiveStake weights root (tao) stake against subnet alpha stake.
func EffectiveStake(alphaStake, rootStake float64) float64 {
	return alphaStake + rootStake*rootStakeWeight
}

// CheckIfMiner reports whether the node's effective stake is below the
// validator threshold for the given environment.
func CheckIfMiner(node kami.Node, environment string) bool {
	stakeFilter := float64(devStakeFilter)
	if strings.ToLower(environment) == "prod" {
		stakeFilter = prodStakeFilter
	}
	return EffectiveStake(node.AlphaStake, node.TaoStake) < stakeFilter
}

// Miners filters nodes down to serving miners with a usable address.
func Miners(nodes []kami.Node, environment string) []kami.Node {
	out := make([]kami.Node, 0, len(nodes))
	for _, n := range nodes {
		if !CheckIfMiner(n, environment) {
			continue
		}
		if _, err := NodeAddress(n.IP, n.Port); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
