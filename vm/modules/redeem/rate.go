package redeem

import (
	"math/big"

	"github.com/persy858/magictree/vm/modules/token"
)

// Exchange-rate parameters. The rate is points per whole token and climbs as
// the player base grows, throttling token emission.
const (
	BaseRate uint64 = 1
	TierSize uint64 = 500
	TierStep uint64 = 2
)

// Rate returns the points-per-token price for the given player count.
// Recompute it fresh at every resolution; it must never be cached across the
// player counter changing.
func Rate(totalPlayers uint64) uint64 {
	return BaseRate + (totalPlayers/TierSize)*TierStep
}

// TokensFor converts a point spend into token base units at the given rate:
// spend * 1e18 / rate, truncating.
func TokensFor(spend uint32, rate uint64) *big.Int {
	out := new(big.Int).Mul(big.NewInt(int64(spend)), token.Scale)
	return out.Quo(out, new(big.Int).SetUint64(rate))
}
