package airdrop

import (
	"time"

	"github.com/wenbnb/wenbnb/internal/market"
)

// TokenScore rates how likely a token is to be a live airdrop candidate,
// from 0 to 100. pairs must be sorted most liquid first.
func TokenScore(pairs []market.Pair, now time.Time) int {
	if len(pairs) == 0 {
		return 10
	}
	top := pairs[0]
	score := 20
	switch {
	case top.LiquidityUSD >= 100_000:
		score += 25
	case top.LiquidityUSD >= 10_000:
		score += 15
	case top.LiquidityUSD >= 1_000:
		score += 5
	}
	switch {
	case top.Volume24h >= 50_000:
		score += 20
	case top.Volume24h >= 5_000:
		score += 10
	}
	if !top.CreatedAt.IsZero() && now.Sub(top.CreatedAt) < 30*24*time.Hour {
		score += 15
	}
	if len(pairs) >= 3 {
		score += 10
	}
	return clamp(score)
}

// WalletScore rates wallet activity by its sent transaction count.
func WalletScore(txs int64) int {
	switch {
	case txs <= 0:
		return 5
	case txs < 10:
		return 25
	case txs < 100:
		return 55
	case txs < 1000:
		return 75
	default:
		return 85
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
