package risk

import "github.com/rustyeddy/fxengine/market"

// SizeVolume converts a risk budget into lots:
//
//	balance * riskPct / (stopPips * pipValuePerLot)
//
// floored to the lot step and capped at the maximum. ok is false when the
// inputs are unusable or the result is below the minimum lot; the volume is
// never rounded up.
func SizeVolume(balance, riskPct, stopPips, pipValuePerLot float64, lots market.LotSpec) (float64, bool) {
	if balance <= 0 || riskPct <= 0 || stopPips <= 0 || pipValuePerLot <= 0 || !lots.Valid() {
		return 0, false
	}
	raw := balance * riskPct / (stopPips * pipValuePerLot)
	vol := lots.Floor(raw)
	if !lots.Tradable(vol) {
		return 0, false
	}
	return vol, true
}

// RiskAmount is the account-currency loss if the stop is hit.
func RiskAmount(volume, stopPips, pipValuePerLot float64) float64 {
	return volume * stopPips * pipValuePerLot
}
