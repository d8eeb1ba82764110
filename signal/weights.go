package signal

import "time"

// Weights maps a factor name to its vote weight. Factors without a weight
// do not vote.
type Weights map[string]float64

// DefaultWeights returns the stock profile for a mode.
func DefaultWeights(m Mode) Weights {
	switch m {
	case ModeHFT:
		return Weights{FactorMomentum: 0.4, FactorRSI: 0.15, FactorBollinger: 0.15, FactorEMACross: 0.1, FactorMACD: 0.1, FactorModel: 0.1}
	case ModeIntraday:
		return Weights{FactorEMACross: 0.3, FactorMACD: 0.3, FactorRSI: 0.15, FactorBollinger: 0.1, FactorModel: 0.15}
	case ModeArbitrage:
		return Weights{FactorBollinger: 0.35, FactorRSI: 0.3, FactorMACD: 0.1, FactorEMACross: 0.1, FactorModel: 0.15}
	default:
		return Weights{FactorRSI: 0.25, FactorMACD: 0.2, FactorEMACross: 0.2, FactorBollinger: 0.2, FactorMomentum: 0.05, FactorModel: 0.1}
	}
}

// Params are the indicator settings shared by every mode.
type Params struct {
	RSIPeriod         int     `yaml:"rsi_period" json:"rsi_period"`
	RSIOversold       float64 `yaml:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought     float64 `yaml:"rsi_overbought" json:"rsi_overbought"`
	MACDFast          int     `yaml:"macd_fast" json:"macd_fast"`
	MACDSlow          int     `yaml:"macd_slow" json:"macd_slow"`
	MACDSignal        int     `yaml:"macd_signal" json:"macd_signal"`
	EMAFast           int     `yaml:"ema_fast" json:"ema_fast"`
	EMASlow           int     `yaml:"ema_slow" json:"ema_slow"`
	BollingerPeriod   int     `yaml:"bollinger_period" json:"bollinger_period"`
	BollingerK        float64 `yaml:"bollinger_k" json:"bollinger_k"`
	MomentumBars      int     `yaml:"momentum_bars" json:"momentum_bars"`
	MomentumThreshold float64 `yaml:"momentum_threshold" json:"momentum_threshold"`
}

func DefaultParams() Params {
	return Params{
		RSIPeriod:         14,
		RSIOversold:       30,
		RSIOverbought:     70,
		MACDFast:          12,
		MACDSlow:          26,
		MACDSignal:        9,
		EMAFast:           9,
		EMASlow:           21,
		BollingerPeriod:   20,
		BollingerK:        2,
		MomentumBars:      5,
		MomentumThreshold: 0.0005,
	}
}

// Settings is everything the aggregator reads from one configuration snapshot.
type Settings struct {
	Mode    Mode
	Weights Weights
	Params  Params
	MaxAge  time.Duration // 0 disables the staleness check
}

func DefaultSettings(m Mode) Settings {
	return Settings{Mode: m, Weights: DefaultWeights(m), Params: DefaultParams()}
}
