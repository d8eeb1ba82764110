package market

import (
	"context"
	"fmt"
)

func QuoteToAccountRate(instrument string,
	accountCurrency string,
	prices TickSource) (float64, error) {

	meta, err := Lookup(instrument)
	if err != nil {
		return 0, err
	}

	// Case 1: quote currency == account currency (EUR_USD, GBP_USD, etc.)
	if meta.QuoteCurrency == accountCurrency {
		return 1.0, nil
	}

	// Case 2: account currency is base (USD_JPY, USD_CHF, etc.)
	if meta.BaseCurrency == accountCurrency {
		px, err := prices.GetTick(context.Background(), instrument)
		if err != nil {
			return 0, err
		}
		mid := px.Mid()
		if mid <= 0 {
			return 0, fmt.Errorf("no mid price for %s", instrument)
		}
		// USD_JPY mid gives JPY per USD; we want USD per JPY
		return 1.0 / mid, nil
	}

	return 0, fmt.Errorf(
		"cross conversion not implemented for %s → %s",
		meta.QuoteCurrency,
		accountCurrency,
	)
}

// PipValuePerLot is the account-currency value of a one pip move on 1.0 lot.
func PipValuePerLot(instrument, accountCurrency string, prices TickSource) (float64, error) {
	meta, err := Lookup(instrument)
	if err != nil {
		return 0, err
	}
	rate, err := QuoteToAccountRate(instrument, accountCurrency, prices)
	if err != nil {
		return 0, err
	}
	return meta.PipSize() * meta.ContractSize * rate, nil
}
