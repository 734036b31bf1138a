package normalize

import (
	"strings"

	"github.com/aristath/tradebook/internal/domain"
)

// tradeActions maps raw broker trade actions to OFX transaction types.
// Unknown actions map to OTHER, never to an error.
var tradeActions = map[string]domain.TrnType{
	"buy":           domain.TrnBuy,
	"buy_to_open":   domain.TrnBuy,
	"buy_to_close":  domain.TrnBuy,
	"buy_to_cover":  domain.TrnBuy,
	"long":          domain.TrnBuy,
	"sell":          domain.TrnSell,
	"sell_short":    domain.TrnSell,
	"sell_to_open":  domain.TrnSell,
	"sell_to_close": domain.TrnSell,
	"short":         domain.TrnSell,
}

// activityTypes maps raw broker cash activity types to OFX transaction
// types.
var activityTypes = map[string]domain.TrnType{
	"div":        domain.TrnDiv,
	"dividend":   domain.TrnDiv,
	"divcgl":     domain.TrnDiv,
	"divcgs":     domain.TrnDiv,
	"divnra":     domain.TrnDiv,
	"divroc":     domain.TrnDiv,
	"int":        domain.TrnInt,
	"interest":   domain.TrnInt,
	"fee":        domain.TrnFee,
	"reg_fee":    domain.TrnFee,
	"taf_fee":    domain.TrnFee,
	"transfer":   domain.TrnTransfer,
	"xfer":       domain.TrnXfer,
	"journal":    domain.TrnXfer,
	"jnlc":       domain.TrnXfer,
	"jnls":       domain.TrnXfer,
	"withdrawal": domain.TrnWithdrawal,
	"wire_out":   domain.TrnWithdrawal,
	"ach_out":    domain.TrnWithdrawal,
	"deposit":    domain.TrnDeposit,
	"wire_in":    domain.TrnDeposit,
	"ach_in":     domain.TrnDeposit,
	"csd":        domain.TrnDeposit,
	"csw":        domain.TrnWithdrawal,
}

// MapTradeAction returns the transaction type for a raw trade action.
func MapTradeAction(action string) domain.TrnType {
	if t, ok := tradeActions[strings.ToLower(strings.TrimSpace(action))]; ok {
		return t
	}
	return domain.TrnOther
}

// MapActivityType returns the transaction type for a raw cash activity
// type.
func MapActivityType(activityType string) domain.TrnType {
	if t, ok := activityTypes[strings.ToLower(strings.TrimSpace(activityType))]; ok {
		return t
	}
	return domain.TrnOther
}
