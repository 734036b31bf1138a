package coa

// DefaultChartOfAccounts returns the seed forest written when a bot is
// provisioned. The 111x block holds brokerage asset accounts, 3999_SUSPENSE
// and 5000_TRADING_PNL are the fallback pair for unmapped postings.
func DefaultChartOfAccounts() []Account {
	return []Account{
		{
			Code: "1000", Name: "Assets", Active: true,
			Children: []Account{
				{
					Code: "1100", Name: "Brokerage", Active: true,
					Children: []Account{
						{Code: "1110", Name: "Cash", Active: true},
						{Code: "1120", Name: "Equity", Active: true},
					},
				},
			},
		},
		{
			Code: "2000", Name: "Liabilities", Active: true,
			Children: []Account{
				{Code: "2100", Name: "ShortPositions", Active: true},
			},
		},
		{
			Code: "3000", Name: "Equity", Active: true,
			Children: []Account{
				{Code: "3100", Name: "OpeningBalances", Active: true},
				{Code: "3999_SUSPENSE", Name: "Suspense", Active: true},
			},
		},
		{
			Code: "4000", Name: "Income", Active: true,
			Children: []Account{
				{Code: "4100", Name: "Dividends", Active: true},
				{Code: "4110", Name: "Interest", Active: true},
				{Code: "5000_TRADING_PNL", Name: "TradingPnL", Active: true},
			},
		},
		{
			Code: "6000", Name: "Expenses", Active: true,
			Children: []Account{
				{Code: "6100", Name: "Fees", Active: true},
				{Code: "6110", Name: "Commissions", Active: true},
			},
		},
	}
}
