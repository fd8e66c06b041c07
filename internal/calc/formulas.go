package calc

import (
	"github.com/stockpulse/pipeline-cli/internal/model"
)

// formulaFunc computes one calculated field from the resolved inputs. The
// engine has already verified every declared dependency is present.
type formulaFunc func(c *fcx) Result

// Trading-day window lengths for the rolling calculations.
const (
	weekWindow    = 5
	volumeWindow  = 20
	monthWindow   = 21
	quarterWindow = 63
	yearWindow    = 252
)

// Market-cap category cutoffs in crore.
const (
	largeCapMinCr = 20000.0
	midCapMinCr   = 5000.0
)

const daysPerQuarter = 91

// formulas maps each calculated field key to its formula. Monetary
// aggregates stay in crore; per-share figures stay in rupees.
var formulas = map[string]formulaFunc{

	// --- income statement and balance sheet ---

	"ebitda": func(c *fcx) Result {
		v, bad := c.nums("operating_profit", "depreciation")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] + v[1]))
	},
	"pre_tax_profit": func(c *fcx) Result {
		v, bad := c.nums("net_profit", "tax_expense")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] + v[1]))
	},
	"effective_tax_rate": func(c *fcx) Result {
		v, bad := c.nums("tax_expense", "pre_tax_profit")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"net_debt": func(c *fcx) Result {
		v, bad := c.nums("total_debt", "cash_and_equivalents")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] - v[1]))
	},
	"working_capital": func(c *fcx) Result {
		v, bad := c.nums("current_assets", "current_liabilities")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] - v[1]))
	},
	"free_cash_flow": func(c *fcx) Result {
		v, bad := c.nums("operating_cash_flow", "capital_expenditure")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] - v[1]))
	},

	// --- margins, returns, leverage ---

	"operating_margin": func(c *fcx) Result {
		v, bad := c.nums("operating_profit", "revenue")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"net_margin": func(c *fcx) Result {
		v, bad := c.nums("net_profit", "revenue")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"ebitda_margin": func(c *fcx) Result {
		v, bad := c.nums("ebitda", "revenue")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"roe": func(c *fcx) Result {
		v, bad := c.nums("net_profit", "total_equity")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"roa": func(c *fcx) Result {
		v, bad := c.nums("net_profit", "total_assets")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"debt_to_equity": func(c *fcx) Result {
		v, bad := c.nums("total_debt", "total_equity")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"interest_coverage": func(c *fcx) Result {
		v, bad := c.nums("operating_profit", "interest_expense")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"current_ratio": func(c *fcx) Result {
		v, bad := c.nums("current_assets", "current_liabilities")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"quick_ratio": func(c *fcx) Result {
		v, bad := c.nums("current_assets", "inventory", "current_liabilities")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0]-v[1], v[2])
	},
	"asset_turnover": func(c *fcx) Result {
		v, bad := c.nums("revenue", "total_assets")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	// Days of stock and of receivables outstanding against the quarter's
	// revenue, over a 91-day quarter.
	"inventory_days": func(c *fcx) Result {
		v, bad := c.nums("inventory", "revenue")
		if bad != "" {
			return nonNumeric(bad)
		}
		if v[1] == 0 {
			return null(model.ReasonDivisionByZero)
		}
		return value(round2(v[0] / v[1] * daysPerQuarter))
	},
	"receivable_days": func(c *fcx) Result {
		v, bad := c.nums("receivables", "revenue")
		if bad != "" {
			return nonNumeric(bad)
		}
		if v[1] == 0 {
			return null(model.ReasonDivisionByZero)
		}
		return value(round2(v[0] / v[1] * daysPerQuarter))
	},
	"payout_ratio": func(c *fcx) Result {
		v, bad := c.nums("dividends_paid", "net_profit")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},

	// --- growth, against the same period one year earlier ---

	"revenue_growth_yoy": func(c *fcx) Result { return yoy(c, "revenue") },
	"profit_growth_yoy":  func(c *fcx) Result { return yoy(c, "net_profit") },
	"eps_growth_yoy":     func(c *fcx) Result { return yoy(c, "eps") },

	// --- price action for the trading day ---

	"day_range": func(c *fcx) Result {
		v, bad := c.nums("high", "low")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] - v[1]))
	},
	"day_change_pct": func(c *fcx) Result {
		v, bad := c.nums("close", "prev_close")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0]-v[1], v[1])
	},
	"gap_pct": func(c *fcx) Result {
		v, bad := c.nums("open", "prev_close")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0]-v[1], v[1])
	},
	"avg_trade_size": func(c *fcx) Result {
		v, bad := c.nums("volume", "trades_count")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},

	// --- rolling windows over the bar history ---

	"return_1w": func(c *fcx) Result { return trailingReturnOf(c, weekWindow) },
	"return_1m": func(c *fcx) Result { return trailingReturnOf(c, monthWindow) },
	"return_3m": func(c *fcx) Result { return trailingReturnOf(c, quarterWindow) },
	"return_1y": func(c *fcx) Result { return trailingReturnOf(c, yearWindow) },
	"week52_high": func(c *fcx) Result {
		return windowMax(c.history, yearWindow, func(b model.PriceBar) float64 { return b.High })
	},
	"week52_low": func(c *fcx) Result {
		return windowMin(c.history, yearWindow, func(b model.PriceBar) float64 { return b.Low })
	},
	"pct_from_52w_high": func(c *fcx) Result {
		v, bad := c.nums("close", "week52_high")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0]-v[1], v[1])
	},
	"pct_from_52w_low": func(c *fcx) Result {
		v, bad := c.nums("close", "week52_low")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0]-v[1], v[1])
	},
	"avg_volume_20d": func(c *fcx) Result {
		return windowMean(c.history, volumeWindow, func(b model.PriceBar) float64 { return float64(b.Volume) })
	},
	"volume_ratio": func(c *fcx) Result {
		v, bad := c.nums("volume", "avg_volume_20d")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},

	// --- valuation ---

	// close is in rupees and shares_outstanding a plain count, so the
	// product lands in crore after dividing by 1e7.
	"market_cap": func(c *fcx) Result {
		v, bad := c.nums("close", "shares_outstanding")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] * v[1] / 1e7))
	},
	"market_cap_category": func(c *fcx) Result {
		mc, ok := c.num("market_cap")
		if !ok {
			return nonNumeric("market_cap")
		}
		switch {
		case mc >= largeCapMinCr:
			return value("large_cap")
		case mc >= midCapMinCr:
			return value("mid_cap")
		}
		return value("small_cap")
	},
	"enterprise_value": func(c *fcx) Result {
		v, bad := c.nums("market_cap", "total_debt", "cash_and_equivalents")
		if bad != "" {
			return nonNumeric(bad)
		}
		return value(round2(v[0] + v[1] - v[2]))
	},
	"pe_ratio": func(c *fcx) Result {
		v, bad := c.nums("close", "eps")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"pb_ratio": func(c *fcx) Result {
		v, bad := c.nums("close", "book_value_per_share")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"ps_ratio": func(c *fcx) Result {
		v, bad := c.nums("market_cap", "revenue")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"peg_ratio": func(c *fcx) Result {
		v, bad := c.nums("pe_ratio", "eps_growth_yoy")
		if bad != "" {
			return nonNumeric(bad)
		}
		if v[1] <= 0 {
			return null(model.ReasonUndefined + ": non-positive eps growth")
		}
		return value(round2(v[0] / v[1]))
	},
	"ev_ebitda": func(c *fcx) Result {
		v, bad := c.nums("enterprise_value", "ebitda")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"ev_sales": func(c *fcx) Result {
		v, bad := c.nums("enterprise_value", "revenue")
		if bad != "" {
			return nonNumeric(bad)
		}
		return ratio(v[0], v[1])
	},
	"dividend_yield": func(c *fcx) Result {
		v, bad := c.nums("dividend_per_share", "close")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"earnings_yield": func(c *fcx) Result {
		v, bad := c.nums("eps", "close")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
	"fcf_yield": func(c *fcx) Result {
		v, bad := c.nums("free_cash_flow", "market_cap")
		if bad != "" {
			return nonNumeric(bad)
		}
		return pct(v[0], v[1])
	},
}

// PriorKeys lists the fetched fields the year-over-year formulas read from
// the prior-year snapshot. Callers load these for Inputs.Prior.
func PriorKeys() []string {
	return []string{"revenue", "net_profit", "eps"}
}

// yoy compares one figure against the same period a year earlier. No prior
// snapshot means the comparison is impossible, not zero.
func yoy(c *fcx, key string) Result {
	cur, ok := c.num(key)
	if !ok {
		return nonNumeric(key)
	}
	prev, ok := c.priorNum(key)
	if !ok {
		return null(model.ReasonInputMissing + ": " + key + " (prior year)")
	}
	return growthPct(cur, prev)
}

// trailingReturnOf is the percentage move of today's close against the
// close n trading days earlier.
func trailingReturnOf(c *fcx, n int) Result {
	cl, ok := c.num("close")
	if !ok {
		return nonNumeric("close")
	}
	return trailingReturn(c.history, cl, n)
}
