package model

// PriceBar is one trading day of price and volume data for a symbol. The
// persisted bar history feeds the rolling-window calculations: N-day
// returns, 52-week extremes, average traded volume.
type PriceBar struct {
	Symbol    string  `json:"symbol"`
	Date      string  `json:"date"` // trading day in 2006-01-02 form; sorts chronologically
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	PrevClose float64 `json:"prev_close"`
	Volume    int64   `json:"volume"`
	Turnover  float64 `json:"turnover"`
}
