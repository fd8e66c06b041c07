package source

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/fetcher"
	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
)

const (
	fundsQuotePath        = "/quote"
	fundsFundamentalsPath = "/fundamentals"
	fundsStatusOK         = "SUCCESS"
)

var fundsQuoteFields = []string{
	"last_price",
	"day_high",
	"day_low",
}

var fundsFundamentalFields = []string{
	"revenue",
	"other_income",
	"operating_profit",
	"interest_expense",
	"depreciation",
	"tax_expense",
	"net_profit",
	"eps",
	"total_assets",
	"total_equity",
	"total_debt",
	"cash_and_equivalents",
	"current_assets",
	"current_liabilities",
	"inventory",
	"receivables",
	"operating_cash_flow",
	"investing_cash_flow",
	"financing_cash_flow",
	"capital_expenditure",
	"dividends_paid",
	"shares_outstanding",
}

// FundsAPI serves the commercial fundamentals API: a bearer-token JSON
// service carrying quarterly financial statements plus a live quote. The
// two live on separate endpoints, so one endpoint failing degrades only
// the fields it carries.
type FundsAPI struct {
	cfg     config.SourceConfig
	wrap    *resilience.Wrapper
	http    fetcher.Fetcher
	offered map[string]bool
}

type fundsQuote struct {
	Status  string `json:"status"`
	Payload struct {
		Symbol    string  `json:"symbol"`
		LastPrice float64 `json:"last_price"`
		DayHigh   float64 `json:"day_high"`
		DayLow    float64 `json:"day_low"`
		PrevClose float64 `json:"prev_close"`
		Volume    int64   `json:"volume"`
	} `json:"payload"`
}

type fundsFundamentals struct {
	Status  string `json:"status"`
	Payload struct {
		Symbol  string             `json:"symbol"`
		Period  string             `json:"period"`
		Figures map[string]float64 `json:"figures"`
	} `json:"payload"`
}

// NewFundsAPI creates the fundamentals API adapter.
func NewFundsAPI(cfg config.SourceConfig, wrap *resilience.Wrapper) *FundsAPI {
	headers := map[string]string{}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	offered := append(append([]string{}, fundsQuoteFields...), fundsFundamentalFields...)
	return &FundsAPI{
		cfg:  cfg,
		wrap: wrap,
		http: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.UserAgent,
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
			Headers:   headers,
		}),
		offered: fieldSet(offered),
	}
}

func (s *FundsAPI) Name() string           { return SourceFundsAPI }
func (s *FundsAPI) Cadence() model.Cadence { return model.CadenceRealTime }

func (s *FundsAPI) Fields() []string {
	return append(append([]string{}, fundsQuoteFields...), fundsFundamentalFields...)
}

// ShouldRun always answers yes: the quote fields refresh every tick and
// the quarterly ones gate themselves per field.
func (s *FundsAPI) ShouldRun(time.Time, *time.Time) bool { return true }

// Fetch answers quote fields from the live endpoint and statement fields
// from the fundamentals endpoint, splitting the request by field cadence.
func (s *FundsAPI) Fetch(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time) (*FetchResult, error) {
	res := NewFetchResult(symbol)
	mine := splitOffered(res, s.offered, fields)
	if len(mine) == 0 {
		return res, nil
	}

	var quote, statement []model.FieldDef
	for _, f := range mine {
		if f.Cadence == model.CadenceRealTime {
			quote = append(quote, f)
		} else {
			statement = append(statement, f)
		}
	}

	if len(quote) > 0 {
		if err := s.fetchQuote(ctx, symbol, quote, ref, res); err != nil {
			return nil, err
		}
	}
	if len(statement) > 0 {
		if err := s.fetchFundamentals(ctx, symbol, statement, ref, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// fetchQuote fills the live-quote fields. Endpoint failures degrade those
// fields only, except an open circuit, which fails the whole source.
func (s *FundsAPI) fetchQuote(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time, res *FetchResult) error {
	attempts := 0
	q, err := resilience.CallVal(ctx, s.wrap, "quote "+symbol, func(ctx context.Context) (*fundsQuote, error) {
		attempts++
		return getJSON[fundsQuote](ctx, s.http, apiURL(s.cfg.BaseURL, fundsQuotePath, symbol, ""))
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return err
		}
		res.FailAll(fields, eris.Wrapf(err, "fundsapi: quote %s", symbol))
		return nil
	}
	if q.Status != fundsStatusOK {
		res.FailAll(fields, eris.Wrapf(ErrShape, "fundsapi: quote status %q", q.Status))
		return nil
	}

	period := model.PeriodFor(model.CadenceRealTime, ref)
	now := time.Now().UTC()
	for _, f := range fields {
		var v float64
		switch f.Key {
		case "last_price":
			v = q.Payload.LastPrice
		case "day_high":
			v = q.Payload.DayHigh
		case "day_low":
			v = q.Payload.DayLow
		default:
			res.Fail(f.Key, eris.Errorf("fundsapi: no quote mapping for %s", f.Key))
			continue
		}
		res.Add(model.Observation{
			Symbol:     symbol,
			FieldKey:   f.Key,
			SourceID:   SourceFundsAPI,
			Period:     period,
			Value:      v,
			ObservedAt: now,
			Attempts:   attempts,
		})
	}
	return nil
}

// fetchFundamentals fills the quarterly statement fields from the most
// recent statement the API carries.
func (s *FundsAPI) fetchFundamentals(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time, res *FetchResult) error {
	wantPeriod := model.PeriodFor(model.CadenceQuarterly, ref)

	attempts := 0
	fd, err := resilience.CallVal(ctx, s.wrap, "fundamentals "+symbol, func(ctx context.Context) (*fundsFundamentals, error) {
		attempts++
		return getJSON[fundsFundamentals](ctx, s.http, apiURL(s.cfg.BaseURL, fundsFundamentalsPath, symbol, wantPeriod))
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return err
		}
		res.FailAll(fields, eris.Wrapf(err, "fundsapi: fundamentals %s", symbol))
		return nil
	}
	if fd.Status != fundsStatusOK {
		res.FailAll(fields, eris.Wrapf(ErrShape, "fundsapi: fundamentals status %q", fd.Status))
		return nil
	}
	if len(fd.Payload.Figures) == 0 {
		res.FailAll(fields, eris.Wrapf(ErrShape, "fundsapi: fundamentals for %s carried no figures", symbol))
		return nil
	}

	// The API reports which quarter the statement belongs to; trust it
	// over the computed key so a late filer lands in its real period.
	period := fd.Payload.Period
	if period == "" {
		period = wantPeriod
	}

	now := time.Now().UTC()
	for _, f := range fields {
		v, ok := fd.Payload.Figures[f.Key]
		if !ok {
			res.Fail(f.Key, eris.Errorf("fundsapi: %s missing from %s statement %s", f.Key, symbol, period))
			continue
		}
		res.Add(model.Observation{
			Symbol:     symbol,
			FieldKey:   f.Key,
			SourceID:   SourceFundsAPI,
			Period:     period,
			Value:      v,
			ObservedAt: now,
			Attempts:   attempts,
		})
	}
	return nil
}

func apiURL(base, path, symbol, period string) string {
	q := url.Values{}
	q.Set("symbol", symbol)
	if period != "" {
		q.Set("period", period)
	}
	return base + path + "?" + q.Encode()
}

// getJSON downloads a URL and decodes its body into T.
func getJSON[T any](ctx context.Context, f fetcher.Fetcher, rawURL string) (*T, error) {
	rc, err := f.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	return fetcher.DecodeJSONObject[T](rc)
}
