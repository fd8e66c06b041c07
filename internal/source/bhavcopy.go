package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/fetcher"
	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
)

const (
	// bhavcopyLookbackDays bounds the walk back from the run date to the
	// most recent trading day. Six calendar days clears any weekend plus a
	// holiday cluster.
	bhavcopyLookbackDays = 6

	bhavcopyArchivePath  = "/content/historical/EQUITIES/%d/%s/cm%sbhav.csv.zip"
	bhavcopyDeliveryPath = "/products/content/sec_bhavdata_full_%s.csv"
)

var bhavcopyFields = []string{
	"trade_date",
	"open",
	"high",
	"low",
	"close",
	"prev_close",
	"volume",
	"turnover",
	"trades_count",
	"delivery_volume",
	"delivery_pct",
}

// Bhavcopy serves the exchange's end-of-day archive: one ZIP per trading
// day holding a CSV row for every listed symbol, plus a separate
// delivery-statistics CSV published later the same evening. One download
// covers every symbol in a run, so the parsed archive is cached per
// trading day and concurrent Fetch calls share it.
type Bhavcopy struct {
	cfg     config.SourceConfig
	wrap    *resilience.Wrapper
	http    fetcher.Fetcher
	tempDir string
	offered map[string]bool

	mu       sync.Mutex
	refDay   string // run date the cache was resolved for
	tradeDay string // trading day the cached archive belongs to
	rows     map[string]bhavRow
	attempts int
}

type bhavRow struct {
	open        float64
	high        float64
	low         float64
	closePx     float64
	prevClose   float64
	volume      int64
	trades      int64
	turnoverCr  float64
	deliveryQty int64
	deliveryPct float64
	hasDelivery bool
}

// NewBhavcopy creates the end-of-day archive adapter.
func NewBhavcopy(cfg config.SourceConfig, wrap *resilience.Wrapper, tempDir string) *Bhavcopy {
	return &Bhavcopy{
		cfg:  cfg,
		wrap: wrap,
		http: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.UserAgent,
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
		}),
		tempDir: tempDir,
		offered: fieldSet(bhavcopyFields),
	}
}

func (s *Bhavcopy) Name() string           { return SourceBhavcopy }
func (s *Bhavcopy) Cadence() model.Cadence { return model.CadenceDaily }
func (s *Bhavcopy) Fields() []string       { return bhavcopyFields }

func (s *Bhavcopy) ShouldRun(now time.Time, lastSuccess *time.Time) bool {
	return Due(model.CadenceDaily, now, lastSuccess)
}

// Fetch answers price and volume fields for one symbol from the cached
// archive, loading it first if this is the run's first call.
func (s *Bhavcopy) Fetch(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time) (*FetchResult, error) {
	res := NewFetchResult(symbol)
	mine := splitOffered(res, s.offered, fields)
	if len(mine) == 0 {
		return res, nil
	}

	day, attempts, err := s.ensureDay(ctx, ref)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	row, ok := s.rows[symbol]
	s.mu.Unlock()
	if !ok {
		res.FailAll(mine, eris.Errorf("bhavcopy: symbol %q not in %s archive", symbol, day))
		return res, nil
	}

	now := time.Now().UTC()
	for _, f := range mine {
		v, ok := s.fieldValue(row, day, f.Key)
		if !ok {
			res.Fail(f.Key, eris.Errorf("bhavcopy: %s unavailable for %s on %s", f.Key, symbol, day))
			continue
		}
		res.Add(model.Observation{
			Symbol:     symbol,
			FieldKey:   f.Key,
			SourceID:   SourceBhavcopy,
			Period:     day,
			Value:      v,
			ObservedAt: now,
			Attempts:   attempts,
		})
	}
	return res, nil
}

func (s *Bhavcopy) fieldValue(row bhavRow, day, key string) (any, bool) {
	switch key {
	case "trade_date":
		return day, true
	case "open":
		return row.open, true
	case "high":
		return row.high, true
	case "low":
		return row.low, true
	case "close":
		return row.closePx, true
	case "prev_close":
		return row.prevClose, true
	case "volume":
		return row.volume, true
	case "turnover":
		return row.turnoverCr, true
	case "trades_count":
		return row.trades, true
	case "delivery_volume":
		if !row.hasDelivery {
			return nil, false
		}
		return row.deliveryQty, true
	case "delivery_pct":
		if !row.hasDelivery {
			return nil, false
		}
		return row.deliveryPct, true
	}
	return nil, false
}

// Bars returns OHLC bars for the given symbols from the cached archive,
// for the price history store. Call after a successful Fetch.
func (s *Bhavcopy) Bars(symbols []string) []model.PriceBar {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradeDay == "" {
		return nil
	}
	want := fieldSet(symbols)
	var bars []model.PriceBar
	for sym, row := range s.rows {
		if len(want) > 0 && !want[sym] {
			continue
		}
		bars = append(bars, row.bar(sym, s.tradeDay))
	}
	return bars
}

// BarsForDate fetches the archive for one specific day, for history
// backfills. It does not touch the run cache. The second return is false
// when the day has no archive (weekend or holiday).
func (s *Bhavcopy) BarsForDate(ctx context.Context, day time.Time) ([]model.PriceBar, bool, error) {
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return nil, false, nil
	}
	rows, _, err := s.loadArchive(ctx, day)
	if err != nil {
		if fetcher.HTTPStatus(err) == 404 {
			return nil, false, nil
		}
		return nil, false, err
	}
	key := day.Format("2006-01-02")
	bars := make([]model.PriceBar, 0, len(rows))
	for sym, row := range rows {
		bars = append(bars, row.bar(sym, key))
	}
	return bars, true, nil
}

func (r bhavRow) bar(symbol, day string) model.PriceBar {
	return model.PriceBar{
		Symbol:    symbol,
		Date:      day,
		Open:      r.open,
		High:      r.high,
		Low:       r.low,
		Close:     r.closePx,
		PrevClose: r.prevClose,
		Volume:    r.volume,
		Turnover:  r.turnoverCr,
	}
}

// ensureDay resolves and caches the most recent trading day's archive at
// or before ref. The mutex is held across the download so the first
// caller loads and the rest reuse.
func (s *Bhavcopy) ensureDay(ctx context.Context, ref time.Time) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refKey := ref.Format("2006-01-02")
	if s.refDay == refKey && s.tradeDay != "" {
		return s.tradeDay, s.attempts, nil
	}

	log := zap.L().With(zap.String("source", SourceBhavcopy))

	attempts := 0
	var lastErr error
	for daysBack := range bhavcopyLookbackDays {
		if err := ctx.Err(); err != nil {
			return "", attempts, eris.Wrap(err, "bhavcopy: cancelled")
		}
		day := ref.AddDate(0, 0, -daysBack)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}

		rows, n, err := s.loadArchive(ctx, day)
		attempts += n
		if err != nil {
			if fetcher.HTTPStatus(err) == 404 {
				// Trading holiday: no archive for this day, walk back one.
				log.Debug("no archive for day", zap.String("day", day.Format("2006-01-02")))
				lastErr = err
				continue
			}
			return "", attempts, err
		}

		partial := false
		if err := s.mergeDelivery(ctx, day, rows); err != nil {
			// Delivery statistics publish later in the evening than the
			// archive. Their absence degrades two fields, not the source.
			log.Warn("delivery statistics unavailable",
				zap.String("day", day.Format("2006-01-02")),
				zap.Error(err))
			partial = true
		}

		s.refDay = refKey
		s.tradeDay = day.Format("2006-01-02")
		s.rows = rows
		s.attempts = attempts
		log.Info("archive loaded",
			zap.String("trade_day", s.tradeDay),
			zap.Int("symbols", len(rows)),
			zap.Bool("with_delivery", !partial))
		return s.tradeDay, attempts, nil
	}

	if lastErr == nil {
		lastErr = eris.New("bhavcopy: only weekend days in window")
	}
	return "", attempts, eris.Wrapf(lastErr, "bhavcopy: no archive in the last %d days", bhavcopyLookbackDays)
}

// loadArchive downloads and parses the equity archive for one day.
// Returns the wrapped attempt count alongside the rows.
func (s *Bhavcopy) loadArchive(ctx context.Context, day time.Time) (map[string]bhavRow, int, error) {
	workDir, err := os.MkdirTemp(s.tempDir, "bhavcopy-")
	if err != nil {
		return nil, 0, eris.Wrap(err, "bhavcopy: create temp dir")
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	stamp := strings.ToUpper(day.Format("02Jan2006"))
	url := s.cfg.BaseURL + fmt.Sprintf(bhavcopyArchivePath, day.Year(), strings.ToUpper(day.Format("Jan")), stamp)
	zipPath := filepath.Join(workDir, "bhav.csv.zip")

	attempts := 0
	err = s.wrap.Execute(ctx, "archive "+stamp, func(ctx context.Context) error {
		attempts++
		_, err := s.http.DownloadToFile(ctx, url, zipPath)
		return err
	})
	if err != nil {
		return nil, attempts, eris.Wrapf(err, "bhavcopy: download archive %s", stamp)
	}

	csvPath, err := fetcher.ExtractZIPSingle(zipPath, workDir)
	if err != nil {
		return nil, attempts, eris.Wrapf(ErrShape, "bhavcopy: archive %s: %v", stamp, err)
	}

	rows, err := s.parseArchive(ctx, csvPath)
	if err != nil {
		return nil, attempts, err
	}
	return rows, attempts, nil
}

// parseArchive reads the extracted CSV, keeping EQ-series rows only.
func (s *Bhavcopy) parseArchive(ctx context.Context, path string) (map[string]bhavRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "bhavcopy: open archive csv")
	}
	defer f.Close() //nolint:errcheck

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	rows := make(map[string]bhavRow)
	var cols map[string]int
	for row := range rowCh {
		if cols == nil {
			cols = mapColumns(<-headerCh)
		}
		if getCol(row, cols, "SERIES") != "EQ" {
			continue
		}
		symbol := getCol(row, cols, "SYMBOL")
		if symbol == "" {
			continue
		}

		var r bhavRow
		r.open, _ = parseFloat(getCol(row, cols, "OPEN"))
		r.high, _ = parseFloat(getCol(row, cols, "HIGH"))
		r.low, _ = parseFloat(getCol(row, cols, "LOW"))
		r.closePx, _ = parseFloat(getCol(row, cols, "CLOSE"))
		r.prevClose, _ = parseFloat(getCol(row, cols, "PREVCLOSE"))
		r.volume, _ = parseInt64(getCol(row, cols, "TOTTRDQTY"))
		r.trades, _ = parseInt64(getCol(row, cols, "TOTALTRADES"))
		if v, ok := parseFloat(getCol(row, cols, "TOTTRDVAL")); ok {
			// Traded value arrives in rupees; store rupees crore.
			r.turnoverCr = round2(v / 1e7)
		}
		rows[symbol] = r
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "bhavcopy: parse archive csv")
	}
	if len(rows) == 0 {
		return nil, eris.Wrap(ErrShape, "bhavcopy: archive held no EQ rows")
	}
	return rows, nil
}

// mergeDelivery fetches the day's delivery-statistics CSV and folds the
// deliverable quantity and percentage into the archive rows.
func (s *Bhavcopy) mergeDelivery(ctx context.Context, day time.Time, rows map[string]bhavRow) error {
	stamp := day.Format("02012006")
	url := s.cfg.BaseURL + fmt.Sprintf(bhavcopyDeliveryPath, stamp)

	body, err := resilience.CallVal(ctx, s.wrap, "delivery "+stamp, func(ctx context.Context) ([]byte, error) {
		rc, err := s.http.Download(ctx, url)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		return io.ReadAll(rc)
	})
	if err != nil {
		return eris.Wrapf(err, "bhavcopy: download delivery %s", stamp)
	}

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, bytes.NewReader(body), fetcher.CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	matched := 0
	var cols map[string]int
	for row := range rowCh {
		if cols == nil {
			cols = mapColumns(<-headerCh)
		}
		if series := getCol(row, cols, "SERIES"); series != "" && series != "EQ" {
			continue
		}
		symbol := getCol(row, cols, "SYMBOL")
		r, ok := rows[symbol]
		if !ok {
			continue
		}
		qty, qtyOK := parseInt64(getCol(row, cols, "DELIVERY_QTY"))
		pct, pctOK := parseFloat(getCol(row, cols, "DELIVERY_PER"))
		if !qtyOK || !pctOK {
			continue
		}
		r.deliveryQty = qty
		r.deliveryPct = pct
		r.hasDelivery = true
		rows[symbol] = r
		matched++
	}
	if err := <-errCh; err != nil {
		return eris.Wrap(err, "bhavcopy: parse delivery csv")
	}
	if matched == 0 {
		return eris.Wrap(ErrShape, "bhavcopy: delivery csv matched no archive rows")
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
