package source

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/fetcher"
	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
)

// webratiosLabels maps field keys to the labels printed next to their
// values on a company page. Extraction runs against the page stripped to
// plaintext, so the patterns only have to cross whitespace and currency
// marks, never markup.
var webratiosLabels = map[string]string{
	"eps":                  "EPS",
	"book_value_per_share": "Book Value",
	"face_value":           "Face Value",
	"dividend_per_share":   "Dividend Per Share",
	"roce":                 "ROCE",
	"promoter_holding":     "Promoter Holding",
	"pledged_pct":          "Pledged",
	"num_shareholders":     "No. of Shareholders",
}

var webratiosFields = []string{
	"eps",
	"book_value_per_share",
	"face_value",
	"dividend_per_share",
	"roce",
	"promoter_holding",
	"pledged_pct",
	"num_shareholders",
}

var webratiosPatterns = buildLabelPatterns(webratiosLabels)

// buildLabelPatterns compiles one extraction regex per field: the label,
// a short gap of non-numeric characters, then the first number.
func buildLabelPatterns(labels map[string]string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(labels))
	for key, label := range labels {
		out[key] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(label) + `[^0-9\-]{0,40}(-?[\d,]+(?:\.\d+)?)`)
	}
	return out
}

// WebRatios scrapes per-share figures and holdings summaries from a
// financial-ratios website. Sites like this publish no API, so the
// adapter fetches the company page and pulls labeled numbers out of the
// flattened text. When the page structure drifts, extraction fails with a
// shape error rather than silently reading the wrong numbers.
type WebRatios struct {
	cfg     config.SourceConfig
	wrap    *resilience.Wrapper
	http    fetcher.Fetcher
	offered map[string]bool
}

// NewWebRatios creates the ratios-site scraper.
func NewWebRatios(cfg config.SourceConfig, wrap *resilience.Wrapper) *WebRatios {
	return &WebRatios{
		cfg:  cfg,
		wrap: wrap,
		http: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.UserAgent,
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
		}),
		offered: fieldSet(webratiosFields),
	}
}

func (s *WebRatios) Name() string           { return SourceWebRatios }
func (s *WebRatios) Cadence() model.Cadence { return model.CadenceWeekly }
func (s *WebRatios) Fields() []string       { return webratiosFields }

func (s *WebRatios) ShouldRun(now time.Time, lastSuccess *time.Time) bool {
	return Due(model.CadenceWeekly, now, lastSuccess)
}

// Fetch downloads the symbol's company page and extracts every requested
// labeled number from it.
func (s *WebRatios) Fetch(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time) (*FetchResult, error) {
	res := NewFetchResult(symbol)
	mine := splitOffered(res, s.offered, fields)
	if len(mine) == 0 {
		return res, nil
	}

	pageURL := s.cfg.BaseURL + "/company/" + symbol + "/"
	attempts := 0
	body, err := resilience.CallVal(ctx, s.wrap, "page "+symbol, func(ctx context.Context) ([]byte, error) {
		attempts++
		rc, err := s.http.Download(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		return io.ReadAll(io.LimitReader(rc, 2*1024*1024))
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		res.FailAll(mine, eris.Wrapf(err, "webratios: fetch page for %s", symbol))
		return res, nil
	}

	text := flattenHTML(string(body))
	if len(text) < 50 {
		res.FailAll(mine, eris.Wrapf(ErrShape, "webratios: page for %s flattened to nothing", symbol))
		return res, nil
	}

	now := time.Now().UTC()
	found := 0
	for _, f := range mine {
		raw, ok := extractLabeled(text, f.Key)
		if !ok {
			res.Fail(f.Key, eris.Errorf("webratios: label for %s not on page %s", f.Key, symbol))
			continue
		}
		v, ok := parseCell(raw, f.Key)
		if !ok {
			res.Fail(f.Key, eris.Errorf("webratios: unparseable %s value %q for %s", f.Key, raw, symbol))
			continue
		}
		found++
		// Stamp each value with its field's own period, not the scrape
		// cadence. The page's EPS and holdings figures are quarterly data;
		// aligning periods lets them reconcile against the statement and
		// workbook sources.
		res.Add(model.Observation{
			Symbol:     symbol,
			FieldKey:   f.Key,
			SourceID:   SourceWebRatios,
			Period:     model.PeriodFor(f.Cadence, ref),
			Value:      v,
			ObservedAt: now,
			Attempts:   attempts,
		})
	}

	// A page that matched nothing got restructured, not partially emptied.
	// Reclassify the per-field misses as one structural failure.
	if found == 0 {
		res.FailAll(mine, eris.Wrapf(ErrShape, "webratios: no labels matched on page %s", symbol))
	}
	return res, nil
}

func extractLabeled(text, key string) (string, bool) {
	re, ok := webratiosPatterns[key]
	if !ok {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func parseCell(raw, key string) (any, bool) {
	if key == "num_shareholders" {
		v, ok := parseInt64(raw)
		return v, ok
	}
	v, ok := parseFloat(raw)
	return v, ok
}

var (
	headBlockRe  = regexp.MustCompile(`(?is)<(script|style|nav|footer)[^>]*>.*?</(script|style|nav|footer)>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	multiSpaceRe = regexp.MustCompile(`[ \t]+`)
)

// flattenHTML strips markup and collapses whitespace so label patterns
// can run against plain text.
func flattenHTML(html string) string {
	html = headBlockRe.ReplaceAllString(html, "")
	html = htmlTagRe.ReplaceAllString(html, " ")
	html = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	).Replace(html)
	html = multiSpaceRe.ReplaceAllString(html, " ")
	return strings.TrimSpace(html)
}
