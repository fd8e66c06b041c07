package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/model"
)

const ratiosPage = `<!DOCTYPE html>
<html>
<head>
<title>RELIANCE ratios</title>
<style>.card { padding: 4px; }</style>
<script>var tracker = {"page": "company"};</script>
</head>
<body>
<nav><a href="/">Home</a><a href="/screener">Screener</a></nav>
<h1>Reliance Industries Ltd</h1>
<ul class="ratios">
<li>EPS <b>₹ 98.20</b></li>
<li>Book Value <b>₹ 1,356.50</b></li>
<li>Face Value <b>₹ 10.0</b></li>
<li>Dividend Per Share <b>₹ 9.00</b></li>
<li>ROCE <b>11.5 %</b></li>
</ul>
<table class="holdings">
<tr><td>Promoter Holding</td><td>50.30 %</td></tr>
<tr><td>Pledged</td><td>0.20 %</td></tr>
<tr><td>No. of Shareholders</td><td>35,12,345</td></tr>
</table>
<footer>Data for information only.</footer>
</body>
</html>`

func newRatiosServer(t *testing.T, page string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/company/RELIANCE/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, page) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestWebRatios(t *testing.T, baseURL string) *WebRatios {
	t.Helper()
	cfg := config.SourceConfig{BaseURL: baseURL, TimeoutSecs: 5}
	return NewWebRatios(cfg, testWrapper(SourceWebRatios))
}

func TestWebRatios_Metadata(t *testing.T) {
	s := newTestWebRatios(t, "http://unused")
	assert.Equal(t, "webratios", s.Name())
	assert.Equal(t, model.CadenceWeekly, s.Cadence())
	assert.Len(t, s.Fields(), 8)

	// Wednesday; scraped Tuesday -> same week, not due
	now := time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	tuesday := time.Date(2024, time.January, 9, 10, 0, 0, 0, time.UTC)
	assert.False(t, s.ShouldRun(now, &tuesday))

	priorWeek := time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC)
	assert.True(t, s.ShouldRun(now, &priorWeek))
}

func TestWebRatios_Fetch(t *testing.T) {
	srv := newRatiosServer(t, ratiosPage)
	s := newTestWebRatios(t, srv.URL)

	ref := time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceWeekly, webratiosFields...), ref)
	require.NoError(t, err)

	present, _, failed := res.Counts()
	assert.Equal(t, 8, present)
	assert.Equal(t, 0, failed)

	assert.InDelta(t, 98.20, obsValue(t, res, "eps"), 1e-9)
	assert.InDelta(t, 1356.50, obsValue(t, res, "book_value_per_share"), 1e-9)
	assert.InDelta(t, 10.0, obsValue(t, res, "face_value"), 1e-9)
	assert.InDelta(t, 9.0, obsValue(t, res, "dividend_per_share"), 1e-9)
	assert.InDelta(t, 11.5, obsValue(t, res, "roce"), 1e-9)
	assert.InDelta(t, 50.30, obsValue(t, res, "promoter_holding"), 1e-9)
	assert.InDelta(t, 0.20, obsValue(t, res, "pledged_pct"), 1e-9)
	assert.Equal(t, int64(3512345), obsValue(t, res, "num_shareholders"))

	obs := res.ByKey["eps"].Obs
	assert.Equal(t, SourceWebRatios, obs.SourceID)
	assert.Equal(t, "2024-W02", obs.Period)
	assert.Equal(t, 1, obs.Attempts)
}

func TestWebRatios_PeriodFollowsFieldCadence(t *testing.T) {
	srv := newRatiosServer(t, ratiosPage)
	s := newTestWebRatios(t, srv.URL)

	// Quarterly fields land in the quarterly period so they reconcile
	// against the statement and shareholding sources for the same quarter.
	fields := append(defs(model.CadenceQuarterly, "eps", "promoter_holding"),
		defs(model.CadenceAnnual, "face_value")...)

	ref := time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", fields, ref)
	require.NoError(t, err)

	assert.Equal(t, "2023Q4", res.ByKey["eps"].Obs.Period)
	assert.Equal(t, "2023Q4", res.ByKey["promoter_holding"].Obs.Period)
	assert.Equal(t, "2023", res.ByKey["face_value"].Obs.Period)
}

func TestWebRatios_MissingLabelFailsThatFieldOnly(t *testing.T) {
	page := `<html><body>
<p>EPS ₹ 98.20</p>
<p>Promoter Holding 50.30 %</p>
<p>Quarterly numbers will be updated after the board meeting.</p>
</body></html>`
	srv := newRatiosServer(t, page)
	s := newTestWebRatios(t, srv.URL)

	ref := time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceWeekly, "eps", "promoter_holding", "pledged_pct"), ref)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomePresent, res.ByKey["eps"].Outcome)
	assert.Equal(t, model.OutcomePresent, res.ByKey["promoter_holding"].Outcome)
	assert.Equal(t, model.OutcomeError, res.ByKey["pledged_pct"].Outcome)
	assert.Contains(t, res.Errors()["pledged_pct"].Error(), "label")
}

func TestWebRatios_RestructuredPageFailsAsShape(t *testing.T) {
	page := `<html><body><p>We are upgrading our systems. Company pages will return later today.</p></body></html>`
	srv := newRatiosServer(t, page)
	s := newTestWebRatios(t, srv.URL)

	ref := time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceWeekly, "eps", "roce"), ref)
	require.NoError(t, err)

	_, _, failed := res.Counts()
	assert.Equal(t, 2, failed)
	assert.ErrorIs(t, res.Errors()["eps"], ErrShape)
}

func TestWebRatios_EmptyPageFailsAsShape(t *testing.T) {
	srv := newRatiosServer(t, "<html><body></body></html>")
	s := newTestWebRatios(t, srv.URL)

	ref := time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceWeekly, "eps"), ref)
	require.NoError(t, err)

	assert.ErrorIs(t, res.Errors()["eps"], ErrShape)
}

func TestWebRatios_PageDownFailsAllFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	s := newTestWebRatios(t, srv.URL)

	ref := time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceWeekly, "eps", "roce"), ref)
	require.NoError(t, err)

	_, _, failed := res.Counts()
	assert.Equal(t, 2, failed)
	assert.NotErrorIs(t, res.Errors()["eps"], ErrShape)
}

func TestFlattenHTML(t *testing.T) {
	in := `<html><head><style>p { color: red; }</style><script>var x = 1;</script></head>` +
		`<body><p>Tata &amp; Sons</p><nav><a>Home</a></nav></body></html>`
	assert.Equal(t, "Tata & Sons", flattenHTML(in))
}

func TestExtractLabeled(t *testing.T) {
	text := "EPS ₹ 98.20 Book Value ₹ 1,356.50 ROCE 11.5 % Pledged -"

	v, ok := extractLabeled(text, "eps")
	require.True(t, ok)
	assert.Equal(t, "98.20", v)

	v, ok = extractLabeled(text, "book_value_per_share")
	require.True(t, ok)
	assert.Equal(t, "1,356.50", v)

	v, ok = extractLabeled(text, "roce")
	require.True(t, ok)
	assert.Equal(t, "11.5", v)

	// A dash placeholder has no digits for the pattern to take
	_, ok = extractLabeled(text, "pledged_pct")
	assert.False(t, ok)

	_, ok = extractLabeled("no labels here", "eps")
	assert.False(t, ok)
}
