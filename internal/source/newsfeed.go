package source

import (
	"context"
	"regexp"
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
	newsfeedPath = "/announcements.rss"

	// newsfeedCacheAge is how long a Fetch will serve from the last poll
	// before polling again. The scheduler polls every tick anyway; this
	// only matters for manual runs.
	newsfeedCacheAge = 5 * time.Minute
)

var newsfeedFields = []string{
	"announcement_title",
	"announcement_type",
	"announcement_at",
	"announcement_url",
}

// Announcement is one corporate filing pulled off the exchange feed.
type Announcement struct {
	Symbol string
	Title  string
	Type   string
	At     time.Time
	URL    string
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	GUID    string `xml:"guid"`
	PubDate string `xml:"pubDate"`
}

// symbolPrefixRe matches feed titles of the form "SYMBOL: rest of title".
// Items without a symbol prefix are market-wide notices and get skipped.
var symbolPrefixRe = regexp.MustCompile(`^([A-Z0-9&\-]+)\s*:\s*(.+)$`)

// Newsfeed polls the exchange announcement RSS feed. It is the pipeline's
// event trigger: fresh filings start event runs for the symbols they
// mention, and the latest filing per symbol backs the announcement
// fields. Polling is cheap because the feed honors ETags, and the cursor
// marker keeps "fresh" stable across process restarts.
type Newsfeed struct {
	cfg     config.SourceConfig
	wrap    *resilience.Wrapper
	http    fetcher.Fetcher
	offered map[string]bool

	mu       sync.Mutex
	markers  Markers
	latest   map[string]Announcement
	polledAt time.Time
	attempts int
}

// NewNewsfeed creates the announcement feed adapter.
func NewNewsfeed(cfg config.SourceConfig, wrap *resilience.Wrapper) *Newsfeed {
	return &Newsfeed{
		cfg:  cfg,
		wrap: wrap,
		http: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.UserAgent,
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
		}),
		offered: fieldSet(newsfeedFields),
	}
}

func (s *Newsfeed) Name() string           { return SourceNewsfeed }
func (s *Newsfeed) Cadence() model.Cadence { return model.CadenceOnEvent }
func (s *Newsfeed) Fields() []string       { return newsfeedFields }

// ShouldRun always answers yes; the ETag makes the per-tick poll a cheap
// 304 whenever nothing was filed.
func (s *Newsfeed) ShouldRun(time.Time, *time.Time) bool { return true }

// SetMarkers restores the feed ETag and cursor persisted from earlier runs.
func (s *Newsfeed) SetMarkers(m Markers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = m
}

// Markers returns the current feed ETag and cursor for persistence.
func (s *Newsfeed) Markers() Markers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers
}

// Poll fetches the feed if it changed and returns the announcements newer
// than the cursor, advancing it. An unchanged feed returns nothing.
func (s *Newsfeed) Poll(ctx context.Context) ([]Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollLocked(ctx)
}

func (s *Newsfeed) pollLocked(ctx context.Context) ([]Announcement, error) {
	feedURL := s.cfg.BaseURL + newsfeedPath
	log := zap.L().With(zap.String("source", SourceNewsfeed))

	type feedResult struct {
		items   []rssItem
		newETag string
		changed bool
	}

	attempts := 0
	fr, err := resilience.CallVal(ctx, s.wrap, "poll", func(ctx context.Context) (feedResult, error) {
		attempts++
		body, newETag, changed, err := s.http.DownloadIfChanged(ctx, feedURL, s.markers.ETag)
		if err != nil {
			return feedResult{}, err
		}
		if !changed {
			return feedResult{changed: false}, nil
		}
		defer body.Close() //nolint:errcheck

		itemCh, errCh := fetcher.StreamXML[rssItem](ctx, body, "item")
		var items []rssItem
		for item := range itemCh {
			items = append(items, item)
		}
		if err := <-errCh; err != nil {
			return feedResult{}, eris.Wrap(ErrShape, err.Error())
		}
		return feedResult{items: items, newETag: newETag, changed: true}, nil
	})
	s.attempts = attempts
	if err != nil {
		return nil, eris.Wrap(err, "newsfeed: poll feed")
	}

	s.polledAt = time.Now().UTC()
	if !fr.changed {
		log.Debug("feed unchanged")
		return nil, nil
	}
	s.markers.ETag = fr.newETag

	cursor := s.cursorTime()
	newest := cursor
	var fresh []Announcement
	if s.latest == nil {
		s.latest = make(map[string]Announcement)
	}
	for _, item := range fr.items {
		ann, ok := parseAnnouncement(item)
		if !ok {
			continue
		}
		if prev, seen := s.latest[ann.Symbol]; !seen || ann.At.After(prev.At) {
			s.latest[ann.Symbol] = ann
		}
		if ann.At.After(cursor) {
			fresh = append(fresh, ann)
		}
		if ann.At.After(newest) {
			newest = ann.At
		}
	}
	if newest.After(cursor) {
		s.markers.Cursor = newest.Format(time.RFC3339)
	}

	log.Info("feed polled",
		zap.Int("items", len(fr.items)),
		zap.Int("fresh", len(fresh)))
	return fresh, nil
}

func (s *Newsfeed) cursorTime() time.Time {
	if s.markers.Cursor == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.markers.Cursor)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Fetch answers the announcement fields for one symbol from the latest
// poll. A symbol with no filings on record answers not-offered: silence
// from a company is normal, not a source failure.
func (s *Newsfeed) Fetch(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time) (*FetchResult, error) {
	res := NewFetchResult(symbol)
	mine := splitOffered(res, s.offered, fields)
	if len(mine) == 0 {
		return res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polledAt.IsZero() || time.Since(s.polledAt) > newsfeedCacheAge {
		if _, err := s.pollLocked(ctx); err != nil {
			return nil, err
		}
	}

	ann, ok := s.latest[symbol]
	if !ok {
		for _, f := range mine {
			res.NotOffered(f.Key)
		}
		return res, nil
	}

	period := ann.At.Format("2006-01-02")
	now := time.Now().UTC()
	for _, f := range mine {
		var v any
		switch f.Key {
		case "announcement_title":
			v = ann.Title
		case "announcement_type":
			v = ann.Type
		case "announcement_at":
			v = ann.At.Format(time.RFC3339)
		case "announcement_url":
			v = ann.URL
		default:
			res.Fail(f.Key, eris.Errorf("newsfeed: no mapping for %s", f.Key))
			continue
		}
		res.Add(model.Observation{
			Symbol:     symbol,
			FieldKey:   f.Key,
			SourceID:   SourceNewsfeed,
			Period:     period,
			Value:      v,
			ObservedAt: now,
			Attempts:   s.attempts,
		})
	}
	return res, nil
}

// parseAnnouncement turns a feed item into an Announcement, or reports
// false for items without a symbol prefix.
func parseAnnouncement(item rssItem) (Announcement, bool) {
	m := symbolPrefixRe.FindStringSubmatch(strings.TrimSpace(item.Title))
	if len(m) < 3 {
		return Announcement{}, false
	}
	at, ok := parsePubDate(item.PubDate)
	if !ok {
		return Announcement{}, false
	}
	title := strings.TrimSpace(m[2])
	url := item.Link
	if url == "" {
		url = item.GUID
	}
	return Announcement{
		Symbol: m[1],
		Title:  title,
		Type:   classifyAnnouncement(title),
		At:     at,
		URL:    url,
	}, true
}

func parsePubDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// announcementKinds orders keyword checks from most to least specific.
var announcementKinds = []struct {
	keyword string
	kind    string
}{
	{"board meeting", "board_meeting"},
	{"result", "results"},
	{"dividend", "dividend"},
	{"buyback", "buyback"},
	{"acquisition", "acquisition"},
	{"merger", "merger"},
	{"rating", "rating"},
	{"rights issue", "rights_issue"},
	{"bonus", "bonus"},
}

func classifyAnnouncement(title string) string {
	t := strings.ToLower(title)
	for _, k := range announcementKinds {
		if strings.Contains(t, k.keyword) {
			return k.kind
		}
	}
	return "general"
}
