package fetcher

import (
	"context"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRSSItem struct {
	XMLName xml.Name `xml:"item"`
	Title   string   `xml:"title"`
	PubDate string   `xml:"pubDate"`
}

func TestStreamXML_RSSItems(t *testing.T) {
	input := `<?xml version="1.0" encoding="UTF-8"?>
	<rss version="2.0"><channel>
		<title>Exchange Filings</title>
		<item><title>RELIANCE | Dividend | Rs 10 per share</title><pubDate>Fri, 21 Aug 2026 10:00:00 +0530</pubDate></item>
		<item><title>TCS | Board Meeting | Buyback consideration</title><pubDate>Fri, 21 Aug 2026 11:30:00 +0530</pubDate></item>
		<item><title>INFY | Results | Q1 FY27 earnings</title><pubDate>Fri, 21 Aug 2026 12:15:00 +0530</pubDate></item>
	</channel></rss>`

	itemCh, errCh := StreamXML[testRSSItem](context.Background(), strings.NewReader(input), "item")

	var items []testRSSItem
	for item := range itemCh {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, items, 3)
	assert.Equal(t, "RELIANCE | Dividend | Rs 10 per share", items[0].Title)
	assert.Equal(t, "Fri, 21 Aug 2026 10:00:00 +0530", items[0].PubDate)
	assert.Equal(t, "TCS | Board Meeting | Buyback consideration", items[1].Title)
	assert.Equal(t, "INFY | Results | Q1 FY27 earnings", items[2].Title)
}

type testNested struct {
	XMLName xml.Name `xml:"record"`
	ID      string   `xml:"id,attr"`
	Detail  struct {
		Text string `xml:",chardata"`
	} `xml:"detail"`
}

func TestStreamXML_NestedElements(t *testing.T) {
	input := `<data>
		<record id="r1"><detail>first</detail></record>
		<other>skip me</other>
		<record id="r2"><detail>second</detail></record>
	</data>`

	ch, errCh := StreamXML[testNested](context.Background(), strings.NewReader(input), "record")

	var records []testNested
	for rec := range ch {
		records = append(records, rec)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "first", records[0].Detail.Text)
	assert.Equal(t, "r2", records[1].ID)
	assert.Equal(t, "second", records[1].Detail.Text)
}

func TestStreamXML_EmptyInput(t *testing.T) {
	ch, errCh := StreamXML[testRSSItem](context.Background(), strings.NewReader(""), "item")

	var items []testRSSItem
	for item := range ch {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Empty(t, items)
}

func TestStreamXML_ContextCancellation(t *testing.T) {
	// Build a large XML document
	var sb strings.Builder
	sb.WriteString("<rss><channel>")
	for i := 0; i < 10000; i++ {
		sb.WriteString("<item><title>filing</title><pubDate>")
		sb.WriteString(strings.Repeat("x", i%10))
		sb.WriteString("</pubDate></item>")
	}
	sb.WriteString("</channel></rss>")

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	ch, errCh := StreamXML[testRSSItem](ctx, strings.NewReader(sb.String()), "item")

	for range ch {
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr != nil {
		assert.Contains(t, gotErr.Error(), "context")
	}
}

func TestStreamXML_NoMatchingElements(t *testing.T) {
	input := `<rss><channel><title>empty feed</title></channel></rss>`
	ch, errCh := StreamXML[testRSSItem](context.Background(), strings.NewReader(input), "item")

	var items []testRSSItem
	for item := range ch {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Empty(t, items)
}
