package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/pipeline-cli/internal/resilience"
)

const bhavcopySample = "SYMBOL, SERIES, DATE1, PREV_CLOSE, OPEN_PRICE, HIGH_PRICE, LOW_PRICE, LAST_PRICE, CLOSE_PRICE\n" +
	"RELIANCE, EQ, 21-Aug-2026, 2950.10, 2955.00, 2991.40, 2948.25, 2970.00, 2968.75\n"

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
	assert.Equal(t, "stockpulse-pipeline/1.0", f.opts.UserAgent)
}

func TestHTTPFetcher_Download(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, bhavcopySample) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{UserAgent: "stockpulse-test/1.0"})

	body, err := f.Download(context.Background(), srv.URL+"/products/content/sec_bhavdata_full_21082026.zip")
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, bhavcopySample, string(data))
	assert.Equal(t, "stockpulse-test/1.0", gotUA)
}

func TestHTTPFetcher_Download_SendsConfiguredHeaders(t *testing.T) {
	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		io.WriteString(w, `{"symbol":"TCS","value":64988.5}`) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{
		Headers: map[string]string{
			"Authorization": "Bearer test-token-123",
			"Accept":        "application/json",
		},
	})

	body, err := f.Download(context.Background(), srv.URL+"/v2/fundamentals")
	require.NoError(t, err)
	body.Close() //nolint:errcheck

	assert.Equal(t, "Bearer test-token-123", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
}

func TestHTTPFetcher_Download_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	_, err := f.Download(context.Background(), srv.URL+"/missing.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
	assert.False(t, resilience.IsTransient(err))
}

func TestHTTPFetcher_Download_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	_, err := f.Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, http.StatusServiceUnavailable, resilience.HTTPStatus(err))
}

func TestHTTPFetcher_Download_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	_, err := f.Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.True(t, resilience.IsRateLimited(err))
}

func TestHTTPFetcher_Download_SingleAttempt(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	_, err := f.Download(context.Background(), srv.URL)
	require.Error(t, err)
	// The fetcher never retries on its own; that is the wrapper's job.
	assert.Equal(t, 1, requests)
}

func TestHTTPFetcher_DownloadToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, bhavcopySample) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	destPath := filepath.Join(t.TempDir(), "bhavcopy.csv")
	n, err := f.DownloadToFile(context.Background(), srv.URL, destPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(bhavcopySample)), n)

	data, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, bhavcopySample, string(data))
}

func TestHTTPFetcher_DownloadToFile_CreateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "data") //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	_, err := f.DownloadToFile(context.Background(), srv.URL, "/nonexistent/dir/file.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create file")
}

func TestHTTPFetcher_HeadETag(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("ETag", `"v2-20260821"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	etag, err := f.HeadETag(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `"v2-20260821"`, etag)
	assert.Equal(t, http.MethodHead, gotMethod)
}

func TestHTTPFetcher_HeadETag_Missing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	etag, err := f.HeadETag(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, etag)
}

func TestHTTPFetcher_HeadETag_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	_, err := f.HeadETag(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
}

func TestHTTPFetcher_DownloadIfChanged_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, "payload") //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	body, etag, changed, err := f.DownloadIfChanged(context.Background(), srv.URL, `"v1"`)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, body)
	assert.Equal(t, `"v1"`, etag)
}

func TestHTTPFetcher_DownloadIfChanged_Changed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"v2"`)
		io.WriteString(w, "new payload") //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	body, etag, changed, err := f.DownloadIfChanged(context.Background(), srv.URL, `"v1"`)
	require.NoError(t, err)
	require.True(t, changed)
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "new payload", string(data))
	assert.Equal(t, `"v2"`, etag)
}

func TestHTTPFetcher_DownloadIfChanged_NoETagGiven(t *testing.T) {
	var gotConditional bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConditional = r.Header.Get("If-None-Match") != ""
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, "payload") //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	body, etag, changed, err := f.DownloadIfChanged(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.True(t, changed)
	body.Close() //nolint:errcheck

	assert.False(t, gotConditional)
	assert.Equal(t, `"v1"`, etag)
}

func TestHTTPFetcher_DownloadIfChanged_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})

	_, _, _, err := f.DownloadIfChanged(context.Background(), srv.URL, `"v1"`)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
