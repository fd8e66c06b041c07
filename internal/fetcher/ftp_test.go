package fetcher

import (
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/pipeline-cli/internal/resilience"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "standard ftp url",
			url:      "ftp://ftp.registrardata.in/pub/holdings/HOLDINGS_2026Q1.xlsx",
			wantHost: "ftp.registrardata.in:21",
			wantPath: "/pub/holdings/HOLDINGS_2026Q1.xlsx",
		},
		{
			name:     "ftp url with port",
			url:      "ftp://ftp.example.com:2121/data/file.txt",
			wantHost: "ftp.example.com:2121",
			wantPath: "/data/file.txt",
		},
		{
			name:     "ftp url with nested path",
			url:      "ftp://ftp.sec.gov/edgar/full-index/2024/QTR1/company.idx",
			wantHost: "ftp.sec.gov:21",
			wantPath: "/edgar/full-index/2024/QTR1/company.idx",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/file.csv",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://ftp.example.com",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_Defaults(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
	assert.Equal(t, "anonymous", f.opts.User)
	assert.Equal(t, "anonymous@", f.opts.Password)
}

func TestNewFTPFetcher_Credentials(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{User: "registrar", Password: "s3cret"})
	assert.Equal(t, "registrar", f.opts.User)
	assert.Equal(t, "s3cret", f.opts.Password)
}

func TestFTPError_Classification(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		wantTransient bool
	}{
		{name: "450 file busy is transient", code: 450, wantTransient: true},
		{name: "421 service unavailable is transient", code: 421, wantTransient: true},
		{name: "550 not found is permanent", code: 550, wantTransient: false},
		{name: "530 login failed is permanent", code: 530, wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ftpError(&textproto.Error{Code: tt.code, Msg: "reply"}, "ftp retrieve")
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, resilience.IsTransient(err))
			assert.Contains(t, err.Error(), "ftp retrieve")
		})
	}
}
