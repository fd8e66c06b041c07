package source

import (
	"context"
	"fmt"
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
	// holdingsPublishLagDays is how long after quarter end the registrar
	// normally takes to drop shareholding workbooks. Listing rules require
	// filing within three weeks.
	holdingsPublishLagDays = 21

	holdingsDirFormat = "/shareholding/%s/"
)

var holdingsFields = []string{
	"promoter_holding",
	"pledged_pct",
	"fii_holding",
	"dii_holding",
	"mf_holding",
	"public_holding",
	"num_shareholders",
}

// holdingsLabels maps the category labels in a registrar workbook to
// field keys. Matching is exact on the normalized label; fuzzier matching
// would confuse "Public" with "Public Trusts".
var holdingsLabels = map[string]string{
	"PROMOTERS":          "promoter_holding",
	"PLEDGED":            "pledged_pct",
	"FII":                "fii_holding",
	"DII":                "dii_holding",
	"MUTUAL FUNDS":       "mf_holding",
	"PUBLIC":             "public_holding",
	"TOTAL SHAREHOLDERS": "num_shareholders",
}

// Holdings serves quarterly shareholding patterns from a registrar's FTP
// drop: one directory per quarter, one XLSX workbook per symbol. The
// directory listing is cached per quarter so a run lists once and
// downloads per symbol.
type Holdings struct {
	cfg     config.SourceConfig
	wrap    *resilience.Wrapper
	ftp     *fetcher.FTPFetcher
	tempDir string
	offered map[string]bool

	mu          sync.Mutex
	resolvedFor string // latest quarter key the cache was resolved against
	period      string // quarter the cached listing belongs to
	files       map[string]bool
}

// NewHoldings creates the registrar FTP adapter.
func NewHoldings(cfg config.SourceConfig, wrap *resilience.Wrapper, tempDir string) *Holdings {
	return &Holdings{
		cfg:  cfg,
		wrap: wrap,
		ftp: fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  time.Duration(cfg.TimeoutSecs) * time.Second,
			User:     cfg.User,
			Password: cfg.Password,
		}),
		tempDir: tempDir,
		offered: fieldSet(holdingsFields),
	}
}

func (s *Holdings) Name() string           { return SourceHoldings }
func (s *Holdings) Cadence() model.Cadence { return model.CadenceQuarterly }
func (s *Holdings) Fields() []string       { return holdingsFields }

func (s *Holdings) ShouldRun(now time.Time, lastSuccess *time.Time) bool {
	return QuarterlyAfterLag(now, lastSuccess, holdingsPublishLagDays)
}

// Fetch downloads the symbol's shareholding workbook from the newest
// quarter directory the registrar has dropped and reads the category
// percentages out of it.
func (s *Holdings) Fetch(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time) (*FetchResult, error) {
	res := NewFetchResult(symbol)
	mine := splitOffered(res, s.offered, fields)
	if len(mine) == 0 {
		return res, nil
	}

	period, files, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	name := symbol + ".xlsx"
	if !files[name] {
		res.FailAll(mine, eris.Errorf("holdings: workbook for %s not yet published in %s", symbol, period))
		return res, nil
	}

	values, attempts, err := s.readWorkbook(ctx, period, name)
	if err != nil {
		res.FailAll(mine, err)
		return res, nil
	}

	now := time.Now().UTC()
	for _, f := range mine {
		v, ok := values[f.Key]
		if !ok {
			res.Fail(f.Key, eris.Errorf("holdings: no %s row in %s workbook for %s", f.Key, period, symbol))
			continue
		}
		res.Add(model.Observation{
			Symbol:     symbol,
			FieldKey:   f.Key,
			SourceID:   SourceHoldings,
			Period:     period,
			Value:      v,
			ObservedAt: now,
			Attempts:   attempts,
		})
	}
	return res, nil
}

// resolve finds the newest quarter directory with workbooks in it,
// falling back one quarter while the latest drop is still inside its
// publication lag. The listing is cached until the latest quarter rolls.
func (s *Holdings) resolve(ctx context.Context, ref time.Time) (string, map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := model.PeriodFor(model.CadenceQuarterly, ref)
	if s.resolvedFor == latest && s.files != nil {
		return s.period, s.files, nil
	}

	log := zap.L().With(zap.String("source", SourceHoldings))

	files, err := s.list(ctx, latest)
	if err != nil || len(files) == 0 {
		prev := model.PrevQuarter(latest, 1)
		log.Debug("latest quarter not dropped, trying previous",
			zap.String("latest", latest),
			zap.String("previous", prev),
			zap.Error(err))
		prevFiles, prevErr := s.list(ctx, prev)
		if prevErr != nil {
			return "", nil, eris.Wrapf(prevErr, "holdings: list %s and %s", latest, prev)
		}
		s.resolvedFor, s.period, s.files = latest, prev, prevFiles
		return s.period, s.files, nil
	}

	s.resolvedFor, s.period, s.files = latest, latest, files
	log.Info("quarter directory resolved",
		zap.String("period", latest),
		zap.Int("workbooks", len(files)))
	return s.period, s.files, nil
}

func (s *Holdings) list(ctx context.Context, period string) (map[string]bool, error) {
	dirURL := s.dirURL(period)
	names, err := resilience.CallVal(ctx, s.wrap, "list "+period, func(ctx context.Context) ([]string, error) {
		return s.ftp.List(ctx, dirURL)
	})
	if err != nil {
		return nil, err
	}
	files := make(map[string]bool, len(names))
	for _, n := range names {
		files[filepath.Base(n)] = true
	}
	return files, nil
}

// readWorkbook downloads one symbol workbook and extracts the category
// rows from its first sheet.
func (s *Holdings) readWorkbook(ctx context.Context, period, name string) (map[string]any, int, error) {
	workDir, err := os.MkdirTemp(s.tempDir, "holdings-")
	if err != nil {
		return nil, 0, eris.Wrap(err, "holdings: create temp dir")
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	local := filepath.Join(workDir, name)
	fileURL := s.dirURL(period) + name

	attempts := 0
	err = s.wrap.Execute(ctx, "workbook "+name, func(ctx context.Context) error {
		attempts++
		_, err := s.ftp.DownloadToFile(ctx, fileURL, local)
		return err
	})
	if err != nil {
		return nil, attempts, eris.Wrapf(err, "holdings: download %s", name)
	}

	rows, err := fetcher.ReadXLSX(local, fetcher.XLSXOptions{SkipRows: 1})
	if err != nil {
		return nil, attempts, eris.Wrapf(ErrShape, "holdings: read %s: %v", name, err)
	}

	values := make(map[string]any)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		key, ok := holdingsLabels[strings.ToUpper(strings.TrimSpace(row[0]))]
		if !ok {
			continue
		}
		if key == "num_shareholders" {
			if v, ok := parseInt64(row[1]); ok {
				values[key] = v
			}
			continue
		}
		if v, ok := parseFloat(row[1]); ok {
			values[key] = v
		}
	}
	if len(values) == 0 {
		return nil, attempts, eris.Wrapf(ErrShape, "holdings: no category rows in %s", name)
	}
	return values, attempts, nil
}

func (s *Holdings) dirURL(period string) string {
	return "ftp://" + s.cfg.Host + fmt.Sprintf(holdingsDirFormat, period)
}
