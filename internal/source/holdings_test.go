package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/model"
)

// ftpStub speaks just enough FTP for the holdings adapter: anonymous
// login, passive mode, LIST, and RETR.
type ftpStub struct {
	listener net.Listener
	files    map[string]string   // full path -> content
	dirs     map[string][]string // full dir path -> file names
	listHits atomic.Int32
	wg       sync.WaitGroup
}

func newFTPStub(t *testing.T) *ftpStub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &ftpStub{
		listener: ln,
		files:    make(map[string]string),
		dirs:     make(map[string][]string),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		s.listener.Close() //nolint:errcheck
		s.wg.Wait()
	})
	return s
}

func (s *ftpStub) addr() string {
	return s.listener.Addr().String()
}

func (s *ftpStub) addWorkbook(dir, name, content string) {
	s.dirs[dir] = append(s.dirs[dir], name)
	s.files[dir+name] = content
}

func (s *ftpStub) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *ftpStub) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close() //nolint:errcheck

	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

	writer := bufio.NewWriter(conn)
	reader := bufio.NewReader(conn)

	reply := func(format string, args ...any) {
		fmt.Fprintf(writer, format+"\r\n", args...) //nolint:errcheck
		writer.Flush()                             //nolint:errcheck
	}

	reply("220 Stub FTP ready")

	var dataListener net.Listener

	openDataConn := func() bool {
		var err error
		dataListener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			reply("425 Can't open data connection")
			return false
		}
		return true
	}

	sendOverData := func(content string) {
		reply("150 Opening data connection")
		dataConn, err := dataListener.Accept()
		if err != nil {
			reply("425 Can't open data connection")
			return
		}
		io.WriteString(dataConn, content) //nolint:errcheck
		dataConn.Close()                  //nolint:errcheck
		dataListener.Close()              //nolint:errcheck
		dataListener = nil
		reply("226 Transfer complete")
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(parts[0])
		arg := ""
		if len(parts) > 1 {
			arg = parts[1]
		}

		switch cmd {
		case "USER":
			reply("230 User logged in")
		case "PASS":
			reply("230 User logged in")
		case "FEAT":
			fmt.Fprintf(writer, "211-Features:\r\n") //nolint:errcheck
			fmt.Fprintf(writer, " UTF8\r\n")         //nolint:errcheck
			reply("211 End")
		case "TYPE", "OPTS":
			reply("200 OK")
		case "EPSV":
			if !openDataConn() {
				continue
			}
			port := dataListener.Addr().(*net.TCPAddr).Port
			reply("229 Entering Extended Passive Mode (|||%d|)", port)
		case "PASV":
			if !openDataConn() {
				continue
			}
			addr := dataListener.Addr().(*net.TCPAddr)
			reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", addr.Port/256, addr.Port%256)
		case "RETR":
			if dataListener == nil {
				reply("425 Use PASV first")
				continue
			}
			content, ok := s.files[arg]
			if !ok {
				reply("550 File not found")
				dataListener.Close() //nolint:errcheck
				dataListener = nil
				continue
			}
			sendOverData(content)
		case "LIST":
			s.listHits.Add(1)
			if dataListener == nil {
				reply("425 Use PASV first")
				continue
			}
			names, ok := s.dirs[arg]
			if !ok {
				reply("550 Directory not found")
				dataListener.Close() //nolint:errcheck
				dataListener = nil
				continue
			}
			var sb strings.Builder
			for _, name := range names {
				fmt.Fprintf(&sb, "-rw-r--r--   1 ftp ftp     4096 Aug 20 10:00 %s\r\n", name)
			}
			sendOverData(sb.String())
		case "QUIT":
			reply("221 Goodbye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}

// holdingsWorkbook builds an XLSX shareholding workbook as raw bytes.
func holdingsWorkbook(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Shareholding")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "wb.xlsx")
	require.NoError(t, f.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func relianceHoldingsRows() [][]string {
	return [][]string{
		{"Category", "Percent"},
		{"Promoters", "50.30"},
		{"Pledged", "0.20"},
		{"FII", "22.10"},
		{"DII", "16.80"},
		{"Mutual Funds", "7.40"},
		{"Public", "10.80"},
		{"Total Shareholders", "35,12,345"},
	}
}

func newTestHoldings(t *testing.T, host string) *Holdings {
	t.Helper()
	cfg := config.SourceConfig{Host: host, TimeoutSecs: 5}
	return NewHoldings(cfg, testWrapper(SourceHoldings), t.TempDir())
}

func TestHoldings_Metadata(t *testing.T) {
	s := newTestHoldings(t, "unused:21")
	assert.Equal(t, "holdings", s.Name())
	assert.Equal(t, model.CadenceQuarterly, s.Cadence())
	assert.Len(t, s.Fields(), 7)
}

func TestHoldings_ShouldRun(t *testing.T) {
	s := newTestHoldings(t, "unused:21")

	// Q4 2023 workbooks drop around January 21
	now := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	assert.True(t, s.ShouldRun(now, nil))

	beforeDrop := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, s.ShouldRun(now, &beforeDrop))

	afterDrop := time.Date(2024, time.January, 25, 0, 0, 0, 0, time.UTC)
	assert.False(t, s.ShouldRun(now, &afterDrop))
}

func TestHoldings_Fetch(t *testing.T) {
	stub := newFTPStub(t)
	stub.addWorkbook("/shareholding/2023Q4/", "RELIANCE.xlsx", holdingsWorkbook(t, relianceHoldingsRows()))
	s := newTestHoldings(t, stub.addr())

	ref := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceQuarterly, holdingsFields...), ref)
	require.NoError(t, err)

	present, _, failed := res.Counts()
	assert.Equal(t, 7, present)
	assert.Equal(t, 0, failed)

	assert.InDelta(t, 50.30, obsValue(t, res, "promoter_holding"), 1e-9)
	assert.InDelta(t, 0.20, obsValue(t, res, "pledged_pct"), 1e-9)
	assert.InDelta(t, 22.10, obsValue(t, res, "fii_holding"), 1e-9)
	assert.InDelta(t, 16.80, obsValue(t, res, "dii_holding"), 1e-9)
	assert.InDelta(t, 7.40, obsValue(t, res, "mf_holding"), 1e-9)
	assert.InDelta(t, 10.80, obsValue(t, res, "public_holding"), 1e-9)
	assert.Equal(t, int64(3512345), obsValue(t, res, "num_shareholders"))

	obs := res.ByKey["promoter_holding"].Obs
	assert.Equal(t, SourceHoldings, obs.SourceID)
	assert.Equal(t, "2023Q4", obs.Period)
}

func TestHoldings_FallbackToPreviousQuarter(t *testing.T) {
	stub := newFTPStub(t)
	// The registrar has not dropped Q4 2023 yet
	stub.addWorkbook("/shareholding/2023Q3/", "RELIANCE.xlsx", holdingsWorkbook(t, relianceHoldingsRows()))
	s := newTestHoldings(t, stub.addr())

	ref := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceQuarterly, "promoter_holding"), ref)
	require.NoError(t, err)

	require.Equal(t, model.OutcomePresent, res.ByKey["promoter_holding"].Outcome)
	assert.Equal(t, "2023Q3", res.ByKey["promoter_holding"].Obs.Period)
}

func TestHoldings_NoQuarterDirectory(t *testing.T) {
	stub := newFTPStub(t)
	s := newTestHoldings(t, stub.addr())

	ref := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	_, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceQuarterly, "promoter_holding"), ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2023Q4 and 2023Q3")
}

func TestHoldings_WorkbookNotPublished(t *testing.T) {
	stub := newFTPStub(t)
	stub.addWorkbook("/shareholding/2023Q4/", "TCS.xlsx", holdingsWorkbook(t, relianceHoldingsRows()))
	s := newTestHoldings(t, stub.addr())

	ref := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "INFY", defs(model.CadenceQuarterly, "promoter_holding", "fii_holding"), ref)
	require.NoError(t, err)

	_, _, failed := res.Counts()
	assert.Equal(t, 2, failed)
	assert.Contains(t, res.Errors()["fii_holding"].Error(), "not yet published")
}

func TestHoldings_MissingCategoryRow(t *testing.T) {
	stub := newFTPStub(t)
	rows := [][]string{
		{"Category", "Percent"},
		{"Promoters", "50.30"},
	}
	stub.addWorkbook("/shareholding/2023Q4/", "RELIANCE.xlsx", holdingsWorkbook(t, rows))
	s := newTestHoldings(t, stub.addr())

	ref := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceQuarterly, "promoter_holding", "fii_holding"), ref)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomePresent, res.ByKey["promoter_holding"].Outcome)
	assert.Equal(t, model.OutcomeError, res.ByKey["fii_holding"].Outcome)
	assert.Contains(t, res.Errors()["fii_holding"].Error(), "no fii_holding row")
}

func TestHoldings_UnreadableWorkbookFailsAsShape(t *testing.T) {
	stub := newFTPStub(t)
	stub.addWorkbook("/shareholding/2023Q4/", "RELIANCE.xlsx", "this is not a zip container")
	s := newTestHoldings(t, stub.addr())

	ref := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	res, err := s.Fetch(context.Background(), "RELIANCE", defs(model.CadenceQuarterly, "promoter_holding"), ref)
	require.NoError(t, err)

	assert.ErrorIs(t, res.Errors()["promoter_holding"], ErrShape)
}

func TestHoldings_ListingCachedAcrossSymbols(t *testing.T) {
	stub := newFTPStub(t)
	wb := holdingsWorkbook(t, relianceHoldingsRows())
	stub.addWorkbook("/shareholding/2023Q4/", "RELIANCE.xlsx", wb)
	stub.addWorkbook("/shareholding/2023Q4/", "TCS.xlsx", wb)
	s := newTestHoldings(t, stub.addr())

	ref := time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC)
	fields := defs(model.CadenceQuarterly, "promoter_holding")

	_, err := s.Fetch(context.Background(), "RELIANCE", fields, ref)
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), "TCS", fields, ref)
	require.NoError(t, err)

	assert.Equal(t, int32(1), stub.listHits.Load())
}
