// Package output writes scraped metrics and failed lookups as CSV.
package output

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/use-agent/postpulse/models"
)

// Column headers of the two output files.
var (
	MetricsHeader = []string{"url", "impressions", "likes", "comments", "replies", "posted_at"}
	FailedHeader  = []string{"url", "reason"}
)

// Writer appends outcomes to the output and failed CSV files.
//
// Both files are opened once and every row is flushed to the OS as soon as it
// is written, so a crash mid-run leaves every completed row on disk.
// Writer is not safe for concurrent use.
type Writer struct {
	outFile    *os.File
	failedFile *os.File
	out        *csv.Writer
	failed     *csv.Writer

	metricsRows int
	failedRows  int
}

// Open creates (truncating) both files, creating parent directories as
// needed, and writes their headers. Errors are OutputError.
func Open(outputPath, failedPath string) (*Writer, error) {
	outFile, err := create(outputPath)
	if err != nil {
		return nil, err
	}
	failedFile, err := create(failedPath)
	if err != nil {
		_ = outFile.Close()
		return nil, err
	}

	w := &Writer{
		outFile:    outFile,
		failedFile: failedFile,
		out:        csv.NewWriter(outFile),
		failed:     csv.NewWriter(failedFile),
	}
	if err := writeRow(w.out, MetricsHeader); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := writeRow(w.failed, FailedHeader); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func create(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, models.OutputError("cannot create output directory", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, models.OutputError("cannot create output file", err)
	}
	return f, nil
}

// Write routes an outcome to the matching file.
func (w *Writer) Write(o models.Outcome) error {
	switch {
	case o.Metrics != nil:
		return w.WriteMetrics(*o.Metrics)
	case o.Failure != nil:
		return w.WriteFailure(*o.Failure)
	default:
		return models.OutputError("empty outcome", fmt.Errorf("row %d (%s)", o.Link.Row, o.Link.URL))
	}
}

// WriteMetrics appends one metrics row and flushes it.
func (w *Writer) WriteMetrics(m models.MetricsResult) error {
	row := []string{
		m.URL,
		strconv.FormatInt(m.Impressions, 10),
		strconv.FormatInt(m.Likes, 10),
		strconv.FormatInt(m.Comments, 10),
		strconv.FormatInt(m.Replies, 10),
		m.PostedAt.UTC().Format(time.RFC3339),
	}
	if err := writeRow(w.out, row); err != nil {
		return err
	}
	w.metricsRows++
	return nil
}

// WriteFailure appends one failed row and flushes it.
func (w *Writer) WriteFailure(f models.FailureRecord) error {
	if err := writeRow(w.failed, []string{f.URL, f.Reason}); err != nil {
		return err
	}
	w.failedRows++
	return nil
}

// Counts returns how many data rows were written to each file.
func (w *Writer) Counts() (metrics, failed int) {
	return w.metricsRows, w.failedRows
}

// Close flushes and closes both files.
func (w *Writer) Close() error {
	var errs []error
	for _, pair := range []struct {
		cw *csv.Writer
		f  *os.File
	}{{w.out, w.outFile}, {w.failed, w.failedFile}} {
		if pair.cw != nil {
			pair.cw.Flush()
			if err := pair.cw.Error(); err != nil {
				errs = append(errs, err)
			}
		}
		if pair.f != nil {
			if err := pair.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return models.OutputError("cannot close output files", err)
	}
	return nil
}

func writeRow(cw *csv.Writer, row []string) error {
	if err := cw.Write(row); err != nil {
		return models.OutputError("cannot write row", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return models.OutputError("cannot flush row", err)
	}
	return nil
}
