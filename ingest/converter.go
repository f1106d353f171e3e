package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/golang/snappy"
)

// Target formats understood by FileConverter.
const (
	FormatNDJSON       = "ndjson"
	FormatSnappyCSV    = "csv.sz"
	sourceCSVExtension = ".csv"
)

// FileConverter converts local CSV files.
type FileConverter struct {
	logger *slog.Logger
}

// NewFileConverter creates a converter.
func NewFileConverter(logger *slog.Logger) *FileConverter {
	return &FileConverter{logger: logger.With("component", "converter")}
}

// Convert reads the CSV file src and writes it next to src in targetFormat:
//   - ndjson: one JSON object per row, keyed by the header row
//   - csv.sz: the CSV bytes in the snappy framing format
//
// The output path replaces the .csv extension with the target format.
func (c *FileConverter) Convert(ctx context.Context, src, targetFormat string) (string, error) {
	if !strings.HasSuffix(src, sourceCSVExtension) {
		return "", &UnsupportedFormatError{Path: src, Format: extension(src)}
	}

	var encode func(io.Writer, io.Reader) error
	switch targetFormat {
	case FormatNDJSON:
		encode = func(w io.Writer, r io.Reader) error { return csvToNDJSON(ctx, w, r) }
	case FormatSnappyCSV:
		encode = snappyEncode
	default:
		return "", &UnsupportedFormatError{Path: src, Format: targetFormat}
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out := strings.TrimSuffix(src, sourceCSVExtension) + "." + targetFormat
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(encode(pw, bufio.NewReader(in)))
	}()

	n, err := writeAtomic(out, pr)
	pr.Close()
	if err != nil {
		return "", fmt.Errorf("converting %s to %s: %w", src, targetFormat, err)
	}

	c.logger.Info("converted file", "src", src, "dest", out, "format", targetFormat, "bytes", n)
	return out, nil
}

func csvToNDJSON(ctx context.Context, w io.Writer, r io.Reader) error {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	header = append([]string(nil), header...)

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	row := make(map[string]string, len(header))
	for line := 2; ; line++ {
		if line%10000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading row %d: %w", line, err)
		}
		for i, name := range header {
			row[name] = rec[i]
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func snappyEncode(w io.Writer, r io.Reader) error {
	sw := snappy.NewBufferedWriter(w)
	if _, err := io.Copy(sw, r); err != nil {
		sw.Close()
		return err
	}
	return sw.Close()
}

func extension(path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	if i := strings.Index(base, "."); i >= 0 {
		return base[i+1:]
	}
	return ""
}
