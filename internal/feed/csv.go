package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

var csvColumns = []string{"time", "instrument", "open", "high", "low", "close", "volume"}

// ParseLocation splits an s3://bucket/key location. Local paths return
// remote=false.
func ParseLocation(loc string) (bucket, key string, remote bool) {
	rest, ok := strings.CutPrefix(loc, "s3://")
	if !ok {
		return "", loc, false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	return bucket, key, true
}

// CSVFeed replays bars from CSV files with a header row naming the columns
// time, instrument, open, high, low, close and volume. Time is RFC 3339 or
// unix seconds. Rows are expected in time order per instrument.
//
// A remote location ending in "/" is a prefix: every .csv object under it is
// replayed in key order, so partitions named by date play chronologically.
type CSVFeed struct {
	location    string
	blobs       domain.BlobReader
	instruments []string
	logger      *slog.Logger
}

// NewCSVFeed creates a replay feed. blobs is required for s3:// locations.
func NewCSVFeed(location string, blobs domain.BlobReader, instruments []string, logger *slog.Logger) *CSVFeed {
	return &CSVFeed{
		location:    location,
		blobs:       blobs,
		instruments: instruments,
		logger:      logger.With(slog.String("component", "csv_feed"), slog.String("location", location)),
	}
}

// objects resolves the location into the object keys to replay.
func (f *CSVFeed) objects(ctx context.Context) ([]string, error) {
	_, key, remote := ParseLocation(f.location)
	if !remote {
		return []string{key}, nil
	}
	if f.blobs == nil {
		return nil, fmt.Errorf("feed: %s requires object storage", f.location)
	}
	if !strings.HasSuffix(key, "/") {
		return []string{key}, nil
	}
	infos, err := f.blobs.List(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("feed: list %s: %w", f.location, err)
	}
	var keys []string
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".csv") {
			keys = append(keys, info.Path)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("feed: no csv objects under %s: %w", f.location, domain.ErrNotFound)
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *CSVFeed) open(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, _, remote := ParseLocation(f.location); !remote {
		return os.Open(key)
	}
	return f.blobs.Get(ctx, key)
}

// Run emits every row of every file and returns nil once they are exhausted.
func (f *CSVFeed) Run(ctx context.Context, out chan<- domain.Bar) error {
	keys, err := f.objects(ctx)
	if err != nil {
		return err
	}
	seq := newSequencer(f.instruments, f.logger)
	var emitted, skipped int
	for _, key := range keys {
		n, bad, err := f.replay(ctx, key, seq, out)
		emitted += n
		skipped += bad
		if err != nil {
			return err
		}
	}
	f.logger.InfoContext(ctx, "csv replay finished",
		slog.Int("files", len(keys)),
		slog.Int("bars", emitted),
		slog.Int("skipped", skipped),
	)
	return nil
}

func (f *CSVFeed) replay(ctx context.Context, key string, seq *sequencer, out chan<- domain.Bar) (emitted, skipped int, err error) {
	rc, err := f.open(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("feed: open %s: %w", key, err)
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("feed: %s: read header: %w", key, err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return 0, 0, err
	}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return emitted, skipped, nil
		}
		if err != nil {
			return emitted, skipped, fmt.Errorf("feed: %s: read line %d: %w", key, line, err)
		}
		b, err := parseRow(rec, idx)
		if err != nil {
			skipped++
			f.logger.WarnContext(ctx, "csv row skipped",
				slog.String("file", key),
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !seq.accept(b) {
			continue
		}
		if err := emit(ctx, out, b); err != nil {
			return emitted, skipped, err
		}
		emitted++
	}
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range []string{"time", "instrument", "close"} {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("feed: csv header missing column %q", c)
		}
	}
	return idx, nil
}

func parseRow(rec []string, idx map[string]int) (domain.Bar, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	ts, err := parseTime(field("time"))
	if err != nil {
		return domain.Bar{}, err
	}
	b := domain.Bar{Instrument: field("instrument"), Time: ts}
	if b.Instrument == "" {
		return domain.Bar{}, errors.New("empty instrument")
	}
	for _, col := range csvColumns[2:] {
		raw := field(col)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("column %s: %w", col, err)
		}
		switch col {
		case "open":
			b.Open = v
		case "high":
			b.High = v
		case "low":
			b.Low = v
		case "close":
			b.Close = v
		case "volume":
			b.Volume = v
		}
	}
	if !b.Valid() {
		return domain.Bar{}, fmt.Errorf("invalid close %v", b.Close)
	}
	return b, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty time")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", raw, err)
	}
	return t.UTC(), nil
}
