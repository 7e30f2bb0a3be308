package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/member-history/internal/fetcher"
	"github.com/sells-group/member-history/internal/model"
)

// File formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatXLSX = "xlsx"
)

// FileConfig locates and describes a feed file.
type FileConfig struct {
	Location  string // path, file://, http(s):// or ftp:// URL
	Format    string // empty = infer from extension
	Delimiter rune   // csv only, default ','
	Sheet     string // xlsx sheet name, default first sheet
	Encoding  string // text formats only
}

// FileSource loads a snapshot from a CSV, JSON, YAML or XLSX file.
type FileSource struct {
	cfg    FileConfig
	opener *fetcher.Opener
	opts   Options
}

// NewFileSource validates cfg and returns a FileSource.
func NewFileSource(cfg FileConfig, opener *fetcher.Opener, opts Options) (*FileSource, error) {
	if cfg.Location == "" {
		return nil, eris.New("feed: location is required")
	}
	if cfg.Format == "" {
		f, err := InferFormat(cfg.Location)
		if err != nil {
			return nil, err
		}
		cfg.Format = f
	}
	if cfg.Format == FormatCSV && cfg.Delimiter == 0 &&
		strings.HasSuffix(strings.ToLower(locationPath(cfg.Location)), ".tsv") {
		cfg.Delimiter = '\t'
	}
	switch cfg.Format {
	case FormatCSV, FormatJSON, FormatYAML, FormatXLSX:
	default:
		return nil, eris.Errorf("feed: unsupported format %q", cfg.Format)
	}
	if opener == nil {
		opener = &fetcher.Opener{}
	}
	return &FileSource{cfg: cfg, opener: opener, opts: opts.withDefaults()}, nil
}

// Describe names the feed location and format.
func (s *FileSource) Describe() string {
	return fmt.Sprintf("%s (%s)", s.cfg.Location, s.cfg.Format)
}

// Load reads and parses the whole feed.
func (s *FileSource) Load(ctx context.Context) (*model.Snapshot, error) {
	log := zap.L().With(zap.String("component", "feed.file"), zap.String("location", s.cfg.Location))
	start := time.Now()

	data, err := s.opener.ReadAll(ctx, s.cfg.Location)
	if err != nil {
		return nil, eris.Wrap(err, "feed: read file")
	}
	if s.cfg.Format != FormatXLSX {
		if data, err = fetcher.DecodeBytes(data, s.cfg.Encoding); err != nil {
			return nil, eris.Wrap(err, "feed: decode file")
		}
	}

	var records []model.FeedRecord
	switch s.cfg.Format {
	case FormatCSV:
		records, err = s.parseCSV(ctx, data)
	case FormatXLSX:
		records, err = s.parseXLSX(data)
	case FormatJSON:
		records, err = s.parseJSON(ctx, data)
	case FormatYAML:
		records, err = s.parseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	snap := buildSnapshot(s.cfg.Location, records, s.opts)
	log.Info("feed loaded",
		zap.Int("records", len(snap.Records)),
		zap.Time("observed_at", snap.ObservedAt),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return snap, nil
}

func (s *FileSource) parseCSV(ctx context.Context, data []byte) ([]model.FeedRecord, error) {
	rows, err := fetcher.ReadCSV(ctx, bytes.NewReader(data), fetcher.CSVOptions{Delimiter: s.cfg.Delimiter})
	if err != nil {
		return nil, eris.Wrap(err, "feed: parse csv")
	}
	return s.tabular(rows)
}

func (s *FileSource) parseXLSX(data []byte) ([]model.FeedRecord, error) {
	rows, err := fetcher.ReadXLSX(data, fetcher.XLSXOptions{SheetName: s.cfg.Sheet})
	if err != nil {
		return nil, eris.Wrap(err, "feed: parse xlsx")
	}
	return s.tabular(rows)
}

// tabular treats the first row as the header. A file with no rows at all
// has no header to check and yields an empty snapshot.
func (s *FileSource) tabular(rows [][]string) ([]model.FeedRecord, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	l, err := newLayout(s.cfg.Location, rows[0], s.opts)
	if err != nil {
		return nil, err
	}
	out := make([]model.FeedRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		rec, err := l.record(i+2, textCells(row))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileSource) parseJSON(ctx context.Context, data []byte) ([]model.FeedRecord, error) {
	objs, err := fetcher.ReadJSONArray[map[string]any](ctx, bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "feed: parse json")
	}
	return s.objects(objs)
}

func (s *FileSource) parseYAML(data []byte) ([]model.FeedRecord, error) {
	var objs []map[string]any
	if err := yaml.Unmarshal(data, &objs); err != nil {
		return nil, eris.Wrap(err, "feed: parse yaml")
	}
	return s.objects(objs)
}

// objects maps each object onto the layout of its own keys. Every object
// must carry every required key; a null value is NULL while an empty string
// stays an empty string.
func (s *FileSource) objects(objs []map[string]any) ([]model.FeedRecord, error) {
	out := make([]model.FeedRecord, 0, len(objs))
	for i, obj := range objs {
		line := i + 1
		header := make([]string, 0, len(obj))
		cells := make([]*string, 0, len(obj))
		for k, v := range obj {
			val, err := objectValue(v)
			if err != nil {
				return nil, &model.SchemaMismatchError{
					Source: s.cfg.Location,
					Detail: fmt.Sprintf("record %d: key %q: %v", line, k, err),
				}
			}
			header = append(header, k)
			cells = append(cells, val)
		}
		l, err := newLayout(fmt.Sprintf("%s record %d", s.cfg.Location, line), header, s.opts)
		if err != nil {
			return nil, err
		}
		rec, err := l.record(line, cells)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// objectValue renders a decoded JSON or YAML scalar as feed text.
func objectValue(v any) (*string, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = x
	case json.Number:
		s = x.String()
	case time.Time:
		s = x.UTC().Format(time.RFC3339Nano)
	case bool, int, int64, uint64, float64:
		s = fmt.Sprint(x)
	default:
		return nil, eris.Errorf("unsupported value of type %T", v)
	}
	return &s, nil
}

// InferFormat picks a format from the location's file extension.
func InferFormat(location string) (string, error) {
	switch strings.ToLower(path.Ext(locationPath(location))) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("feed: cannot infer format of %q, set feed.format", location)
	}
}

// locationPath strips the scheme, host and query from URL locations.
func locationPath(location string) string {
	if fetcher.Scheme(location) == "" {
		return location
	}
	if u, err := url.Parse(location); err == nil {
		return u.Path
	}
	return location
}
