package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lamim/prefbatch/internal/hub"
	"github.com/lamim/prefbatch/pkg/models"
)

// Request identifies the records to load. Location is a JSONL/JSON file, a
// directory of such files, or a hub dataset repo id (owner/name).
type Request struct {
	Location  string
	Name      string
	Split     string
	DataFiles []string
	// Size truncates to min(Size, available) leading records; 0 keeps all.
	Size int
	// OptionalArgs carries positional backend extras, either a single string
	// or a string list. The first extra supplies the subset name when Name is
	// empty; the rest are ignored.
	OptionalArgs any
	// StrictSchemaChecks makes non-object records an error instead of a
	// skipped line.
	StrictSchemaChecks bool
}

// Loader resolves and reads record collections. The hub client may be nil
// when only local locations are used.
type Loader struct {
	hub    *hub.Client
	logger *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(hubClient *hub.Client, logger *slog.Logger) *Loader {
	return &Loader{
		hub:    hubClient,
		logger: logger.With("component", "source"),
	}
}

// Load reads the requested records into a collection.
func (l *Loader) Load(ctx context.Context, req Request) (*Collection, error) {
	if req.Location == "" {
		return nil, fmt.Errorf("dataset location must not be empty")
	}

	if extras := NormalizeArgs(req.OptionalArgs); len(extras) > 0 {
		if req.Name == "" {
			req.Name = extras[0]
			extras = extras[1:]
		}
		if len(extras) > 0 {
			l.logger.Debug("Ignoring extra loader args", "args", extras)
		}
	}

	files, err := l.resolveFiles(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no data files found for location %q (name=%q split=%q)", req.Location, req.Name, req.Split)
	}

	var records []models.RawRecord
	for _, file := range files {
		fileRecords, err := l.loadFile(file, req.StrictSchemaChecks)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
		records = append(records, fileRecords...)
	}

	l.logger.Info("Loaded dataset",
		"location", req.Location,
		"files", len(files),
		"records", len(records))

	collection := NewCollection(records)
	if req.Size > 0 {
		collection = collection.Select(req.Size)
	}
	return collection, nil
}

// resolveFiles maps the request to concrete local file paths, downloading
// from the hub when the location is a repo id.
func (l *Loader) resolveFiles(ctx context.Context, req Request) ([]string, error) {
	info, err := os.Stat(req.Location)
	switch {
	case err == nil && !info.IsDir():
		return []string{req.Location}, nil

	case err == nil && info.IsDir():
		return resolveDir(req)

	case hub.IsRepoID(req.Location):
		if l.hub == nil {
			return nil, fmt.Errorf("location %q is a hub repo id but no hub client is configured", req.Location)
		}
		remote := req.DataFiles
		if len(remote) == 0 {
			split := req.Split
			if split == "" {
				split = "train"
			}
			remote = []string{split + ".jsonl"}
		}
		var files []string
		for _, name := range remote {
			local, err := l.hub.Download(ctx, req.Location, name)
			if err != nil {
				return nil, err
			}
			files = append(files, local)
		}
		return files, nil

	default:
		return nil, fmt.Errorf("dataset location %q does not exist", req.Location)
	}
}

// resolveDir picks files inside a directory location: explicit data files
// first, then split/name conventions, then everything loadable.
func resolveDir(req Request) ([]string, error) {
	if len(req.DataFiles) > 0 {
		files := make([]string, len(req.DataFiles))
		for i, name := range req.DataFiles {
			files[i] = filepath.Join(req.Location, name)
		}
		return files, nil
	}

	var candidates []string
	if req.Name != "" && req.Split != "" {
		candidates = append(candidates, filepath.Join(req.Location, req.Name, req.Split+".jsonl"))
	}
	if req.Split != "" {
		candidates = append(candidates, filepath.Join(req.Location, req.Split+".jsonl"))
	}
	if req.Name != "" {
		candidates = append(candidates, filepath.Join(req.Location, req.Name+".jsonl"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return []string{candidate}, nil
		}
	}

	var files []string
	for _, pattern := range []string{"*.jsonl", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(req.Location, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to glob %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// loadFile reads one JSONL or JSON file into records.
func (l *Loader) loadFile(path string, strict bool) ([]models.RawRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.loadJSONArray(path, strict)
	default:
		return l.loadJSONL(path, strict)
	}
}

func (l *Loader) loadJSONL(path string, strict bool) ([]models.RawRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var records []models.RawRecord
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec models.RawRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if strict {
				return nil, fmt.Errorf("line %d: failed to parse record: %w", lineNum, err)
			}
			l.logger.Debug("Skipping unparsable record", "path", path, "line", lineNum, "error", err)
			continue
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading dataset file: %w", err)
	}
	return records, nil
}

func (l *Loader) loadJSONArray(path string, strict bool) ([]models.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// A single top-level object is treated as a one-record dataset.
		var rec models.RawRecord
		if objErr := json.Unmarshal(data, &rec); objErr == nil {
			return []models.RawRecord{rec}, nil
		}
		return nil, fmt.Errorf("failed to parse JSON dataset: %w", err)
	}

	var records []models.RawRecord
	for i, msg := range raw {
		var rec models.RawRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			if strict {
				return nil, fmt.Errorf("element %d: failed to parse record: %w", i, err)
			}
			l.logger.Debug("Skipping unparsable record", "path", path, "element", i, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// NormalizeArgs normalizes the optional-args shapes callers may hand over:
// a plain string becomes a single-element list, a string list passes
// through, anything else is dropped.
func NormalizeArgs(v any) []string {
	switch args := v.(type) {
	case nil:
		return nil
	case string:
		if args == "" {
			return nil
		}
		return []string{args}
	case []string:
		return args
	}
	return nil
}
