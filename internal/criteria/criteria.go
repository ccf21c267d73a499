// Package criteria reads review criteria from CSV or YAML files and stores
// them for a project.
//
// CSV files need the headings Category, Question and Evidence; Gate is
// optional. YAML files hold a top-level "criteria" list with the same
// fields in lower case. Evidence points inside a criterion are separated by
// underscores.
package criteria

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/knoguchi/scout/internal/repository"
)

// Format is a criteria file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatYAML Format = "yaml"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither CSV nor YAML.
	ErrUnsupportedFormat = errors.New("unsupported criteria format")

	// ErrMissingHeader is returned when a CSV file lacks a required column.
	ErrMissingHeader = errors.New("missing criteria header")
)

var requiredHeaders = []string{"category", "question", "evidence"}

// RowError describes a row that could not be turned into a criterion.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// ReadFile parses the criteria file at path.
func ReadFile(path string) ([]*repository.Criterion, []RowError, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening criteria file: %w", err)
	}
	defer f.Close()
	return Parse(f, format)
}

// Parse reads criteria in the given format. Rows with an unknown gate or an
// empty question are skipped and reported in the returned RowErrors.
func Parse(r io.Reader, format Format) ([]*repository.Criterion, []RowError, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatYAML:
		return parseYAML(r)
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

type row struct {
	Category string `yaml:"category"`
	Question string `yaml:"question"`
	Evidence string `yaml:"evidence"`
	Gate     string `yaml:"gate"`
}

func (r row) criterion() (*repository.Criterion, error) {
	question := strings.TrimSpace(r.Question)
	if question == "" {
		return nil, errors.New("question is empty")
	}
	gate, err := repository.ParseGate(r.Gate)
	if err != nil {
		return nil, err
	}
	return &repository.Criterion{
		Gate:     gate,
		Category: strings.TrimSpace(r.Category),
		Question: question,
		Evidence: strings.TrimSpace(r.Evidence),
	}, nil
}

func parseCSV(r io.Reader) ([]*repository.Criterion, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: file is empty", ErrMissingHeader)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, h := range requiredHeaders {
		if _, ok := columns[h]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingHeader, h)
		}
	}
	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var (
		out     []*repository.Criterion
		rowErrs []RowError
	)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading row %d: %w", line, err)
		}
		c, err := row{
			Category: field(record, "category"),
			Question: field(record, "question"),
			Evidence: field(record, "evidence"),
			Gate:     field(record, "gate"),
		}.criterion()
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: line, Err: err})
			continue
		}
		out = append(out, c)
	}
	return out, rowErrs, nil
}

func parseYAML(r io.Reader) ([]*repository.Criterion, []RowError, error) {
	var doc struct {
		Criteria []row `yaml:"criteria"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("decoding criteria yaml: %w", err)
	}

	var (
		out     []*repository.Criterion
		rowErrs []RowError
	)
	for i, rw := range doc.Criteria {
		c, err := rw.criterion()
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: i + 1, Err: err})
			continue
		}
		out = append(out, c)
	}
	return out, rowErrs, nil
}

// Writer stores criteria and links them to projects.
type Writer interface {
	CreateCriterion(ctx context.Context, c *repository.Criterion) error
	LinkCriterion(ctx context.Context, projectID, criterionID uuid.UUID) error
}

// Store writes criteria in order and links each to projectID unless it is
// uuid.Nil. A failing criterion is logged and skipped; Store returns how
// many were written.
func Store(ctx context.Context, w Writer, criteria []*repository.Criterion, projectID uuid.UUID, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stored := 0
	for _, c := range criteria {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		if err := w.CreateCriterion(ctx, c); err != nil {
			logger.Error("failed to store criterion", "question", c.Question, "error", err)
			continue
		}
		if projectID != uuid.Nil {
			if err := w.LinkCriterion(ctx, projectID, c.ID); err != nil {
				logger.Error("failed to link criterion", "criterion", c.ID, "project", projectID, "error", err)
				continue
			}
		}
		stored++
	}
	logger.Info("stored criteria", "count", stored, "total", len(criteria))
	return stored, nil
}

// Lister lists stored criteria.
type Lister interface {
	ListCriteria(ctx context.Context, filter repository.CriterionFilter) ([]*repository.Criterion, error)
}

// ForProject returns the criteria a project is evaluated against: those
// linked to it, limited to gate when set. A project with no linked criteria
// at all uses every stored criterion for gate, and shared reports that.
func ForProject(ctx context.Context, l Lister, projectID uuid.UUID, gate repository.Gate) (crit []*repository.Criterion, shared bool, err error) {
	crit, err = l.ListCriteria(ctx, repository.CriterionFilter{ProjectID: projectID, Gate: gate})
	if err != nil || len(crit) > 0 {
		return crit, false, err
	}
	if gate != repository.GateUnknown {
		linked, err := l.ListCriteria(ctx, repository.CriterionFilter{ProjectID: projectID})
		if err != nil {
			return nil, false, err
		}
		if len(linked) > 0 {
			return nil, false, nil
		}
	}
	crit, err = l.ListCriteria(ctx, repository.CriterionFilter{Gate: gate})
	return crit, true, err
}
