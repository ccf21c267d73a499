// Package repository defines domain models and data access interfaces for
// projects, their documents and the results of criterion evaluations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownGate is returned by ParseGate for an unrecognised gate name.
var ErrUnknownGate = errors.New("unknown gate")

// Gate is the review stage a criterion belongs to.
type Gate string

const (
	Gate0       Gate = "GATE_0"
	Gate1       Gate = "GATE_1"
	Gate2       Gate = "GATE_2"
	Gate3       Gate = "GATE_3"
	Gate4       Gate = "GATE_4"
	GateIPA     Gate = "IPA_GUIDANCE"
	GateCustom  Gate = "CUSTOM"
	GateUnknown Gate = ""
)

// Gates lists every known gate in review order.
var Gates = []Gate{Gate0, Gate1, Gate2, Gate3, Gate4, GateIPA, GateCustom}

// ParseGate accepts a gate name in any case. An empty string yields
// GateUnknown without error.
func ParseGate(s string) (Gate, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return GateUnknown, nil
	}
	for _, g := range Gates {
		if string(g) == s {
			return g, nil
		}
	}
	return GateUnknown, fmt.Errorf("%w: %q", ErrUnknownGate, s)
}

// Answer is the label extracted from a model response.
type Answer string

const (
	AnswerPositive Answer = "Positive"
	AnswerNeutral  Answer = "Neutral"
	AnswerNegative Answer = "Negative"
	AnswerNone     Answer = "None"
)

// Project is a government project under review.
type Project struct {
	ID             uuid.UUID
	Name           string
	ResultsSummary string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Criterion is a review question with underscore-separated evidence points.
type Criterion struct {
	ID        uuid.UUID
	Gate      Gate
	Category  string
	Question  string
	Evidence  string
	CreatedAt time.Time
}

// File is a project document.
type File struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	Type          string
	Name          string
	CleanName     string
	Summary       string
	Source        string
	PublishedDate string
	S3Bucket      string
	S3Key         string
	StorageKind   string
	URL           string
	CreatedAt     time.Time
}

// DisplayName prefers the cleaned file name.
func (f *File) DisplayName() string {
	if f.CleanName != "" {
		return f.CleanName
	}
	return f.Name
}

// Chunk is a contiguous piece of a file's text. Idx is its position within
// the file.
type Chunk struct {
	ID        uuid.UUID
	FileID    uuid.UUID
	Idx       int
	PageNum   int
	Text      string
	CreatedAt time.Time
}

// Result is the outcome of evaluating one criterion against one project.
type Result struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	CriterionID uuid.UUID
	Answer      Answer
	FullText    string
	ChunkIDs    []uuid.UUID
	CreatedAt   time.Time
}

// ProjectFilter narrows ListProjects. Zero values match everything.
type ProjectFilter struct {
	Name string
}

// CriterionFilter narrows ListCriteria. Zero values match everything.
type CriterionFilter struct {
	ProjectID uuid.UUID
	Gate      Gate
}

// ProjectRepository defines operations for project persistence
type ProjectRepository interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error)
	UpdateProjectSummary(ctx context.Context, id uuid.UUID, summary string) error
}

// DocumentRepository defines operations for files and their chunks
type DocumentRepository interface {
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id uuid.UUID) (*File, error)
	ListFiles(ctx context.Context, projectID uuid.UUID) ([]*File, error)

	// Chunk operations
	CreateChunks(ctx context.Context, chunks []*Chunk) error
	GetChunk(ctx context.Context, id uuid.UUID) (*Chunk, error)
	ListChunks(ctx context.Context, fileID uuid.UUID) ([]*Chunk, error)
}

// CriterionRepository defines operations for criteria and their project links
type CriterionRepository interface {
	CreateCriterion(ctx context.Context, c *Criterion) error
	GetCriterion(ctx context.Context, id uuid.UUID) (*Criterion, error)
	ListCriteria(ctx context.Context, filter CriterionFilter) ([]*Criterion, error)
	LinkCriterion(ctx context.Context, projectID, criterionID uuid.UUID) error
}

// ResultRepository defines operations for evaluation results
type ResultRepository interface {
	CreateResult(ctx context.Context, r *Result) error
	ListResults(ctx context.Context, projectID uuid.UUID) ([]*Result, error)
}

// StorageHandler is the full persistence contract. Backends live in the
// postgres and sqlite subpackages.
type StorageHandler interface {
	ProjectRepository
	DocumentRepository
	CriterionRepository
	ResultRepository

	Ping(ctx context.Context) error
	Close() error
}

// PrepareNew fills a zero ID and creation time.
func PrepareNew(id *uuid.UUID, createdAt *time.Time) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}
