package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/repository"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func seedProject(t *testing.T, s *Store) (*repository.Project, *repository.File, []*repository.Chunk) {
	t.Helper()
	ctx := context.Background()

	p := &repository.Project{Name: "Rail Upgrade"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	f := &repository.File{ProjectID: p.ID, Type: ".pdf", Name: "obc.pdf", CleanName: "Outline Business Case", Source: "DfT"}
	if err := s.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	chunks := []*repository.Chunk{
		{FileID: f.ID, Idx: 0, PageNum: 1, Text: "scope"},
		{FileID: f.ID, Idx: 1, PageNum: 1, Text: "budget"},
		{FileID: f.ID, Idx: 2, PageNum: 2, Text: "risks"},
	}
	if err := s.CreateChunks(ctx, chunks); err != nil {
		t.Fatalf("CreateChunks() error = %v", err)
	}
	return p, f, chunks
}

func TestStore_ProjectsAndDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, f, chunks := seedProject(t, s)

	got, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if got.Name != "Rail Upgrade" || !got.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("GetProject() = %+v", got)
	}

	byName, err := s.ListProjects(ctx, repository.ProjectFilter{Name: "Rail Upgrade"})
	if err != nil || len(byName) != 1 {
		t.Fatalf("ListProjects() = %v, %v", byName, err)
	}
	none, err := s.ListProjects(ctx, repository.ProjectFilter{Name: "Other"})
	if err != nil || len(none) != 0 {
		t.Fatalf("ListProjects(other) = %v, %v", none, err)
	}

	gotFile, err := s.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if gotFile.DisplayName() != "Outline Business Case" || gotFile.StorageKind != "local" {
		t.Errorf("GetFile() = %+v", gotFile)
	}

	files, err := s.ListFiles(ctx, p.ID)
	if err != nil || len(files) != 1 {
		t.Fatalf("ListFiles() = %v, %v", files, err)
	}

	listed, err := s.ListChunks(ctx, f.ID)
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(listed) != 3 || listed[2].Text != "risks" {
		t.Errorf("ListChunks() = %+v", listed)
	}

	c, err := s.GetChunk(ctx, chunks[1].ID)
	if err != nil {
		t.Fatalf("GetChunk() error = %v", err)
	}
	if c.Idx != 1 || c.FileID != f.ID {
		t.Errorf("GetChunk() = %+v", c)
	}

	if err := s.UpdateProjectSummary(ctx, p.ID, "mostly positive"); err != nil {
		t.Fatalf("UpdateProjectSummary() error = %v", err)
	}
	got, _ = s.GetProject(ctx, p.ID)
	if got.ResultsSummary != "mostly positive" {
		t.Errorf("summary = %q", got.ResultsSummary)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	missing := uuid.New()

	if _, err := s.GetProject(ctx, missing); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetProject() error = %v", err)
	}
	if _, err := s.GetFile(ctx, missing); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetFile() error = %v", err)
	}
	if _, err := s.GetChunk(ctx, missing); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetChunk() error = %v", err)
	}
	if _, err := s.GetCriterion(ctx, missing); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetCriterion() error = %v", err)
	}
	if err := s.UpdateProjectSummary(ctx, missing, "x"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("UpdateProjectSummary() error = %v", err)
	}
}

func TestStore_ForeignKeys(t *testing.T) {
	s := openTestStore(t)
	err := s.CreateFile(context.Background(), &repository.File{ProjectID: uuid.New(), Type: ".pdf", Name: "orphan.pdf"})
	if err == nil {
		t.Fatal("expected foreign key violation for a file without a project")
	}
}

func TestStore_CriteriaFiltering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _, _ := seedProject(t, s)

	criteria := []*repository.Criterion{
		{Gate: repository.Gate1, Category: "Finance", Question: "Is the budget realistic?", Evidence: "cost plan_funding"},
		{Gate: repository.Gate2, Category: "Delivery", Question: "Is the schedule credible?", Evidence: "milestones"},
		{Gate: repository.Gate1, Category: "Risk", Question: "Are risks managed?", Evidence: "risk register"},
	}
	for _, c := range criteria {
		if err := s.CreateCriterion(ctx, c); err != nil {
			t.Fatalf("CreateCriterion() error = %v", err)
		}
	}
	for _, c := range criteria[:2] {
		if err := s.LinkCriterion(ctx, p.ID, c.ID); err != nil {
			t.Fatalf("LinkCriterion() error = %v", err)
		}
	}
	// Linking twice is tolerated.
	if err := s.LinkCriterion(ctx, p.ID, criteria[0].ID); err != nil {
		t.Fatalf("LinkCriterion() again error = %v", err)
	}

	tests := []struct {
		name   string
		filter repository.CriterionFilter
		want   []string
	}{
		{"all", repository.CriterionFilter{}, []string{"Finance", "Delivery", "Risk"}},
		{"by gate", repository.CriterionFilter{Gate: repository.Gate1}, []string{"Finance", "Risk"}},
		{"by project", repository.CriterionFilter{ProjectID: p.ID}, []string{"Finance", "Delivery"}},
		{"by project and gate", repository.CriterionFilter{ProjectID: p.ID, Gate: repository.Gate2}, []string{"Delivery"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListCriteria(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListCriteria() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListCriteria() returned %d, want %d", len(got), len(tt.want))
			}
			for i, c := range got {
				if c.Category != tt.want[i] {
					t.Errorf("criterion %d = %s, want %s", i, c.Category, tt.want[i])
				}
			}
		})
	}

	got, err := s.GetCriterion(ctx, criteria[0].ID)
	if err != nil {
		t.Fatalf("GetCriterion() error = %v", err)
	}
	if got.Gate != repository.Gate1 || got.Evidence != "cost plan_funding" {
		t.Errorf("GetCriterion() = %+v", got)
	}
}

func TestStore_Results(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _, chunks := seedProject(t, s)

	c := &repository.Criterion{Gate: repository.Gate0, Category: "Scope", Question: "Is scope clear?", Evidence: "scope"}
	if err := s.CreateCriterion(ctx, c); err != nil {
		t.Fatalf("CreateCriterion() error = %v", err)
	}

	first := &repository.Result{
		ProjectID:   p.ID,
		CriterionID: c.ID,
		Answer:      repository.AnswerPositive,
		FullText:    "Scope is well defined.",
		ChunkIDs:    []uuid.UUID{chunks[2].ID, chunks[0].ID},
	}
	second := &repository.Result{ProjectID: p.ID, CriterionID: c.ID, Answer: repository.AnswerNone, FullText: "unclear"}
	for _, r := range []*repository.Result{first, second} {
		if err := s.CreateResult(ctx, r); err != nil {
			t.Fatalf("CreateResult() error = %v", err)
		}
	}

	got, err := s.ListResults(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListResults() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListResults() returned %d results, want 2", len(got))
	}
	if got[0].Answer != repository.AnswerPositive || len(got[0].ChunkIDs) != 2 {
		t.Errorf("first result = %+v", got[0])
	}
	if got[0].ChunkIDs[0] != chunks[2].ID || got[0].ChunkIDs[1] != chunks[0].ID {
		t.Errorf("chunk citation order lost: %v", got[0].ChunkIDs)
	}
	if len(got[1].ChunkIDs) != 0 {
		t.Errorf("second result should cite nothing, got %v", got[1].ChunkIDs)
	}
}

func TestStore_CreateResultRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _, _ := seedProject(t, s)
	c := &repository.Criterion{Category: "Scope", Question: "q", Evidence: "e"}
	if err := s.CreateCriterion(ctx, c); err != nil {
		t.Fatalf("CreateCriterion() error = %v", err)
	}

	// An unknown chunk violates the result_chunks foreign key.
	r := &repository.Result{ProjectID: p.ID, CriterionID: c.ID, Answer: repository.AnswerNeutral, FullText: "x", ChunkIDs: []uuid.UUID{uuid.New()}}
	if err := s.CreateResult(ctx, r); err == nil {
		t.Fatal("expected error for unknown chunk")
	}

	got, err := s.ListResults(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListResults() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected rollback, found %d results", len(got))
	}
}

func TestStore_ErrorPaths(t *testing.T) {
	boom := errors.New("disk I/O error")

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		call      func(*Store) error
	}{
		{
			name: "create project",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO project").WillReturnError(boom)
			},
			call: func(s *Store) error {
				return s.CreateProject(context.Background(), &repository.Project{Name: "p"})
			},
		},
		{
			name: "get project",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM project WHERE id").WillReturnError(boom)
			},
			call: func(s *Store) error {
				_, err := s.GetProject(context.Background(), uuid.New())
				return err
			},
		},
		{
			name: "create result commit",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO result").WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit().WillReturnError(boom)
			},
			call: func(s *Store) error {
				return s.CreateResult(context.Background(), &repository.Result{Answer: repository.AnswerPositive})
			},
		},
		{
			name: "create result chunk link",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO result ").WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("INSERT INTO result_chunks").WillReturnError(boom)
				mock.ExpectRollback()
			},
			call: func(s *Store) error {
				return s.CreateResult(context.Background(), &repository.Result{ChunkIDs: []uuid.UUID{uuid.New()}})
			},
		},
		{
			name: "list criteria",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM criterion c WHERE c.gate").WithArgs("GATE_3").WillReturnError(boom)
			},
			call: func(s *Store) error {
				_, err := s.ListCriteria(context.Background(), repository.CriterionFilter{Gate: repository.Gate3})
				return err
			},
		},
		{
			name: "update summary rows affected",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE project SET results_summary").WillReturnResult(sqlmock.NewErrorResult(boom))
			},
			call: func(s *Store) error {
				return s.UpdateProjectSummary(context.Background(), uuid.New(), "s")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock db: %v", err)
			}
			defer db.Close()
			tt.setupMock(mock)

			err = tt.call(&Store{db: db})
			if !errors.Is(err, boom) {
				t.Errorf("expected wrapped %v, got %v", boom, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}
