package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/knoguchi/scout/internal/hypothesis"
	"github.com/knoguchi/scout/internal/llm"
	"github.com/knoguchi/scout/internal/metrics"
	"github.com/knoguchi/scout/internal/repository"
	"github.com/knoguchi/scout/internal/retrieval"
)

// scriptedEvaluator fails the criteria listed in failures and otherwise
// answers Positive, appending the question to the hypotheses.
type scriptedEvaluator struct {
	failures map[uuid.UUID]error
	seen     []string // hypotheses observed at the start of each call
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, project *repository.Project, c *repository.Criterion, k int, hyp *hypothesis.Tracker) (*Outcome, error) {
	e.seen = append(e.seen, hyp.Current())
	if err := e.failures[c.ID]; err != nil {
		return nil, &StageError{Stage: StageRetrieveMain, Criterion: c.ID, Err: err}
	}
	hyp.Update(hyp.Current()+"+"+c.Category, c.Question)
	return &Outcome{Answer: repository.AnswerPositive, FullText: "answer to " + c.Question, Chunks: []*repository.Chunk{{ID: uuid.New()}}}, nil
}

type fakeStorage struct {
	results    []*repository.Result
	failFor    map[uuid.UUID]bool
	summary    string
	summaryErr error
}

func (s *fakeStorage) CreateResult(ctx context.Context, r *repository.Result) error {
	if s.failFor[r.CriterionID] {
		return errors.New("connection reset")
	}
	s.results = append(s.results, r)
	return nil
}

func (s *fakeStorage) UpdateProjectSummary(ctx context.Context, id uuid.UUID, summary string) error {
	if s.summaryErr != nil {
		return s.summaryErr
	}
	s.summary = summary
	return nil
}

func makeCriteria(n int) []*repository.Criterion {
	criteria := make([]*repository.Criterion, n)
	for i := range criteria {
		criteria[i] = &repository.Criterion{ID: uuid.New(), Category: fmt.Sprintf("c%d", i), Question: fmt.Sprintf("Question %d?", i)}
	}
	return criteria
}

func TestRun_ContinuesPastFailures(t *testing.T) {
	criteria := makeCriteria(5)
	ev := &scriptedEvaluator{failures: map[uuid.UUID]error{criteria[1].ID: retrieval.ErrInsufficientResults}}
	storage := &fakeStorage{failFor: map[uuid.UUID]bool{criteria[3].ID: true}}
	chat := &recordingChat{reply: fixedReply("Overall the project is on track.")}
	logger, _ := bufferLogger()
	r := NewRunner(ev, storage, chat, RunnerConfig{Model: "gpt-4o"}, logger)

	before := testutil.ToFloat64(metrics.PersistenceFailuresTotal)
	report, err := r.Run(context.Background(), testProject(), criteria, RunOptions{K: 3, Persist: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(report.Results) != 3 || len(storage.results) != 3 {
		t.Fatalf("expected 3 saved results, got report=%d storage=%d", len(report.Results), len(storage.results))
	}
	if len(report.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(report.Failures))
	}
	if f := report.Failures[0]; f.Criterion != criteria[1] || f.Stage != StageRetrieveMain || !errors.Is(f.Err, retrieval.ErrInsufficientResults) {
		t.Errorf("unexpected first failure %+v", f)
	}
	if f := report.Failures[1]; f.Criterion != criteria[3] || !errors.Is(f.Err, ErrPersistence) {
		t.Errorf("unexpected second failure %+v", f)
	}
	if got := testutil.ToFloat64(metrics.PersistenceFailuresTotal) - before; got != 1 {
		t.Errorf("persistence failures metric rose by %v, want 1", got)
	}

	// The unsaved answer still feeds the summary.
	if len(report.Answers) != 4 {
		t.Errorf("expected 4 answered questions, got %d", len(report.Answers))
	}
	if report.Summary != "Overall the project is on track." || storage.summary != report.Summary {
		t.Errorf("summary = %q, stored %q", report.Summary, storage.summary)
	}
	for _, res := range report.Results {
		if len(res.ChunkIDs) != 1 || res.Answer != repository.AnswerPositive {
			t.Errorf("unexpected result %+v", res)
		}
	}
}

func TestRun_CarriesHypotheses(t *testing.T) {
	criteria := makeCriteria(3)
	ev := &scriptedEvaluator{}
	chat := &recordingChat{reply: fixedReply("summary")}
	r := NewRunner(ev, nil, chat, RunnerConfig{}, nil)

	report, err := r.Run(context.Background(), testProject(), criteria, RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"None", "None+c0", "None+c0+c1"}
	if strings.Join(ev.seen, "|") != strings.Join(want, "|") {
		t.Errorf("hypotheses seen = %q, want %q", ev.seen, want)
	}
	if report.Hypotheses != "None+c0+c1+c2" {
		t.Errorf("final hypotheses = %q", report.Hypotheses)
	}
	hist := report.HypothesisHistory
	if len(hist) != 4 {
		t.Fatalf("history has %d revisions, want 4", len(hist))
	}
	if hist[0].Text != hypothesis.Initial || hist[0].Source != "" {
		t.Errorf("first revision = %+v", hist[0])
	}
	if hist[3].Text != report.Hypotheses || hist[3].Source != "Question 2?" {
		t.Errorf("last revision = %+v", hist[3])
	}

	// A second run starts from scratch.
	ev.seen = nil
	if _, err := r.Run(context.Background(), testProject(), criteria[:1], RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ev.seen[0] != hypothesis.Initial {
		t.Errorf("second run started with %q", ev.seen[0])
	}

	summaryPrompt := chat.calls[0].messages[0].Content
	if !strings.Contains(summaryPrompt, "Question: Question 2?\nAnswer: answer to Question 2?") || !strings.Contains(summaryPrompt, "None+c0+c1+c2") {
		t.Errorf("summary prompt = %s", summaryPrompt)
	}
}

func TestRun_SummaryIsBestEffort(t *testing.T) {
	tests := []struct {
		name       string
		reply      func(int, []llm.Message) (string, error)
		summaryErr error
		wantLog    string
		wantStored string
	}{
		{
			name: "model failure",
			reply: func(int, []llm.Message) (string, error) {
				return "", &llm.ProviderError{Reason: llm.ReasonServerError, Status: 500}
			},
			wantLog: "failed to generate summary",
		},
		{
			name:       "storage failure",
			reply:      fixedReply("summary text"),
			summaryErr: errors.New("read-only"),
			wantLog:    "failed to save summary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := &fakeStorage{summaryErr: tt.summaryErr}
			logger, buf := bufferLogger()
			r := NewRunner(&scriptedEvaluator{}, storage, &recordingChat{reply: tt.reply}, RunnerConfig{}, logger)

			report, err := r.Run(context.Background(), testProject(), makeCriteria(2), RunOptions{Persist: true})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(report.Results) != 2 {
				t.Errorf("expected 2 results, got %d", len(report.Results))
			}
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("expected log %q in %s", tt.wantLog, buf.String())
			}
		})
	}
}

func TestRun_NoAnswersSkipsSummary(t *testing.T) {
	criteria := makeCriteria(2)
	ev := &scriptedEvaluator{failures: map[uuid.UUID]error{
		criteria[0].ID: retrieval.ErrInsufficientResults,
		criteria[1].ID: retrieval.ErrInsufficientResults,
	}}
	storage := &fakeStorage{}
	chat := &recordingChat{reply: fixedReply("should not be asked")}
	logger, buf := bufferLogger()
	r := NewRunner(ev, storage, chat, RunnerConfig{}, logger)

	report, err := r.Run(context.Background(), testProject(), criteria, RunOptions{Persist: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(chat.calls) != 0 {
		t.Errorf("expected no summary call, got %d", len(chat.calls))
	}
	if report.Summary != "" || storage.summary != "" {
		t.Errorf("summary = %q, stored %q", report.Summary, storage.summary)
	}
	if !strings.Contains(buf.String(), "no answers to summarise") {
		t.Errorf("expected skip log in %s", buf.String())
	}
}

func TestRun_NoPersist(t *testing.T) {
	storage := &fakeStorage{}
	r := NewRunner(&scriptedEvaluator{}, storage, &recordingChat{reply: fixedReply("s")}, RunnerConfig{}, nil)

	report, err := r.Run(context.Background(), testProject(), makeCriteria(2), RunOptions{Persist: false})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Results) != 2 || len(storage.results) != 0 || storage.summary != "" {
		t.Errorf("nothing should be stored: results=%d stored=%d summary=%q", len(report.Results), len(storage.results), storage.summary)
	}
	if report.Summary != "s" {
		t.Errorf("summary = %q", report.Summary)
	}
}

func TestRun_ProgressLogging(t *testing.T) {
	logger, buf := bufferLogger()
	r := NewRunner(&scriptedEvaluator{}, nil, &recordingChat{reply: fixedReply("s")}, RunnerConfig{}, logger)

	if _, err := r.Run(context.Background(), testProject(), makeCriteria(12), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Count(buf.String(), "criteria complete"); got != 2 {
		t.Errorf("expected 2 progress logs, got %d", got)
	}
	if !strings.Contains(buf.String(), "processed=10") {
		t.Errorf("missing progress at 10: %s", buf.String())
	}
}

func TestRun_InvalidInput(t *testing.T) {
	r := NewRunner(&scriptedEvaluator{}, nil, &recordingChat{reply: fixedReply("")}, RunnerConfig{}, nil)

	if _, err := r.Run(context.Background(), nil, makeCriteria(1), RunOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil project: got %v", err)
	}
	if _, err := r.Run(context.Background(), testProject(), makeCriteria(1), RunOptions{Persist: true}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("persist without storage: got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chat := &recordingChat{reply: fixedReply("s")}
	r := NewRunner(&scriptedEvaluator{}, nil, chat, RunnerConfig{}, nil)

	report, err := r.Run(ctx, testProject(), makeCriteria(3), RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report == nil || len(report.Results) != 0 || len(chat.calls) != 0 {
		t.Errorf("expected an empty partial report, got %+v", report)
	}
}
