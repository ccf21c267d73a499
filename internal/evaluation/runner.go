package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/hypothesis"
	"github.com/knoguchi/scout/internal/llm"
	"github.com/knoguchi/scout/internal/metrics"
	"github.com/knoguchi/scout/internal/repository"
)

// DefaultK is the number of primary extracts retrieved per query.
const DefaultK = 3

// DefaultProgressEvery is how many criteria pass between progress logs.
const DefaultProgressEvery = 5

// CriterionEvaluator evaluates one criterion. *Evaluator implements it.
type CriterionEvaluator interface {
	Evaluate(ctx context.Context, project *repository.Project, criterion *repository.Criterion, k int, hyp *hypothesis.Tracker) (*Outcome, error)
}

// RunnerStorage is the persistence a run needs.
type RunnerStorage interface {
	CreateResult(ctx context.Context, r *repository.Result) error
	UpdateProjectSummary(ctx context.Context, id uuid.UUID, summary string) error
}

// RunnerConfig configures the summary call and progress logging.
type RunnerConfig struct {
	Model         string
	Temperature   float32
	MaxTokens     int
	ProgressEvery int
}

// RunOptions are per-run settings.
type RunOptions struct {
	K       int
	Persist bool
}

// Failure records a criterion that produced no result.
type Failure struct {
	Criterion *repository.Criterion
	Stage     Stage
	Err       error
}

// QA is a question with the cleaned answer it received.
type QA struct {
	Question string
	Answer   string
}

// Report is the outcome of a run. Results may be shorter than the criteria
// list; every missing criterion has an entry in Failures.
type Report struct {
	Project    *repository.Project
	Results    []*repository.Result
	Failures   []Failure
	Answers    []QA
	Summary    string
	Hypotheses string
	// HypothesisHistory lists every retained revision, oldest first,
	// starting with hypothesis.Initial.
	HypothesisHistory []hypothesis.Revision
	Duration          time.Duration
}

// Runner evaluates criteria for a project in order, carrying hypotheses
// from one criterion to the next.
type Runner struct {
	evaluator CriterionEvaluator
	storage   RunnerStorage
	chat      llm.ChatModel
	cfg       RunnerConfig
	logger    *slog.Logger
}

// NewRunner creates a Runner. storage may be nil when runs never persist.
func NewRunner(evaluator CriterionEvaluator, storage RunnerStorage, chat llm.ChatModel, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		evaluator: evaluator,
		storage:   storage,
		chat:      chat,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run evaluates criteria against project. Failed criteria and failed writes
// are recorded in the report and the run moves on; the closing summary is
// best-effort and is skipped when no criterion produced an answer. Run
// returns an error only for invalid input or when ctx ends, in which case
// the partial report is returned with it.
func (r *Runner) Run(ctx context.Context, project *repository.Project, criteria []*repository.Criterion, opts RunOptions) (*Report, error) {
	if project == nil {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidInput)
	}
	if opts.Persist && r.storage == nil {
		return nil, fmt.Errorf("%w: persisting requires storage", ErrInvalidInput)
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}

	start := time.Now()
	logger := r.logger.With("project", project.ID)
	report := &Report{Project: project}
	hyp := hypothesis.NewTracker()

	logger.Info("evaluating criteria", "criteria", len(criteria), "k", opts.K, "persist", opts.Persist)
	for i, criterion := range criteria {
		if err := ctx.Err(); err != nil {
			return r.finish(report, hyp, start), err
		}

		r.evaluateOne(ctx, project, criterion, opts, hyp, report, logger)

		if processed := i + 1; processed%r.cfg.ProgressEvery == 0 {
			logger.Info("criteria complete", "processed", processed, "total", len(criteria), "failed", len(report.Failures))
		}
	}

	r.summarize(ctx, project, opts, hyp, report, logger)

	report = r.finish(report, hyp, start)
	logger.Info("evaluation finished",
		"results", len(report.Results),
		"failures", len(report.Failures),
		"duration", report.Duration)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) evaluateOne(ctx context.Context, project *repository.Project, criterion *repository.Criterion, opts RunOptions, hyp *hypothesis.Tracker, report *Report, logger *slog.Logger) {
	outcome, err := r.evaluator.Evaluate(ctx, project, criterion, opts.K, hyp)
	if err != nil {
		report.Failures = append(report.Failures, Failure{Criterion: criterion, Stage: FailedStage(err), Err: err})
		return
	}
	report.Answers = append(report.Answers, QA{Question: criterion.Question, Answer: outcome.FullText})

	result := &repository.Result{
		ProjectID:   project.ID,
		CriterionID: criterion.ID,
		Answer:      outcome.Answer,
		FullText:    outcome.FullText,
		ChunkIDs:    outcome.ChunkIDs(),
	}
	if opts.Persist {
		if err := r.storage.CreateResult(ctx, result); err != nil {
			err = fmt.Errorf("%w: saving result for criterion %s: %w", ErrPersistence, criterion.ID, err)
			metrics.PersistenceFailuresTotal.Inc()
			logger.Error("failed to save result", "criterion", criterion.ID, "error", err)
			report.Failures = append(report.Failures, Failure{Criterion: criterion, Stage: StageDone, Err: err})
			return
		}
	}
	report.Results = append(report.Results, result)
}

func (r *Runner) summarize(ctx context.Context, project *repository.Project, opts RunOptions, hyp *hypothesis.Tracker, report *Report, logger *slog.Logger) {
	if len(report.Answers) == 0 {
		logger.Warn("no answers to summarise")
		return
	}

	logger.Info("generating summary of answers")
	prompt, err := render(summaryTmpl, promptData{
		QuestionsAndAnswers: formatAnswers(report.Answers),
		Hypotheses:          hyp.Current(),
	})
	if err != nil {
		logger.Error("failed to render summary prompt", "error", err)
		return
	}
	summary, err := r.chat.Complete(ctx, []llm.Message{llm.User(prompt)}, llm.CompleteOptions{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		logger.Error("failed to generate summary", "error", err)
		return
	}
	report.Summary = summary

	if !opts.Persist {
		return
	}
	if err := r.storage.UpdateProjectSummary(ctx, project.ID, summary); err != nil {
		metrics.PersistenceFailuresTotal.Inc()
		logger.Error("failed to save summary", "error", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
}

func (r *Runner) finish(report *Report, hyp *hypothesis.Tracker, start time.Time) *Report {
	report.Hypotheses = hyp.Current()
	report.HypothesisHistory = hyp.History()
	report.Duration = time.Since(start)
	return report
}

func formatAnswers(answers []QA) string {
	parts := make([]string, len(answers))
	for i, qa := range answers {
		parts[i] = formatQA(qa.Question, qa.Answer)
	}
	return strings.Join(parts, "\n\n")
}
