// Package evaluation answers review criteria about a project with retrieved
// document extracts and a chat model, and runs whole criterion sets.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/hypothesis"
	"github.com/knoguchi/scout/internal/llm"
	"github.com/knoguchi/scout/internal/metrics"
	"github.com/knoguchi/scout/internal/repository"
	"github.com/knoguchi/scout/internal/vectorstore"
)

// NoEvidence stands in for evidence answers when a criterion has no usable
// evidence points.
const NoEvidence = "None"

// Retriever returns extracts relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]vectorstore.Extract, error)
}

// ChunkGetter resolves cited chunks.
type ChunkGetter interface {
	GetChunk(ctx context.Context, id uuid.UUID) (*repository.Chunk, error)
}

// FileGetter resolves file metadata for extracts.
type FileGetter interface {
	GetFile(ctx context.Context, id uuid.UUID) (*repository.File, error)
}

// Deps are the collaborators of an Evaluator.
type Deps struct {
	Retriever Retriever
	Chat      llm.ChatModel
	Chunks    ChunkGetter
	Files     FileGetter
}

// Config holds model settings for an evaluation.
type Config struct {
	Model                 string
	Temperature           float32
	HypothesisTemperature float32
	MaxTokens             int
}

// DefaultConfig returns deterministic answers and slightly varied hypotheses.
func DefaultConfig() Config {
	return Config{
		Temperature:           0,
		HypothesisTemperature: 0.5,
	}
}

// EvidenceAnswer is the model's answer to one evidence point.
type EvidenceAnswer struct {
	Fragment string
	Answer   string
}

// Outcome is the result of evaluating one criterion.
type Outcome struct {
	Answer          repository.Answer
	FullText        string
	RawAnswer       string
	Chunks          []*repository.Chunk
	EvidenceAnswers []EvidenceAnswer
}

// ChunkIDs returns the IDs of the cited chunks in citation order.
func (o *Outcome) ChunkIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(o.Chunks))
	for i, c := range o.Chunks {
		ids[i] = c.ID
	}
	return ids
}

// Evaluator answers a single criterion. It holds no per-run state and may
// be shared between concurrent runs.
type Evaluator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(deps Deps, cfg Config, logger *slog.Logger) (*Evaluator, error) {
	if deps.Retriever == nil || deps.Chat == nil || deps.Chunks == nil || deps.Files == nil {
		return nil, errors.New("evaluator needs a retriever, chat model, chunk getter and file getter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{deps: deps, cfg: cfg, logger: logger}, nil
}

// Evaluate answers criterion for project. Evidence points are answered
// first, then the question itself with the current hypotheses, after which
// the hypotheses in hyp are revised. Any retrieval or model failure aborts
// the criterion with a *StageError; hyp is left untouched in that case
// unless the failure came after the revision.
func (e *Evaluator) Evaluate(ctx context.Context, project *repository.Project, criterion *repository.Criterion, k int, hyp *hypothesis.Tracker) (*Outcome, error) {
	if project == nil || criterion == nil {
		return nil, &StageError{Stage: StageStart, Err: fmt.Errorf("%w: project and criterion are required", ErrInvalidInput)}
	}
	if hyp == nil {
		hyp = hypothesis.NewTracker()
	}

	logger := e.logger.With("project", project.ID, "criterion", criterion.ID)
	filter := vectorstore.Filter{ProjectID: project.ID.String()}
	stage := StageStart

	fail := func(err error) (*Outcome, error) {
		metrics.EvaluationFailuresTotal.WithLabelValues(stage.String()).Inc()
		logger.Error("criterion evaluation failed", "stage", stage.String(), "question", criterion.Question, "error", err)
		return nil, &StageError{Stage: stage, Criterion: criterion.ID, Err: err}
	}

	fragments := SplitEvidence(criterion.Evidence)
	logger.Debug("evaluating criterion", "question", criterion.Question, "evidence_points", len(fragments))

	stage = StageSubEvidence
	evidence := make([]EvidenceAnswer, 0, len(fragments))
	for _, fragment := range fragments {
		answer, err := e.answerEvidence(ctx, fragment, k, filter, logger)
		if err != nil {
			return fail(err)
		}
		evidence = append(evidence, EvidenceAnswer{Fragment: fragment, Answer: answer})
	}

	stage = StageRetrieveMain
	extracts, err := e.deps.Retriever.Retrieve(ctx, criterion.Question, k, filter)
	if err != nil {
		return fail(fmt.Errorf("retrieving extracts: %w", err))
	}
	block, chunks, err := e.assemble(ctx, extracts, true, logger)
	if err != nil {
		return fail(err)
	}

	stage = StageAnswer
	hypotheses := hyp.Current()
	hypothesisPrompt, err := render(systemHypothesisTmpl, promptData{Hypotheses: hypotheses})
	if err != nil {
		return fail(fmt.Errorf("rendering hypothesis prompt: %w", err))
	}
	userPrompt, err := render(userQuestionTmpl, promptData{
		Question:        criterion.Question,
		Extracts:        block,
		EvidenceAnswers: formatEvidenceAnswers(evidence),
	})
	if err != nil {
		return fail(fmt.Errorf("rendering question prompt: %w", err))
	}
	raw, err := e.deps.Chat.Complete(ctx, []llm.Message{
		llm.System(SystemQuestionPrompt),
		llm.System(hypothesisPrompt),
		llm.User(userPrompt),
	}, e.options(e.cfg.Temperature))
	if err != nil {
		return fail(fmt.Errorf("answering question: %w", err))
	}

	stage = StageRegenerateHypotheses
	regenerate, err := render(regenerateHypothesisTmpl, promptData{
		Hypotheses:          hypotheses,
		QuestionsAndAnswers: formatQA(criterion.Question, raw),
	})
	if err != nil {
		return fail(fmt.Errorf("rendering hypothesis revision prompt: %w", err))
	}
	revised, err := e.deps.Chat.Complete(ctx, []llm.Message{
		llm.System(Persona),
		llm.User(regenerate),
	}, e.options(e.cfg.HypothesisTemperature))
	if err != nil {
		return fail(fmt.Errorf("revising hypotheses: %w", err))
	}
	hyp.Update(revised, criterion.Question)

	stage = StageDone
	label, cleaned := ExtractAnswer(raw)
	metrics.EvaluationsTotal.WithLabelValues(string(label)).Inc()
	logger.Info("criterion evaluated", "answer", label, "chunks", len(chunks))

	return &Outcome{
		Answer:          label,
		FullText:        cleaned,
		RawAnswer:       raw,
		Chunks:          chunks,
		EvidenceAnswers: evidence,
	}, nil
}

func (e *Evaluator) answerEvidence(ctx context.Context, fragment string, k int, filter vectorstore.Filter, logger *slog.Logger) (string, error) {
	extracts, err := e.deps.Retriever.Retrieve(ctx, fragment, k, filter)
	if err != nil {
		return "", fmt.Errorf("retrieving extracts for evidence %q: %w", fragment, err)
	}
	block, _, err := e.assemble(ctx, extracts, false, logger)
	if err != nil {
		return "", err
	}
	prompt, err := render(userEvidenceTmpl, promptData{Question: fragment, Extracts: block})
	if err != nil {
		return "", fmt.Errorf("rendering evidence prompt: %w", err)
	}
	answer, err := e.deps.Chat.Complete(ctx, []llm.Message{
		llm.System(SystemEvidencePrompt),
		llm.User(prompt),
	}, e.options(e.cfg.Temperature))
	if err != nil {
		return "", fmt.Errorf("answering evidence %q: %w", fragment, err)
	}
	return answer, nil
}

// assemble renders extracts with their file metadata. Extracts whose file
// is gone are left out of the prompt. With cite set it also resolves the
// extracts' chunks, de-duplicated by ID in first-seen order.
func (e *Evaluator) assemble(ctx context.Context, extracts []vectorstore.Extract, cite bool, logger *slog.Logger) (string, []*repository.Chunk, error) {
	var (
		sb     strings.Builder
		chunks []*repository.Chunk
		seen   = make(map[uuid.UUID]struct{})
	)
	sb.WriteString(ExtractsHeader)

	for _, ex := range extracts {
		if cite {
			chunk, err := e.citation(ctx, ex, logger)
			if err != nil {
				return "", nil, err
			}
			if chunk != nil {
				if _, dup := seen[chunk.ID]; !dup {
					seen[chunk.ID] = struct{}{}
					chunks = append(chunks, chunk)
				}
			}
		}

		file, err := e.file(ctx, ex, logger)
		if err != nil {
			return "", nil, err
		}
		if file == nil {
			continue
		}
		block, err := render(extractTmpl, extractData{
			Name:          file.DisplayName(),
			Source:        file.Source,
			Summary:       file.Summary,
			PublishedDate: file.PublishedDate,
			Text:          ex.Text,
		})
		if err != nil {
			return "", nil, fmt.Errorf("rendering extract: %w", err)
		}
		sb.WriteString(block)
	}
	return sb.String(), chunks, nil
}

func (e *Evaluator) citation(ctx context.Context, ex vectorstore.Extract, logger *slog.Logger) (*repository.Chunk, error) {
	id, err := uuid.Parse(ex.ID)
	if err != nil {
		logger.Warn("extract id is not a chunk id", "extract", ex.ID)
		return nil, nil
	}
	chunk, err := e.deps.Chunks.GetChunk(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("cited chunk not found", "chunk", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading chunk %s: %w", id, err)
	}
	return chunk, nil
}

func (e *Evaluator) file(ctx context.Context, ex vectorstore.Extract, logger *slog.Logger) (*repository.File, error) {
	id, err := uuid.Parse(ex.FileID)
	if err != nil {
		logger.Warn("extract has no file reference", "extract", ex.ID, "file", ex.FileID)
		return nil, nil
	}
	file, err := e.deps.Files.GetFile(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("file for extract not found", "extract", ex.ID, "file", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading file %s: %w", id, err)
	}
	return file, nil
}

func (e *Evaluator) options(temperature float32) llm.CompleteOptions {
	return llm.CompleteOptions{
		Model:       e.cfg.Model,
		Temperature: temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
}

func formatEvidenceAnswers(answers []EvidenceAnswer) string {
	if len(answers) == 0 {
		return NoEvidence
	}
	pairs := make([]string, len(answers))
	for i, a := range answers {
		pairs[i] = fmt.Sprintf("question: %s answer: %s", a.Fragment, a.Answer)
	}
	return strings.Join(pairs, "\n")
}

func formatQA(question, answer string) string {
	return fmt.Sprintf("Question: %s\nAnswer: %s", question, answer)
}
