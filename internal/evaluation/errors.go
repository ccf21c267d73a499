package evaluation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrPersistence marks a failed write of a result or the project summary.
var ErrPersistence = errors.New("persistence failed")

// ErrInvalidInput is returned by Run for a missing project.
var ErrInvalidInput = errors.New("invalid evaluation input")

// Stage is a step of a single criterion evaluation.
type Stage int

const (
	StageStart Stage = iota
	StageSubEvidence
	StageRetrieveMain
	StageAnswer
	StageRegenerateHypotheses
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageStart:                "start",
	StageSubEvidence:          "sub_evidence",
	StageRetrieveMain:         "retrieve_main",
	StageAnswer:               "answer",
	StageRegenerateHypotheses: "regenerate_hypotheses",
	StageDone:                 "done",
	StageFailed:               "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// StageError reports the stage at which a criterion evaluation stopped.
type StageError struct {
	Stage     Stage
	Criterion uuid.UUID
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("criterion %s failed at %s: %v", e.Criterion, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage recorded in err, or StageFailed when err
// carries no stage.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageFailed
}
