// Package workflow runs one unit of work through a fixed, strictly linear
// sequence of named stages. There is no branching and no retry; each stage
// writes exactly one named result, so a run interrupted by a stage failure
// can be resumed and the finished stages are not executed again.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/model/chat"
)

// EndStage is the NextStage value of a completed run.
const EndStage = "end"

// Input is the unit of work fed to every stage.
type Input struct {
	SessionID   string
	UserID      string
	Content     string
	Attachments []chat.Attachment
	Transcript  []chat.Message
}

// Usage totals the model tokens consumed across stages of one run.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Run is the ephemeral state of one pass through the pipeline. It is
// discarded after its results are folded into the session.
type Run struct {
	ID        string
	Stages    []string
	Results   map[string]any
	NextStage string
	Completed bool
	Usage     Usage
}

// Stage is one named step. Stages are idempotent and side-effect-free apart
// from their returned result, which the coordinator files under Name().
type Stage interface {
	Name() string
	Run(ctx context.Context, input Input, run *Run) (any, error)
}

// StageError marks which stage aborted a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsStageError reports whether err is a stage failure.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// ChunkSink receives streamed partial output from stages that support it.
type ChunkSink func(stage, chunk string)

type sinkKey struct{}

// WithChunkSink attaches a streaming sink to the context of one Execute
// call. Stages without streaming support ignore it.
func WithChunkSink(ctx context.Context, sink ChunkSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// SinkFrom extracts the sink from ctx; nil when none was attached.
func SinkFrom(ctx context.Context) ChunkSink {
	sink, _ := ctx.Value(sinkKey{}).(ChunkSink)
	return sink
}

// Coordinator executes the configured stages in order.
//
// A run has no cancellation primitive of its own: it runs to completion or
// to the first failure, bounded only by ctx. That is a known limitation,
// not a feature.
type Coordinator struct {
	stages []Stage
	log    zerolog.Logger
}

// NewCoordinator builds a pipeline over the given ordered stages.
func NewCoordinator(log zerolog.Logger, stages ...Stage) *Coordinator {
	return &Coordinator{
		stages: stages,
		log:    log.With().Str("component", "workflow").Logger(),
	}
}

// StageNames returns the configured order.
func (c *Coordinator) StageNames() []string {
	names := make([]string, len(c.stages))
	for i, stage := range c.stages {
		names[i] = stage.Name()
	}
	return names
}

// Execute runs input through every stage. On stage failure the run is
// returned with the partial results collected so far plus a StageError;
// the caller decides whether a partial answer is usable.
func (c *Coordinator) Execute(ctx context.Context, runID string, input Input) (*Run, error) {
	run := &Run{
		ID:      runID,
		Stages:  c.StageNames(),
		Results: make(map[string]any, len(c.stages)),
	}
	if len(c.stages) > 0 {
		run.NextStage = c.stages[0].Name()
	} else {
		run.NextStage = EndStage
		run.Completed = true
	}
	return c.resume(ctx, input, run)
}

// Resume continues a partially failed run. Stages that already hold a
// result are skipped, relying on stage idempotence.
func (c *Coordinator) Resume(ctx context.Context, input Input, run *Run) (*Run, error) {
	return c.resume(ctx, input, run)
}

func (c *Coordinator) resume(ctx context.Context, input Input, run *Run) (*Run, error) {
	for i, stage := range c.stages {
		name := stage.Name()
		if _, done := run.Results[name]; done {
			continue
		}
		run.NextStage = name

		result, err := stage.Run(ctx, input, run)
		if err != nil {
			c.log.Warn().Err(err).Str("run", run.ID).Str("stage", name).
				Msg("stage failed, aborting run")
			return run, &StageError{Stage: name, Err: err}
		}

		run.Results[name] = result
		if i+1 < len(c.stages) {
			run.NextStage = c.stages[i+1].Name()
		} else {
			run.NextStage = EndStage
			run.Completed = true
		}
		c.log.Debug().Str("run", run.ID).Str("stage", name).Msg("stage completed")
	}
	return run, nil
}
