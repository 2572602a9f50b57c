// Package pipeline orchestrates one question through the full
// read-only query lifecycle: schema read, entity resolution, query
// generation, safety validation, guarded execution, and profiling.
//
// The orchestrator is a linear state machine. Each run owns an
// immutable context snapshot; stages communicate only through it.
// BLOCKED is a terminal outcome, not an error: the pipeline worked
// exactly as intended when it refuses a query.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/config"
	"github.com/queryshield/pipeline-engine/pkg/generator"
	"github.com/queryshield/pipeline-engine/pkg/history"
	"github.com/queryshield/pipeline-engine/pkg/profile"
	"github.com/queryshield/pipeline-engine/pkg/schema"
	"github.com/queryshield/pipeline-engine/pkg/sqlguard"
)

// Stage identifies a step of the run state machine.
type Stage string

const (
	StageInit          Stage = "INIT"
	StageSchemaRead    Stage = "SCHEMA_READ"
	StageEntityResolve Stage = "ENTITY_RESOLVE"
	StageGenerate      Stage = "GENERATE"
	StageValidate      Stage = "VALIDATE"
	StageExecute       Stage = "EXECUTE"
	StageProfile       Stage = "PROFILE"
	StageDone          Stage = "DONE"
	StageFailed        Stage = "FAILED"
)

// Verdict is the terminal classification of a run.
type Verdict string

const (
	VerdictDone    Verdict = "DONE"
	VerdictBlocked Verdict = "BLOCKED"
	VerdictError   Verdict = "ERROR"
)

// HandleResolver maps a datasource identity to a live handle. The
// orchestrator never sees credentials.
type HandleResolver interface {
	Resolve(ctx context.Context, datasourceID uuid.UUID) (datasource.Handle, error)
}

// Request is one question against one datasource.
type Request struct {
	DatasourceID uuid.UUID `json:"datasource_id"`
	Question     string    `json:"question"`
}

// RunResult is the terminal state of a pipeline run.
type RunResult struct {
	RunID        uuid.UUID               `json:"run_id"`
	Verdict      Verdict                 `json:"verdict"`
	Stage        Stage                   `json:"stage"`
	Query        string                  `json:"query,omitempty"`
	BlockReason  string                  `json:"block_reason,omitempty"`
	BlockedRule  string                  `json:"blocked_rule,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ErrorKind    string                  `json:"error_kind,omitempty"`
	Mentions     []schema.Mention        `json:"mentions,omitempty"`
	Entities     []string                `json:"entities,omitempty"`
	Result       *datasource.Result      `json:"result,omitempty"`
	Profiles     []profile.ColumnProfile `json:"profiles,omitempty"`
	QualityScore float64                 `json:"quality_score"`
	Warnings     []string                `json:"warnings,omitempty"`
	Elapsed      time.Duration           `json:"elapsed"`
}

// runContext is the per-run working state threaded between stages.
type runContext struct {
	runID     uuid.UUID
	request   Request
	handle    datasource.Handle
	dialect   sqlguard.Dialect
	graph     *schema.Graph
	scoped    *schema.Graph
	mentions  []schema.Mention
	entities  []string
	plans     []schema.JoinPlan
	candidate generator.CandidateQuery
	verdict   sqlguard.Verdict
	result    *datasource.Result
	profiles  []profile.ColumnProfile
	score     float64
	warnings  []string
	started   time.Time
}

// Orchestrator drives runs through the stages. It is safe for
// concurrent use; all per-run state lives on the runContext.
type Orchestrator struct {
	resolver  HandleResolver
	cache     *schema.Cache
	matcher   schema.MentionMatcher
	generator *generator.Generator
	validator *sqlguard.Validator
	recorder  *history.Recorder
	cfg       config.PipelineConfig
	logger    *zap.Logger
}

func NewOrchestrator(
	resolver HandleResolver,
	cache *schema.Cache,
	matcher schema.MentionMatcher,
	gen *generator.Generator,
	validator *sqlguard.Validator,
	recorder *history.Recorder,
	cfg config.PipelineConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		resolver:  resolver,
		cache:     cache,
		matcher:   matcher,
		generator: gen,
		validator: validator,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.Named("pipeline"),
	}
}

// Run executes the full state machine for one question. Cancellation of
// ctx aborts the run between stages and in-flight inside the blocking
// ones; partial state is discarded.
func (o *Orchestrator) Run(ctx context.Context, req Request) *RunResult {
	rc := &runContext{
		runID:   uuid.New(),
		request: req,
		started: time.Now(),
	}
	logger := o.logger.With(
		zap.String("run_id", rc.runID.String()),
		zap.String("datasource_id", req.DatasourceID.String()))

	type stageFn struct {
		stage Stage
		fn    func(context.Context, *runContext) error
	}
	stages := []stageFn{
		{StageInit, o.stageInit},
		{StageSchemaRead, o.stageSchemaRead},
		{StageEntityResolve, o.stageEntityResolve},
		{StageGenerate, o.stageGenerate},
		{StageValidate, o.stageValidate},
		{StageExecute, o.stageExecute},
		{StageProfile, o.stageProfile},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return o.fail(rc, s.stage, err, logger)
		}
		logger.Debug("stage start", zap.String("stage", string(s.stage)))
		if err := s.fn(ctx, rc); err != nil {
			return o.fail(rc, s.stage, err, logger)
		}
		if s.stage == StageValidate && rc.verdict.Outcome == sqlguard.OutcomeBlocked {
			return o.blocked(rc, logger)
		}
	}

	return o.done(rc, logger)
}

func (o *Orchestrator) stageInit(ctx context.Context, rc *runContext) error {
	if rc.request.DatasourceID == uuid.Nil {
		return fmt.Errorf("%w: datasource id required", apperrors.ErrNotFound)
	}
	handle, err := o.resolver.Resolve(ctx, rc.request.DatasourceID)
	if err != nil {
		return err
	}
	rc.handle = handle
	rc.dialect = sqlguard.DialectRelational
	if handle.Kind() == datasource.KindDocument {
		rc.dialect = sqlguard.DialectDocument
	}
	return nil
}

func (o *Orchestrator) stageSchemaRead(ctx context.Context, rc *runContext) error {
	if g := o.cache.Get(rc.request.DatasourceID); g != nil {
		rc.graph = g
		return nil
	}
	g, err := rc.handle.Introspect(ctx)
	if err != nil {
		return err
	}
	o.cache.Put(rc.request.DatasourceID, g)
	rc.graph = g
	return nil
}

func (o *Orchestrator) stageEntityResolve(_ context.Context, rc *runContext) error {
	rc.mentions = o.matcher.Match(rc.request.Question, rc.graph)
	rc.entities = schema.EntityNamesFromMentions(rc.mentions)

	// A question with no recognizable table or column references still
	// proceeds: the full schema goes to the generator and join hints
	// are omitted.
	if len(rc.entities) == 0 {
		rc.scoped = rc.graph
		return nil
	}

	rc.plans = schema.ResolveJoinPaths(rc.graph, rc.entities, o.cfg.MaxJoinHops)

	scope := make([]string, 0, len(rc.entities))
	seen := make(map[string]bool)
	for _, plan := range rc.plans {
		for _, name := range plan.Entities {
			if !seen[name] {
				seen[name] = true
				scope = append(scope, name)
			}
		}
	}
	for _, name := range rc.entities {
		if !seen[name] {
			seen[name] = true
			scope = append(scope, name)
		}
	}
	rc.scoped = rc.graph.Subset(scope)
	return nil
}

func (o *Orchestrator) stageGenerate(ctx context.Context, rc *runContext) error {
	// No datasource connection is held here: the handle's pool is idle
	// during the LLM round trips.
	candidate, err := o.generator.Generate(ctx, generator.Request{
		Question: rc.request.Question,
		Graph:    rc.scoped,
		Plans:    rc.plans,
		Dialect:  rc.dialect,
		MaxRows:  o.cfg.MaxRows,
	})
	if err != nil {
		return err
	}
	rc.candidate = candidate
	return nil
}

func (o *Orchestrator) stageValidate(_ context.Context, rc *runContext) error {
	rc.verdict = o.validator.Validate(rc.candidate.Text, rc.dialect)
	return nil
}

func (o *Orchestrator) stageExecute(ctx context.Context, rc *runContext) error {
	result, err := rc.handle.ExecuteReadOnly(ctx, rc.verdict.NormalizedQuery, datasource.ReadOptions{
		MaxRows: o.cfg.MaxRows,
		Timeout: time.Duration(o.cfg.QueryTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	rc.result = result
	return nil
}

// stageProfile never fails a run that produced rows; it is pure
// computation over the in-memory result.
func (o *Orchestrator) stageProfile(_ context.Context, rc *runContext) error {
	rc.profiles = profile.Columns(rc.result)
	rc.score = profile.QualityScore(rc.profiles, rc.result.RowCount)
	rc.warnings = profile.Warnings(rc.profiles, rc.result.RowCount)
	return nil
}

func (o *Orchestrator) done(rc *runContext, logger *zap.Logger) *RunResult {
	res := &RunResult{
		RunID:        rc.runID,
		Verdict:      VerdictDone,
		Stage:        StageDone,
		Query:        rc.verdict.NormalizedQuery,
		Mentions:     rc.mentions,
		Entities:     rc.entities,
		Result:       rc.result,
		Profiles:     rc.profiles,
		QualityScore: rc.score,
		Warnings:     rc.warnings,
		Elapsed:      time.Since(rc.started),
	}
	logger.Info("run complete",
		zap.Int("rows", rc.result.RowCount),
		zap.Float64("quality_score", rc.score),
		zap.Duration("elapsed", res.Elapsed))
	o.record(rc, res)
	return res
}

func (o *Orchestrator) blocked(rc *runContext, logger *zap.Logger) *RunResult {
	res := &RunResult{
		RunID:        rc.runID,
		Verdict:      VerdictBlocked,
		Stage:        StageValidate,
		Query:        rc.candidate.Text,
		BlockReason:  string(rc.verdict.ReasonCode),
		BlockedRule:  rc.verdict.MatchedRule,
		Mentions:     rc.mentions,
		Entities:     rc.entities,
		QualityScore: 0,
		Elapsed:      time.Since(rc.started),
	}
	logger.Info("run blocked",
		zap.String("reason", res.BlockReason),
		zap.String("rule", res.BlockedRule))
	o.record(rc, res)
	return res
}

func (o *Orchestrator) fail(rc *runContext, stage Stage, err error, logger *zap.Logger) *RunResult {
	res := &RunResult{
		RunID:     rc.runID,
		Verdict:   VerdictError,
		Stage:     stage,
		Query:     rc.candidate.Text,
		Error:     err.Error(),
		ErrorKind: classifyError(err),
		Mentions:  rc.mentions,
		Entities:  rc.entities,
		Elapsed:   time.Since(rc.started),
	}
	logger.Warn("run failed",
		zap.String("stage", string(stage)),
		zap.String("error_kind", res.ErrorKind),
		zap.Error(err))
	o.record(rc, res)
	return res
}

func (o *Orchestrator) record(rc *runContext, res *RunResult) {
	if o.recorder == nil {
		return
	}
	entry := history.Entry{
		ID:           res.RunID,
		DatasourceID: rc.request.DatasourceID,
		Question:     rc.request.Question,
		Query:        res.Query,
		Verdict:      string(res.Verdict),
		Stage:        string(res.Stage),
		Error:        res.Error,
		QualityScore: res.QualityScore,
		Elapsed:      res.Elapsed,
	}
	if res.Verdict == VerdictBlocked {
		entry.BlockReasons = []string{res.BlockReason}
	}
	if res.Result != nil {
		entry.RowCount = res.Result.RowCount
	}
	o.recorder.Record(entry)
}

// classifyError maps pipeline failures to stable kinds for clients and
// history entries.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperrors.ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, apperrors.ErrIntrospection):
		return "introspection"
	case errors.Is(err, apperrors.ErrGeneration):
		return "generation"
	case errors.Is(err, apperrors.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, apperrors.ErrExecution):
		return "execution"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
