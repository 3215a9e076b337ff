// Package runner wires the configuration, clients, and stage handlers into
// an engine and drives single and batch conversation runs.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"supportflow/pkg/analytics"
	"supportflow/pkg/config"
	"supportflow/pkg/gateway"
	"supportflow/pkg/graph"
	"supportflow/pkg/llm"
	"supportflow/pkg/logx"
	"supportflow/pkg/metrics"
	"supportflow/pkg/procedures"
	"supportflow/pkg/prompts"
	"supportflow/pkg/stages"
	"supportflow/pkg/state"
	"supportflow/pkg/ticketing"
	"supportflow/pkg/tokens"
	"supportflow/pkg/validator"
)

// Input identifies one conversation run. Messages, User, and Subject may be
// pre-supplied to skip the backend fetch; ProcedureID forces a direct
// runbook fetch instead of match evaluation.
type Input struct {
	ConversationID string
	Subject        string
	Messages       []state.Message
	User           state.UserProfile
	ProcedureID    string
}

// Result pairs a finished run's state with its engine error, if any.
type Result struct {
	ConversationID string
	State          *state.ConversationState
	Err            error
}

// Runner executes conversation runs over a fixed set of collaborators.
type Runner struct {
	cfg    config.Config
	engine *graph.Engine
	logger *logx.Logger
}

// New builds a production runner from configuration: real HTTP clients for
// every collaborator and the configured LLM provider.
func New(cfg config.Config) (*Runner, error) {
	client, err := llm.NewFromConfig(&cfg)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	renderer, err := prompts.NewRenderer()
	if err != nil {
		return nil, err
	}
	counter, err := tokens.NewCounter()
	if err != nil {
		return nil, err
	}

	if cfg.AnalyticsDBPath != "" {
		if err := analytics.Initialize(cfg.AnalyticsDBPath); err != nil {
			return nil, fmt.Errorf("initialize analytics: %w", err)
		}
	}

	deps := &stages.Deps{
		Config:     &cfg,
		LLM:        llm.NewStructuredClient(client, cfg.Timeouts.Generation),
		Gateway:    gateway.NewHTTPClient(cfg.Endpoints.Gateway),
		Ticketing:  ticketing.NewHTTPClient(cfg.Endpoints.Ticketing, cfg.DryRun),
		Procedures: procedures.NewHTTPStore(cfg.Endpoints.ProcedureStore),
		Validator:  validator.NewHTTPClient(cfg.Endpoints.Validator),
		Prompts:    renderer,
		Tokens:     counter,
		Logger:     logx.NewLogger("runner"),
	}
	return NewWithDeps(cfg, deps)
}

// NewWithDeps builds a runner over pre-constructed collaborators. Tests use
// this to substitute mocks.
func NewWithDeps(cfg config.Config, deps *stages.Deps) (*Runner, error) {
	engine, err := graph.New(stages.Handlers(deps), metrics.ObserveStage)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:    cfg,
		engine: engine,
		logger: logx.NewLogger("runner"),
	}, nil
}

// Run executes one conversation end to end and returns the final state. The
// returned error covers engine-level failure only; business outcomes live in
// the state's finalize record.
func (r *Runner) Run(ctx context.Context, in Input) (*state.ConversationState, error) {
	runID := uuid.NewString()[:8]
	st := state.New(runID, in.ConversationID)
	st.Subject = in.Subject
	st.Messages = in.Messages
	st.User = in.User
	st.RequestedProcedureID = in.ProcedureID

	ctx = logx.WithRunIDContext(ctx, runID)
	r.logger.Info("▶️ Run %s starting for conversation %s", runID, in.ConversationID)
	err := r.engine.Run(ctx, st)
	if err != nil {
		r.logger.Error("Run %s aborted: %v", runID, err)
	}
	return st, err
}

// RunBatch executes the given conversations with a bounded worker pool and
// writes the metrics snapshot afterwards. Results preserve input order.
func (r *Runner) RunBatch(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.BatchWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				st, err := r.Run(ctx, inputs[i])
				results[i] = Result{ConversationID: inputs[i].ConversationID, State: st, Err: err}
			}
		}()
	}

	for i := range inputs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			results[i] = Result{ConversationID: inputs[i].ConversationID, Err: ctx.Err()}
		}
	}
	close(jobs)
	wg.Wait()

	if r.cfg.MetricsSnapshotPath != "" {
		if err := metrics.WriteSnapshot(r.cfg.MetricsSnapshotPath); err != nil {
			r.logger.Warn("Metrics snapshot failed: %v", err)
		}
	}
	return results
}
