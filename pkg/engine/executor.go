package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/polisai/upsg/internal/governance"
	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
	"github.com/polisai/upsg/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	// Name labels spans, logs and metrics for this pipeline.
	Name   string
	Logger *slog.Logger
	// Env is handed to every stage and output handle.
	Env *data.Env
	// MaxParallel bounds concurrently running stages. Values <= 1 run nodes
	// strictly in plan order.
	MaxParallel int
	// StageTimeout applies to every stage. Stages exposing a shorter
	// StageTimeout of their own use that instead.
	StageTimeout time.Duration
	Metrics      *telemetry.Metrics
}

// Executor runs pipeline graphs.
type Executor struct {
	name         string
	logger       *slog.Logger
	env          *data.Env
	maxParallel  int
	stageTimeout time.Duration
	metrics      *telemetry.Metrics
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := cfg.Env
	if env == nil {
		env = &data.Env{Logger: logger}
	}
	return &Executor{
		name:         cfg.Name,
		logger:       logger,
		env:          env,
		maxParallel:  cfg.MaxParallel,
		stageTimeout: cfg.StageTimeout,
		metrics:      cfg.Metrics,
	}
}

// deadlineStage is implemented by stages configured with their own timeout.
type deadlineStage interface {
	StageTimeout() time.Duration
}

// kindedStage is implemented by stages that know their registry kind.
type kindedStage interface {
	StageKind() string
}

// Run freezes g, expands meta-stages on a private copy, and executes the
// ancestors of terminals. On success the returned Result owns the terminal
// handles. On failure every handle produced during the run has been released.
func (e *Executor) Run(ctx context.Context, g *pipeline.Graph, terminals []pipeline.Port) (*Result, error) {
	g.Freeze()
	work := g.Clone()
	if err := work.ExpandMetaStages(); err != nil {
		return nil, fmt.Errorf("expand meta-stages: %w", err)
	}
	plan, err := work.Plan(terminals)
	if err != nil {
		return nil, fmt.Errorf("plan pipeline: %w", err)
	}

	tracer := otel.Tracer("upsg.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", e.name),
		attribute.Int("pipeline.nodes", len(plan.Order)),
		attribute.Int("pipeline.terminals", len(plan.Terminals)),
		attribute.Int("pipeline.max_parallel", e.parallelism()),
	))
	defer span.End()

	e.logger.Info("executing pipeline",
		"pipeline", e.name,
		"nodes", len(plan.Order),
		"terminals", len(plan.Terminals),
		"max_parallel", e.parallelism(),
	)

	start := time.Now()
	r := newRun(e, work, plan, tracer)
	result, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordRun(telemetry.OutcomeFailure)
		e.logger.Error("pipeline run failed",
			"pipeline", e.name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	e.metrics.RecordRun(telemetry.OutcomeSuccess)
	e.logger.Info("pipeline run complete",
		"pipeline", e.name,
		"executed", len(result.Executed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (e *Executor) parallelism() int {
	if e.maxParallel < 1 {
		return 1
	}
	return e.maxParallel
}

// run is the state of one Executor.Run. Everything except the stage
// invocations is touched only by the coordinating goroutine.
type run struct {
	e      *Executor
	graph  *pipeline.Graph
	plan   *pipeline.Plan
	tracer trace.Tracer

	position   map[pipeline.NodeID]int
	pending    map[pipeline.NodeID]int
	dependents map[pipeline.NodeID][]pipeline.NodeID

	outputs map[pipeline.Port]*data.Handle
	refs    map[*data.Handle]int
	// live holds every handle produced and not yet released, in production order.
	live     []*data.Handle
	executed []pipeline.NodeID
}

type nodeResult struct {
	id       pipeline.NodeID
	outputs  map[string]*data.Handle
	err      error
	duration time.Duration
	kind     string
}

func newRun(e *Executor, g *pipeline.Graph, plan *pipeline.Plan, tracer trace.Tracer) *run {
	r := &run{
		e:          e,
		graph:      g,
		plan:       plan,
		tracer:     tracer,
		position:   make(map[pipeline.NodeID]int, len(plan.Order)),
		pending:    make(map[pipeline.NodeID]int, len(plan.Order)),
		dependents: make(map[pipeline.NodeID][]pipeline.NodeID),
		outputs:    make(map[pipeline.Port]*data.Handle),
		refs:       make(map[*data.Handle]int),
	}
	for i, id := range plan.Order {
		r.position[id] = i
	}
	for _, id := range plan.Order {
		producers := make(map[pipeline.NodeID]bool)
		for _, src := range plan.Inputs[id] {
			producers[src.Node] = true
		}
		r.pending[id] = len(producers)
		for p := range producers {
			r.dependents[p] = append(r.dependents[p], id)
		}
	}
	return r
}

func (r *run) execute(parent context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	limit := r.e.parallelism()
	ready := &readyQueue{position: r.position}
	for _, id := range r.plan.Order {
		if r.pending[id] == 0 {
			heap.Push(ready, id)
		}
	}

	results := make(chan nodeResult)
	running := 0
	var firstErr error

	for {
		for firstErr == nil && running < limit && ready.Len() > 0 {
			if err := ctx.Err(); err != nil {
				firstErr = fmt.Errorf("pipeline cancelled: %w", err)
				break
			}
			id := heap.Pop(ready).(pipeline.NodeID)
			inputs := r.gatherInputs(id)
			running++
			go func() {
				results <- r.invoke(ctx, id, inputs)
			}()
		}
		if running == 0 {
			break
		}

		res := <-results
		running--
		if err := r.complete(ctx, res); err != nil {
			if firstErr == nil {
				firstErr = err
				cancel()
			}
			continue
		}
		for _, d := range r.dependents[res.id] {
			r.pending[d]--
			if r.pending[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	if firstErr != nil {
		r.unwind(parent, firstErr)
		return nil, firstErr
	}
	return r.result(), nil
}

func (r *run) gatherInputs(id pipeline.NodeID) map[string]*data.Handle {
	inputs := make(map[string]*data.Handle, len(r.plan.Inputs[id]))
	for key, src := range r.plan.Inputs[id] {
		inputs[key] = r.outputs[src]
	}
	return inputs
}

// invoke runs one stage on its own goroutine.
func (r *run) invoke(ctx context.Context, id pipeline.NodeID, inputs map[string]*data.Handle) (res nodeResult) {
	node, _ := r.graph.Node(id)
	res.id = id
	res.kind = stageKind(node.Stage)

	ctx, span := r.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.Int("node.id", int(id)),
		attribute.String("node.name", node.Name),
		attribute.String("stage.type", res.kind),
	))
	defer span.End()

	runnable, ok := node.Stage.(pipeline.RunnableStage)
	if !ok {
		res.err = r.nodeError(node, fmt.Errorf("%w: stage %s is not runnable", domain.ErrContractViolation, res.kind))
		return res
	}

	candidates := []governance.TimeoutCandidate{{Source: "executor", Timeout: r.e.stageTimeout}}
	if ds, ok := node.Stage.(deadlineStage); ok {
		candidates = append(candidates, governance.TimeoutCandidate{Source: "stage", Timeout: ds.StageTimeout()})
	}
	deadline, _ := governance.ResolveTimeout(candidates...)
	if deadline > 0 {
		span.SetAttributes(attribute.Int64("stage.timeout_ms", deadline.Milliseconds()))
	}

	requested := pipeline.KeySet{}
	for k := range r.plan.Requested[id] {
		requested.Add(k)
	}
	logger := r.e.logger.With("node_id", int(id), "node", node.Name, "stage", res.kind)
	rc := &pipeline.RunContext{
		Node:      id,
		Name:      node.Name,
		Requested: requested,
		Inputs:    inputs,
		Env:       r.e.env,
		Logger:    logger,
	}

	logger.Debug("running stage", "requested", requested.Sorted())
	stageCtx, cancel := governance.WithStageDeadline(ctx, deadline)
	start := time.Now()
	outputs, err := callStage(stageCtx, runnable, rc)
	res.duration = time.Since(start)
	err = governance.ClassifyStageError(ctx, stageCtx, err, deadline)
	cancel()

	res.outputs = outputs
	if err == nil {
		err = validateOutputs(node, requested, outputs)
	}
	if err != nil {
		res.err = r.nodeError(node, err)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	span.SetAttributes(
		attribute.Int64("stage.duration_ms", res.duration.Milliseconds()),
		attribute.Int("stage.outputs", len(outputs)),
	)
	return res
}

// callStage invokes the stage, turning a panic into an error.
func callStage(ctx context.Context, s pipeline.RunnableStage, rc *pipeline.RunContext) (outputs map[string]*data.Handle, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: stage panicked: %v", domain.ErrContractViolation, p)
		}
	}()
	return s.Run(ctx, rc)
}

// validateOutputs checks that every requested output is present and readable
// and that nothing undeclared was returned.
func validateOutputs(node pipeline.Node, requested pipeline.KeySet, outputs map[string]*data.Handle) error {
	declared := pipeline.NewKeySet(node.Stage.OutputKeys()...)
	for key, h := range outputs {
		if !declared.Has(key) {
			return &pipeline.KeyError{Node: node.ID, Key: key, Side: pipeline.SideOutput, Err: fmt.Errorf("%w: undeclared output", domain.ErrContractViolation)}
		}
		if h == nil {
			if requested.Has(key) {
				return &pipeline.KeyError{Node: node.ID, Key: key, Side: pipeline.SideOutput, Err: fmt.Errorf("%w: nil handle", domain.ErrContractViolation)}
			}
			continue
		}
		if phase := h.Phase(); phase != data.PhaseRead {
			return &pipeline.KeyError{Node: node.ID, Key: key, Side: pipeline.SideOutput, Err: fmt.Errorf("%w: output handle in %s phase", domain.ErrContractViolation, phase)}
		}
	}
	for _, key := range requested.Sorted() {
		if outputs[key] == nil {
			return &pipeline.KeyError{Node: node.ID, Key: key, Side: pipeline.SideOutput, Err: fmt.Errorf("%w: requested output missing", domain.ErrContractViolation)}
		}
	}
	return nil
}

// complete folds a finished node into the run state: outputs gain one
// reference per consumer, inputs lose the reference the node held, and any
// handle left without references is released.
func (r *run) complete(ctx context.Context, res nodeResult) error {
	node, _ := r.graph.Node(res.id)
	logger := r.e.logger.With("node_id", int(res.id), "node", node.Name, "stage", res.kind)

	outcome := telemetry.OutcomeSuccess
	if res.err != nil {
		outcome = telemetry.OutcomeFailure
		if errors.Is(res.err, domain.ErrStageTimeout) {
			outcome = telemetry.OutcomeTimeout
		}
	}

	// Returned handles are tracked even on failure so unwind releases them.
	var fresh []*data.Handle
	for _, key := range sortedKeys(res.outputs) {
		h := res.outputs[key]
		if h == nil {
			continue
		}
		if _, known := r.refs[h]; !known {
			r.refs[h] = 0
			r.live = append(r.live, h)
			fresh = append(fresh, h)
		}
	}

	if res.err != nil {
		telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
			Pipeline: r.e.name, NodeID: int(res.id), NodeName: node.Name,
			Stage: res.kind, Outcome: outcome, Duration: res.duration,
		})
		r.e.metrics.RecordStage(res.kind, outcome, res.duration)
		logger.Error("stage failed", "duration_ms", res.duration.Milliseconds(), "error", res.err)
		return res.err
	}

	r.executed = append(r.executed, res.id)
	for key, h := range res.outputs {
		if h == nil {
			continue
		}
		port := pipeline.Port{Node: res.id, Key: key}
		if n := r.plan.Consumers(port); n > 0 {
			r.outputs[port] = h
			r.refs[h] += n
		}
	}
	for _, src := range r.plan.Inputs[res.id] {
		if h := r.outputs[src]; h != nil {
			r.refs[h]--
		}
	}

	pruned := 0
	for _, h := range fresh {
		if r.refs[h] == 0 {
			pruned++
		}
	}
	r.releaseUnreferenced(ctx)

	telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
		Pipeline: r.e.name, NodeID: int(res.id), NodeName: node.Name,
		Stage: res.kind, Outcome: outcome, Duration: res.duration, Pruned: pruned,
	})
	r.e.metrics.RecordStage(res.kind, outcome, res.duration)
	r.e.metrics.RecordPruned(res.kind, pruned)
	logger.Info("stage complete",
		"duration_ms", res.duration.Milliseconds(),
		"outputs", len(res.outputs),
		"pruned", pruned,
	)
	return nil
}

// releaseUnreferenced releases live handles whose count dropped to zero.
// Failures are logged and counted; they do not fail the run.
func (r *run) releaseUnreferenced(ctx context.Context) {
	kept := r.live[:0]
	for _, h := range r.live {
		if r.refs[h] > 0 {
			kept = append(kept, h)
			continue
		}
		delete(r.refs, h)
		err := h.Release(ctx)
		r.e.metrics.RecordRelease(err)
		if err != nil {
			r.e.logger.Warn("release handle failed", "error", err)
		}
	}
	r.live = kept
}

// unwind releases every live handle after a failure. Release errors are
// logged and never replace cause.
func (r *run) unwind(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, h := range r.live {
		err := h.Release(ctx)
		r.e.metrics.RecordRelease(err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	r.live = nil
	r.refs = map[*data.Handle]int{}
	r.outputs = map[pipeline.Port]*data.Handle{}
	if err := errors.Join(errs...); err != nil {
		r.e.logger.Error("release after failure", "error", err, "cause", cause)
	}
}

func (r *run) result() *Result {
	handles := make(map[pipeline.Port]*data.Handle)
	for _, t := range r.plan.Terminals {
		if t.Key == "" {
			continue
		}
		if h := r.outputs[t]; h != nil {
			handles[t] = h
		}
	}
	return &Result{graph: r.graph, handles: handles, Executed: r.executed}
}

func (r *run) nodeError(node pipeline.Node, err error) error {
	ne := &NodeError{Node: node.ID, Name: node.Name, Err: err}
	var ke *pipeline.KeyError
	if errors.As(err, &ke) {
		ne.Key = ke.Key
	}
	return ne
}

// stageKind labels a stage for telemetry.
func stageKind(s pipeline.Stage) string {
	if k, ok := s.(kindedStage); ok {
		return k.StageKind()
	}
	t := reflect.TypeOf(s)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "stage"
	}
	return t.Name()
}

// readyQueue pops the ready node that comes first in plan order.
type readyQueue struct {
	ids      []pipeline.NodeID
	position map[pipeline.NodeID]int
}

func (q *readyQueue) Len() int { return len(q.ids) }
func (q *readyQueue) Less(i, j int) bool {
	return q.position[q.ids[i]] < q.position[q.ids[j]]
}
func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }
func (q *readyQueue) Push(x any)   { q.ids = append(q.ids, x.(pipeline.NodeID)) }
func (q *readyQueue) Pop() any {
	old := q.ids
	n := len(old)
	x := old[n-1]
	q.ids = old[:n-1]
	return x
}
