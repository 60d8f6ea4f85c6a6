package chains

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/executor"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

const chainLockTTL = 30 * time.Second

// DefaultMaxConcurrentAdvances bounds global in-flight chain advances when
// a Runner is constructed with a non-positive value.
const DefaultMaxConcurrentAdvances = 64

// Runner executes Chain Runner DAGs (spec.md §4.5).
type Runner struct {
	mu     sync.RWMutex
	defs   map[string]*ChainDef
	store  state.Store
	exec   *executor.Executor
	engine *rules.Engine
	log    *logging.Logger
	tokens chan struct{}
}

// New constructs a Runner. maxConcurrentAdvances bounds the number of
// chain advances in flight process-wide (spec.md §4.5 "Global concurrency
// bounded by max_concurrent_advances"); a non-positive value uses
// DefaultMaxConcurrentAdvances.
func New(store state.Store, exec *executor.Executor, engine *rules.Engine, log *logging.Logger, maxConcurrentAdvances int) *Runner {
	if maxConcurrentAdvances <= 0 {
		maxConcurrentAdvances = DefaultMaxConcurrentAdvances
	}
	return &Runner{
		defs:   make(map[string]*ChainDef),
		store:  store,
		exec:   exec,
		engine: engine,
		log:    log,
		tokens: make(chan struct{}, maxConcurrentAdvances),
	}
}

// Register installs a chain definition.
func (r *Runner) Register(def *ChainDef) error {
	if def.Name == "" {
		return errors.ConfigError("chain definition requires a name")
	}
	if def.entry() == "" {
		return errors.ConfigError(fmt.Sprintf("chain %q has no steps", def.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

func (r *Runner) definition(name string) (*ChainDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, errors.ConfigError(fmt.Sprintf("unknown chain definition %q", name))
	}
	return def, nil
}

// Start creates a new ChainInstance for root and advances it once,
// implementing the Chain verdict's ChainStarted outcome (spec.md §3/§4.5).
func (r *Runner) Start(ctx context.Context, definitionName string, root *core.Action) (*core.ChainInstance, error) {
	def, err := r.definition(definitionName)
	if err != nil {
		return nil, err
	}

	inst := &core.ChainInstance{
		ID:         core.NewID(),
		Namespace:  root.Namespace,
		Definition: definitionName,
		RootAction: root,
		Status:     core.ChainRunning,
		Steps:      map[string]*core.ChainStepState{},
		Cursor:     []string{def.entry()},
		StartedAt:  time.Now(),
	}
	if def.Timeout > 0 {
		inst.DeadlineAt = inst.StartedAt.Add(time.Duration(def.Timeout) * time.Second)
	}
	if err := r.store.SaveChain(ctx, inst); err != nil {
		return nil, err
	}

	if err := r.Advance(ctx, root.Namespace, inst.ID); err != nil && r.log != nil {
		r.log.WithFields(map[string]interface{}{"chain_id": inst.ID}).WithError(err).Warn("initial chain advance failed")
	}
	return r.store.LoadChain(ctx, root.Namespace, inst.ID)
}

// acquireToken bounds global in-flight advances; it blocks until a slot is
// free or ctx is done.
func (r *Runner) acquireToken(ctx context.Context) (func(), error) {
	select {
	case r.tokens <- struct{}{}:
		return func() { <-r.tokens }, nil
	default:
	}
	select {
	case r.tokens <- struct{}{}:
		return func() { <-r.tokens }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Advance performs one step-advance pass of a chain instance under its
// per-chain-id lock (spec.md §4.5 "Each step advance acquires a per-chain-id
// lock; only one worker advances a given chain at a time"). It keeps
// advancing through steps whose completion immediately unblocks the next
// until the instance reaches a terminal status, a SubChain step suspends
// it, or the deadline is reached.
func (r *Runner) Advance(ctx context.Context, namespace, chainID string) error {
	release, err := r.acquireToken(ctx)
	if err != nil {
		return err
	}
	defer release()

	lock, err := r.store.AcquireLock(ctx, "chain", chainID, chainLockTTL)
	if err != nil {
		return err
	}
	defer r.store.ReleaseLock(ctx, lock)

	inst, err := r.store.LoadChain(ctx, namespace, chainID)
	if err != nil {
		return err
	}
	if inst.Terminal() || inst.Status == core.ChainWaitingSubChain {
		return nil
	}

	def, err := r.definition(inst.Definition)
	if err != nil {
		inst.Status = core.ChainFailed
		_ = r.store.SaveChain(ctx, inst)
		return err
	}

	for len(inst.Cursor) > 0 {
		if !inst.DeadlineAt.IsZero() && time.Now().After(inst.DeadlineAt) {
			inst.Status = core.ChainExpired
			break
		}

		name := inst.Cursor[0]
		inst.Cursor = inst.Cursor[1:]
		step, ok := def.step(name)
		if !ok {
			inst.Status = core.ChainFailed
			break
		}
		inst.ExecutionPath = append(inst.ExecutionPath, name)

		next, suspend, err := r.runStep(ctx, def, inst, step)
		if err != nil {
			if def.OnFailure == OnFailureContinue {
				continue
			}
			inst.Status = core.ChainFailed
			break
		}
		if suspend {
			inst.Status = core.ChainWaitingSubChain
			break
		}
		if len(next) == 0 {
			inst.Status = core.ChainCompleted
			break
		}
		inst.Cursor = append(inst.Cursor, next...)
	}
	if len(inst.Cursor) == 0 && inst.Status == core.ChainRunning {
		inst.Status = core.ChainCompleted
	}

	return r.store.SaveChain(ctx, inst)
}

// Cancel marks the instance Cancelled; an in-flight Advance already past
// this check completes its current step's dispatch but records the result
// without further branching (spec.md §4.5 "Cancellation is cooperative").
func (r *Runner) Cancel(ctx context.Context, namespace, chainID string) error {
	lock, err := r.store.AcquireLock(ctx, "chain", chainID, chainLockTTL)
	if err != nil {
		return err
	}
	defer r.store.ReleaseLock(ctx, lock)

	inst, err := r.store.LoadChain(ctx, namespace, chainID)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return nil
	}
	inst.Status = core.ChainCancelled
	return r.store.SaveChain(ctx, inst)
}

// ResumeFromChild is called when a sub-chain terminates: it loads the
// parent, records the child's terminal outcome as that step's result, and
// resumes advancing the parent's branching from it.
func (r *Runner) ResumeFromChild(ctx context.Context, namespace, parentID, childStepName string, child *core.ChainInstance) error {
	lock, err := r.store.AcquireLock(ctx, "chain", parentID, chainLockTTL)
	if err != nil {
		return err
	}

	inst, err := r.store.LoadChain(ctx, namespace, parentID)
	if err != nil {
		r.store.ReleaseLock(ctx, lock)
		return err
	}
	if inst.Terminal() {
		r.store.ReleaseLock(ctx, lock)
		return nil
	}

	status := core.StepSucceeded
	if child.Status != core.ChainCompleted {
		status = core.StepFailed
	}
	inst.Steps[childStepName] = &core.ChainStepState{StepName: childStepName, Status: status}

	def, err := r.definition(inst.Definition)
	if err != nil {
		inst.Status = core.ChainFailed
		_ = r.store.SaveChain(ctx, inst)
		r.store.ReleaseLock(ctx, lock)
		return err
	}
	step, _ := def.step(childStepName)
	next := r.resolveBranch(ctx, inst, step, status == core.StepSucceeded)
	inst.Status = core.ChainRunning
	inst.Cursor = append(inst.Cursor, next...)
	if err := r.store.SaveChain(ctx, inst); err != nil {
		r.store.ReleaseLock(ctx, lock)
		return err
	}
	r.store.ReleaseLock(ctx, lock)

	return r.Advance(ctx, namespace, parentID)
}

// runStep dispatches one step and reports the next cursor entries, or
// suspend=true if the step is a sub-chain that must wait for its child.
func (r *Runner) runStep(ctx context.Context, def *ChainDef, inst *core.ChainInstance, step *Step) (next []string, suspend bool, err error) {
	switch step.Kind {
	case StepKindProvider:
		return r.runProviderStep(ctx, inst, step)
	case StepKindParallel:
		return r.runParallelStep(ctx, inst, step)
	case StepKindSubChain:
		return r.runSubChainStep(ctx, inst, step)
	default:
		return nil, false, errors.ConfigError(fmt.Sprintf("chain %q step %q: unknown kind", def.Name, step.Name))
	}
}

func (r *Runner) runProviderStep(ctx context.Context, inst *core.ChainInstance, step *Step) ([]string, bool, error) {
	inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: core.StepRunning}

	payload, err := renderPayload(step.PayloadTemplate, inst, step)
	if err != nil {
		inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: core.StepFailed}
		return nil, false, err
	}

	derived := &core.Action{
		ID:         core.NewID(),
		Namespace:  inst.RootAction.Namespace,
		Tenant:     inst.RootAction.Tenant,
		Provider:   step.Provider,
		ActionType: step.ActionType,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	outcome := r.exec.Dispatch(ctx, derived, step.Provider)
	succeeded := outcome.Kind != core.OutcomeFailed
	status := core.StepSucceeded
	if !succeeded {
		status = core.StepFailed
	}
	inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: status, Outcome: &outcome}

	next := r.resolveBranch(ctx, inst, step, succeeded)
	if !succeeded && len(next) == 0 {
		return nil, false, errors.Internal(fmt.Errorf("chain step %q failed", step.Name))
	}
	return next, false, nil
}

// resolveBranch evaluates step's branches against a synthetic condition
// action exposing the step's outcome, returning the first matching
// branch's target, or DefaultNext if none match.
func (r *Runner) resolveBranch(ctx context.Context, inst *core.ChainInstance, step *Step, succeeded bool) []string {
	synthetic := &core.Action{
		Namespace: inst.RootAction.Namespace,
		Tenant:    inst.RootAction.Tenant,
		Payload: core.Payload{
			"success": succeeded,
			"step":    step.Name,
		},
	}
	for _, b := range step.Branches {
		if b.Condition == nil {
			return []string{b.Target}
		}
		ok, err := r.engine.EvaluateActionCondition(ctx, b.Condition, synthetic, time.UTC)
		if err != nil {
			if r.log != nil {
				r.log.WithFields(map[string]interface{}{"step": step.Name}).WithError(err).Warn("branch condition raised, skipping")
			}
			continue
		}
		if ok {
			return []string{b.Target}
		}
	}
	if step.DefaultNext != "" {
		return []string{step.DefaultNext}
	}
	return nil
}

// runParallelStep dispatches step's sub-steps concurrently, bounded by
// MaxConcurrency. Sub-steps are restricted to Provider kind: nesting a
// Parallel or Sub-chain step inside a Parallel step's sub-steps is not
// supported (no pack component needed that generality, and it would
// complicate the join/lock discipline for little benefit).
func (r *Runner) runParallelStep(ctx context.Context, inst *core.ChainInstance, step *Step) ([]string, bool, error) {
	var mu sync.Mutex
	mu.Lock()
	inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: core.StepRunning}
	mu.Unlock()

	max := step.MaxConcurrency
	if max <= 0 || max > len(step.SubSteps) {
		max = len(step.SubSteps)
	}
	sem := make(chan struct{}, max)
	var wg sync.WaitGroup
	succeeded, failed := 0, 0

	for i := range step.SubSteps {
		sub := &step.SubSteps[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			payload, err := renderPayload(sub.PayloadTemplate, inst, sub)
			ok := false
			var outcome core.Outcome
			if err == nil {
				derived := &core.Action{
					ID: core.NewID(), Namespace: inst.RootAction.Namespace,
					Tenant: inst.RootAction.Tenant, Provider: sub.Provider,
					ActionType: sub.ActionType, Payload: payload, CreatedAt: time.Now(),
				}
				outcome = r.exec.Dispatch(ctx, derived, sub.Provider)
				ok = outcome.Kind != core.OutcomeFailed
			}

			mu.Lock()
			status := core.StepSucceeded
			if !ok {
				status = core.StepFailed
				failed++
			} else {
				succeeded++
			}
			inst.Steps[sub.Name] = &core.ChainStepState{StepName: sub.Name, Status: status, Outcome: &outcome}
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := core.StepSucceeded
	if !step.Join.satisfied(len(step.SubSteps), succeeded, failed) || (step.OnParallelFail == ParallelFailFast && failed > 0) {
		status = core.StepFailed
	}
	inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: status}

	if status == core.StepFailed && step.OnParallelFail == ParallelFailFast {
		return nil, false, errors.Internal(fmt.Errorf("parallel step %q failed fast", step.Name))
	}
	return r.resolveBranch(ctx, inst, step, status == core.StepSucceeded), false, nil
}

func (r *Runner) runSubChainStep(ctx context.Context, inst *core.ChainInstance, step *Step) ([]string, bool, error) {
	child, err := r.Start(ctx, step.ChildDefinition, inst.RootAction)
	if err != nil {
		inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: core.StepFailed}
		return nil, false, err
	}
	child.ParentChainID = inst.ID
	_ = r.store.SaveChain(ctx, child)
	inst.ChildChainIDs = append(inst.ChildChainIDs, child.ID)
	inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: core.StepRunning}

	if child.Terminal() {
		status := core.StepSucceeded
		if child.Status != core.ChainCompleted {
			status = core.StepFailed
		}
		inst.Steps[step.Name] = &core.ChainStepState{StepName: step.Name, Status: status}
		return r.resolveBranch(ctx, inst, step, status == core.StepSucceeded), false, nil
	}
	return nil, true, nil
}

// renderPayload renders a step's payload template against the original
// action and prior step outputs, expecting JSON output (spec.md §4.5
// "template-rendered payload derived from {original_action,
// step_outputs_so_far}").
func renderPayload(tmplSrc string, inst *core.ChainInstance, step *Step) (core.Payload, error) {
	if tmplSrc == "" {
		return inst.RootAction.Payload, nil
	}
	tmpl, err := template.New(step.Name).Parse(tmplSrc)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("step %q: invalid payload template: %v", step.Name, err))
	}

	outputs := map[string]interface{}{}
	for name, s := range inst.Steps {
		if s.Outcome != nil {
			outputs[name] = s.Outcome
		}
	}
	data := map[string]interface{}{
		"Action":  inst.RootAction,
		"Outputs": outputs,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("step %q: template execution raised: %v", step.Name, err))
	}

	var payload core.Payload
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("step %q: rendered template is not a JSON object: %v", step.Name, err))
	}
	return payload, nil
}

// Get backs the chains::get admin surface (spec.md §6).
func (r *Runner) Get(ctx context.Context, namespace, id string) (*core.ChainInstance, error) {
	return r.store.LoadChain(ctx, namespace, id)
}

// List backs the chains::list admin surface.
func (r *Runner) List(ctx context.Context, namespace string) ([]*core.ChainInstance, error) {
	return r.store.ListChains(ctx, namespace)
}

// DAGOfDefinition backs chains::dag_of_definition: a flat adjacency map of
// step name to its statically-known successors (branch targets, default,
// or sub-steps for a Parallel step).
func (r *Runner) DAGOfDefinition(name string) (map[string][]string, error) {
	def, err := r.definition(name)
	if err != nil {
		return nil, err
	}
	dag := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		var targets []string
		for _, b := range s.Branches {
			targets = append(targets, b.Target)
		}
		if s.DefaultNext != "" {
			targets = append(targets, s.DefaultNext)
		}
		if s.Kind == StepKindSubChain {
			targets = append(targets, "chain:"+s.ChildDefinition)
		}
		if s.Kind == StepKindParallel {
			for _, sub := range s.SubSteps {
				targets = append(targets, sub.Name)
			}
		}
		dag[s.Name] = targets
	}
	return dag, nil
}

// DAGOfInstance backs chains::dag_of_instance: the execution path actually
// taken so far.
func (r *Runner) DAGOfInstance(ctx context.Context, namespace, id string) ([]string, error) {
	inst, err := r.store.LoadChain(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	return inst.ExecutionPath, nil
}
