package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"issuesync/internal/canonical"
	"issuesync/internal/config"
	"issuesync/internal/domain"
	"issuesync/internal/events"
	"issuesync/internal/executor"
	"issuesync/internal/extract"
	"issuesync/internal/metrics"
	"issuesync/internal/reconcile"
	"issuesync/internal/repo"
	"issuesync/internal/tracker"
)

// ErrNothingToReconcile is returned when a scan found no declarations but
// reported errors. The pass stops before planning and mutates nothing.
var ErrNothingToReconcile = errors.New("nothing to reconcile: scan found no declarations and reported errors")

const (
	ModePlan = "plan"
	ModeSync = "sync"

	RunRunning            = "running"
	RunCompleted          = "completed"
	RunPartial            = "partial"
	RunFailed             = "failed"
	RunNothingToReconcile = "nothing_to_reconcile"

	defaultActor = "local-user"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Tracker    tracker.Tracker
	Repository string
	Logger     zerolog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, trk tracker.Tracker, repository string, logger zerolog.Logger) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Tracker:    trk,
		Repository: repository,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) projectID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Project.ID
}

// PassOptions parameterise one plan or sync pass.
type PassOptions struct {
	// Root overrides the configured scan root.
	Root    string
	ActorID string
	// DryRun forces a sync to stop after planning.
	DryRun bool
}

// Pass is everything one reconciliation pass produced.
type Pass struct {
	Run      domain.Run         `json:"run"`
	Scan     extract.Result     `json:"scan"`
	Declared canonical.Set      `json:"-"`
	Plan     reconcile.Plan     `json:"plan"`
	Outcomes []executor.Outcome `json:"outcomes,omitempty"`
	Errors   []error            `json:"-"`
}

// Applied reports whether the pass executed its plan against the tracker.
func (p Pass) Applied() bool { return p.Outcomes != nil }

func (e Engine) extractor() (*extract.Extractor, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	opts, err := e.Config.ExtractOptions()
	if err != nil {
		return nil, err
	}
	log := e.Logger
	opts.Logger = &log
	return extract.New(opts), nil
}

func (e Engine) root(override string) string {
	if override != "" {
		return override
	}
	if e.Config != nil && e.Config.Scan.Root != "" {
		return e.Config.Scan.Root
	}
	return "."
}

// Scan extracts declarations without talking to the tracker.
func (e Engine) Scan(ctx context.Context, root string) (extract.Result, error) {
	x, err := e.extractor()
	if err != nil {
		return extract.Result{}, err
	}
	return x.Scan(ctx, e.root(root))
}

// Declared scans root and builds the declared set. Elements whose marker
// failed to parse, and files that could not be read or parsed, are withheld so
// their existing issues are left alone.
func (e Engine) Declared(ctx context.Context, root string) (extract.Result, canonical.Set, []error, error) {
	res, err := e.Scan(ctx, root)
	if err != nil {
		return res, canonical.Set{}, nil, err
	}
	set, errs := canonical.Build(res.Declarations)
	for _, m := range res.Malformed() {
		if m.ElementName == "" {
			continue
		}
		set.Withhold(canonical.Of(m.FilePath, m.ElementName), "malformed declaration")
	}
	for _, f := range res.FailedFiles() {
		reason := "unreadable file"
		if errors.Is(f.Err, extract.ErrSyntax) {
			reason = "syntax errors in file"
		}
		set.WithholdFile(f.FilePath, reason)
	}
	all := append(append([]error(nil), res.Errors...), errs...)
	return res, set, all, nil
}

// Plan computes the plan for the current sources and records it.
func (e Engine) Plan(ctx context.Context, opts PassOptions) (Pass, error) {
	return e.pass(ctx, ModePlan, opts)
}

// Sync computes the plan and applies it unless the pass is a dry run.
func (e Engine) Sync(ctx context.Context, opts PassOptions) (Pass, error) {
	return e.pass(ctx, ModeSync, opts)
}

func (e Engine) pass(ctx context.Context, mode string, opts PassOptions) (Pass, error) {
	started := e.now()
	actor := opts.ActorID
	if actor == "" {
		actor = defaultActor
	}
	root := e.root(opts.Root)
	dryRun := mode == ModePlan || opts.DryRun || (e.Config != nil && e.Config.Sync.DryRun)
	id, err := uuid.NewV7()
	if err != nil {
		return Pass{}, fmt.Errorf("run id: %w", err)
	}
	pass := Pass{Run: domain.Run{
		ID:         id.String(),
		ProjectID:  e.projectID(),
		Mode:       mode,
		Status:     RunRunning,
		Root:       filepath.ToSlash(root),
		Repository: e.Repository,
		DryRun:     dryRun,
		ActorID:    actor,
		StartedAt:  started.UTC().Format(time.RFC3339),
	}}
	log := e.Logger.With().Str("run", pass.Run.ID).Str("mode", mode).Logger()

	err = e.execute(ctx, &pass, root, dryRun, log)
	e.finish(ctx, &pass, err, log)
	metrics.RecordPass(mode, pass.Run.Status, e.now().Sub(started), pass.Run.Declarations)
	return pass, err
}

func (e Engine) execute(ctx context.Context, pass *Pass, root string, dryRun bool, log zerolog.Logger) error {
	if e.Tracker == nil {
		return errors.New("tracker not configured")
	}
	res, set, errs, err := e.Declared(ctx, root)
	if err != nil {
		return err
	}
	pass.Scan, pass.Declared, pass.Errors = res, set, errs
	if len(res.Declarations) == 0 && len(errs) > 0 {
		return ErrNothingToReconcile
	}

	remote, err := e.Tracker.List(ctx)
	if err != nil {
		return fmt.Errorf("list tracker issues: %w", err)
	}
	log.Debug().Int("remote", len(remote)).Int("declared", len(set.Issues)).Msg("reconciling")
	plan, conflicts := reconcile.Reconcile(set, remote)
	pass.Plan = plan
	pass.Errors = append(pass.Errors, conflicts...)
	if dryRun {
		return nil
	}

	concurrency := 0
	if e.Config != nil {
		concurrency = e.Config.Sync.Concurrency
	}
	ex := executor.Executor{Tracker: e.Tracker, Concurrency: concurrency, Logger: log}
	pass.Outcomes = ex.Apply(ctx, plan)
	pass.Errors = append(pass.Errors, executor.Errors(pass.Outcomes)...)
	for _, o := range pass.Outcomes {
		metrics.RecordOp(string(o.Op.Kind), string(o.Status))
	}
	return ctx.Err()
}

// finish fills in the run summary and records the run, its ops and events.
// Recording failures are logged; they never mask the pass result.
func (e Engine) finish(ctx context.Context, pass *Pass, passErr error, log zerolog.Logger) {
	run := &pass.Run
	counts := pass.Plan.Counts()
	run.Files = pass.Scan.Files
	run.Declarations = len(pass.Scan.Declarations)
	run.Creates, run.Updates, run.Closes, run.Skips = counts.Create, counts.Update, counts.Close, counts.Skip
	summary := executor.Summarize(pass.Outcomes)
	run.Failures = summary.Failed + summary.Cancelled
	for _, err := range pass.Errors {
		run.Errors = append(run.Errors, err.Error())
	}
	switch {
	case errors.Is(passErr, ErrNothingToReconcile):
		run.Status = RunNothingToReconcile
	case passErr != nil:
		run.Status = RunFailed
		run.Errors = append(run.Errors, passErr.Error())
	case run.Failures > 0:
		run.Status = RunPartial
	default:
		run.Status = RunCompleted
	}
	finished := e.now().UTC().Format(time.RFC3339)
	run.FinishedAt = &finished

	evt := log.Info()
	if passErr != nil {
		evt = log.Warn().Err(passErr)
	}
	evt.Str("status", run.Status).Int("create", run.Creates).Int("update", run.Updates).
		Int("close", run.Closes).Int("skip", run.Skips).Int("failures", run.Failures).Msg("pass finished")

	if e.DB == nil {
		return
	}
	// A cancelled pass is still recorded.
	if err := e.record(context.WithoutCancel(ctx), pass); err != nil {
		log.Error().Err(err).Msg("record run")
	}
}

func (e Engine) record(ctx context.Context, pass *Pass) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run := pass.Run
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.InsertRunOps(ctx, tx, run.ID, RunOps(run.ID, pass)); err != nil {
		return err
	}
	for _, o := range pass.Outcomes {
		if err := e.appendOpEvent(ctx, tx, run, o); err != nil {
			return err
		}
	}
	evtType := events.RunCompleted
	if run.Status == RunFailed {
		evtType = events.RunFailed
	}
	payload := events.EventPayload{
		"mode": run.Mode, "status": run.Status, "dry_run": run.DryRun, "repository": run.Repository,
		"creates": run.Creates, "updates": run.Updates, "closes": run.Closes, "skips": run.Skips, "failures": run.Failures,
	}
	if err := e.Events.Append(ctx, tx, evtType, run.ProjectID, "run", run.ID, run.ActorID, payload); err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return tx.Commit()
}

func (e Engine) appendOpEvent(ctx context.Context, tx *sql.Tx, run domain.Run, o executor.Outcome) error {
	var evtType string
	switch {
	case o.Status == executor.StatusFailed:
		evtType = events.OpFailed
	case o.Status != executor.StatusApplied:
		return nil
	case o.Op.Kind == reconcile.KindCreate:
		evtType = events.IssueCreated
	case o.Op.Kind == reconcile.KindUpdate && o.Op.Reopen:
		evtType = events.IssueReopened
	case o.Op.Kind == reconcile.KindUpdate:
		evtType = events.IssueUpdated
	case o.Op.Kind == reconcile.KindClose:
		evtType = events.IssueClosed
	default:
		return nil
	}
	payload := events.EventPayload{
		"run_id":      run.ID,
		"kind":        string(o.Op.Kind),
		"fingerprint": string(o.Op.Fingerprint),
		"remote_id":   o.RemoteID,
	}
	if o.Op.Title != "" {
		payload["title"] = o.Op.Title
	}
	if o.Error != "" {
		payload["error"] = o.Error
	}
	if err := e.Events.Append(ctx, tx, evtType, run.ProjectID, "issue", fmt.Sprint(o.RemoteID), run.ActorID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

// RunOps converts a pass into the rows stored for its run.
func RunOps(runID string, pass *Pass) []domain.RunOp {
	ops := make([]domain.RunOp, len(pass.Plan.Ops))
	for i, op := range pass.Plan.Ops {
		row := domain.RunOp{
			RunID:       runID,
			Seq:         i + 1,
			Kind:        string(op.Kind),
			Fingerprint: string(op.Fingerprint),
			RemoteID:    op.RemoteID,
			Title:       op.Title,
			Element:     op.Element(),
			Reopen:      op.Reopen,
			Reason:      op.Reason,
			Status:      "planned",
		}
		if op.Kind == reconcile.KindSkip {
			row.Status = string(executor.StatusSkipped)
		}
		if i < len(pass.Outcomes) {
			o := pass.Outcomes[i]
			row.Status = string(o.Status)
			row.RemoteID = o.RemoteID
			row.Error = o.Error
		}
		ops[i] = row
	}
	return ops
}

// RunDetail is a recorded run with its operations.
type RunDetail struct {
	Run domain.Run     `json:"run"`
	Ops []domain.RunOp `json:"ops"`
}

// GetRun loads a recorded run by id or unique id prefix.
func (e Engine) GetRun(ctx context.Context, idOrPrefix string) (RunDetail, error) {
	id, err := e.Repo.ResolveRunID(ctx, idOrPrefix)
	if err != nil {
		return RunDetail{}, err
	}
	run, err := e.Repo.GetRun(ctx, id)
	if err != nil {
		return RunDetail{}, err
	}
	ops, err := e.Repo.ListRunOps(ctx, id)
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{Run: run, Ops: ops}, nil
}

// ListRuns lists recorded runs of the configured project, newest first.
func (e Engine) ListRuns(ctx context.Context, mode string, limit int) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, repo.RunFilters{ProjectID: e.projectID(), Mode: mode, Limit: limit})
}
