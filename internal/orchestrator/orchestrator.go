package orchestrator

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	fsio "github.com/v13quant/orderflow/internal/io"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

// Worker launch order. Shutdown runs in reverse.
var defaultOrder = []string{"harvest", "signal", "strategy"}

// ExitNoSignals is the process exit code for a run that completed without
// producing any signal output.
const ExitNoSignals = 2

// Orchestrator supervises the pipeline workers as subprocesses of the same
// binary: it launches them in dependency order, gates each on its readiness
// sentinel, restarts crashed workers with bounded backoff, and tears the
// set down in reverse order on shutdown.
type Orchestrator struct {
	cfg        *config.Config
	configPath string
	layout     sink.Layout
	runID      string
	tp         clock.TimeProvider

	// makeCmd builds the subprocess for a worker. Overridable in tests.
	makeCmd func(ctx context.Context, name string) *osexec.Cmd

	mu      sync.Mutex
	workers []*worker
}

type worker struct {
	spec     config.WorkerSpec
	cmd      *osexec.Cmd
	restarts int
	up       bool
	exited   chan error
}

// New builds the supervisor. configPath is forwarded to every worker.
func New(cfg *config.Config, configPath string, tp clock.TimeProvider) (*Orchestrator, error) {
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve binary: %w", err)
	}
	o := &Orchestrator{
		cfg:        cfg,
		configPath: configPath,
		layout:     sink.Layout{Root: cfg.Root},
		runID:      runID,
		tp:         tp,
	}
	o.makeCmd = func(ctx context.Context, name string) *osexec.Cmd {
		cmd := osexec.CommandContext(ctx, self, name, "--config", configPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), "RUN_ID="+runID)
		return cmd
	}
	return o, nil
}

// RunID reports the resolved run id.
func (o *Orchestrator) RunID() string { return o.runID }

// Run supervises the worker set until the configured duration elapses or
// ctx is cancelled. The returned exit code follows the run contract: 0
// clean, 1 failure, 2 clean but no signals.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	startMs := o.tp.NowMs()
	if err := o.writeManifest(o.buildManifest(startMs, 0, 0)); err != nil {
		return 1, err
	}

	ops := NewOps(o.cfg.Orch.OpsAddr, o)
	go func() {
		if err := ops.ListenAndServe(); err != nil {
			log.Warn().Err(err).Msg("ops server stopped")
		}
	}()
	defer ops.Shutdown()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.cfg.Orch.Minutes > 0 {
		var timerCancel context.CancelFunc
		runCtx, timerCancel = context.WithTimeout(ctx, time.Duration(o.cfg.Orch.Minutes)*time.Minute)
		defer timerCancel()
	}

	go o.healthLoop(runCtx)

	specs := o.workerSpecs()
	for _, spec := range specs {
		if !spec.Enabled {
			log.Info().Str("worker", spec.Name).Msg("worker disabled, skipping")
			continue
		}
		w := &worker{spec: spec}
		if err := o.start(runCtx, w); err != nil {
			if runCtx.Err() != nil {
				return o.finish(startMs)
			}
			o.shutdownAll()
			o.finalize(startMs, 1)
			return 1, fmt.Errorf("start %s: %w", spec.Name, err)
		}
		o.mu.Lock()
		o.workers = append(o.workers, w)
		o.mu.Unlock()
		if err := o.awaitReady(runCtx, w); err != nil {
			// A cancel or session timeout while waiting is an operator
			// shutdown, not a startup failure.
			if runCtx.Err() != nil {
				return o.finish(startMs)
			}
			o.shutdownAll()
			o.finalize(startMs, 1)
			return 1, fmt.Errorf("worker %s not ready: %w", spec.Name, err)
		}
		log.Info().Str("worker", spec.Name).Msg("worker ready")
	}

	if code := o.supervise(runCtx); code != 0 {
		o.shutdownAll()
		o.finalize(startMs, code)
		return code, nil
	}
	return o.finish(startMs)
}

// finish is the clean-shutdown tail shared by the normal and
// cancelled-during-startup paths: stop everything, then apply the
// no-signals exit code.
func (o *Orchestrator) finish(startMs int64) (int, error) {
	o.shutdownAll()
	code := 0
	if !o.sawSignals() {
		code = ExitNoSignals
	}
	o.finalize(startMs, code)
	return code, nil
}

func (o *Orchestrator) start(ctx context.Context, w *worker) error {
	w.cmd = o.makeCmd(ctx, w.spec.Name)
	if err := w.cmd.Start(); err != nil {
		return err
	}
	w.up = true
	w.exited = make(chan error, 1)
	metrics.Default().WorkerUp.WithLabelValues(w.spec.Name).Set(1)
	cmd := w.cmd
	go func(ch chan error) { ch <- cmd.Wait() }(w.exited)
	return nil
}

// awaitReady polls for the worker's readiness sentinel under artifacts/.
func (o *Orchestrator) awaitReady(ctx context.Context, w *worker) error {
	sentinel := w.spec.ReadySentinel
	if sentinel == "" {
		sentinel = filepath.Join(o.layout.ArtifactsDir(), w.spec.Name+".ready")
	}
	timeout := time.Duration(w.spec.ReadyTimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sentinel); err == nil {
			return nil
		}
		select {
		case err := <-w.exited:
			w.cmd = nil // already dead, nothing left to stop
			return fmt.Errorf("exited before ready: %v", err)
		case <-ctx.Done():
			// The sentinel may have landed between polls; a cancel must not
			// turn an already-ready worker into a startup failure.
			if _, err := os.Stat(sentinel); err == nil {
				return nil
			}
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout after %s waiting for %s", timeout, sentinel)
}

// healthLoop snapshots worker liveness on the configured cadence so a
// degraded pipeline is visible in the logs between restarts.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.probeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := o.Health()
			if healthy, ok := h["healthy"].(bool); ok && !healthy {
				log.Warn().Interface("workers", h["workers"]).Msg("health probe: degraded")
			} else {
				log.Debug().Interface("workers", h["workers"]).Msg("health probe")
			}
		}
	}
}

// probeInterval is the tightest health_every_sec across the configured
// workers, defaulting to 10s when none sets one.
func (o *Orchestrator) probeInterval() time.Duration {
	var minSec int64
	for _, spec := range o.workerSpecs() {
		if spec.HealthEverySec > 0 && (minSec == 0 || spec.HealthEverySec < minSec) {
			minSec = spec.HealthEverySec
		}
	}
	if minSec == 0 {
		minSec = 10
	}
	return time.Duration(minSec) * time.Second
}

// supervise restarts crashed workers until the run ends or a worker burns
// through its restart budget.
func (o *Orchestrator) supervise(ctx context.Context) int {
	for {
		o.mu.Lock()
		workers := make([]*worker, len(o.workers))
		copy(workers, o.workers)
		o.mu.Unlock()

		for _, w := range workers {
			select {
			case err := <-w.exited:
				if ctx.Err() != nil {
					// Put the exit back for shutdownAll to observe.
					w.exited <- err
					return 0
				}
				w.up = false
				metrics.Default().WorkerUp.WithLabelValues(w.spec.Name).Set(0)
				w.restarts++
				maxRestarts := w.spec.MaxRestarts
				if maxRestarts == 0 {
					maxRestarts = 3
				}
				if w.restarts > maxRestarts {
					log.Error().Err(err).Str("worker", w.spec.Name).
						Int("restarts", w.restarts-1).Msg("restart budget exhausted")
					w.cmd = nil // already dead, nothing to stop
					return 1
				}
				backoff := time.Duration(o.cfg.Orch.RestartBaseMs) * time.Millisecond << uint(w.restarts-1)
				log.Warn().Err(err).Str("worker", w.spec.Name).
					Int("restart", w.restarts).Dur("backoff", backoff).Msg("worker crashed, restarting")
				metrics.Default().WorkerRestarts.WithLabelValues(w.spec.Name).Inc()
				select {
				case <-ctx.Done():
					return 0
				case <-time.After(backoff):
				}
				if err := o.start(ctx, w); err != nil {
					log.Error().Err(err).Str("worker", w.spec.Name).Msg("restart failed")
					w.cmd = nil
					return 1
				}
			default:
			}
		}

		select {
		case <-ctx.Done():
			return 0
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// shutdownAll terminates workers in reverse launch order: SIGTERM, a grace
// period, then SIGKILL.
func (o *Orchestrator) shutdownAll() {
	o.mu.Lock()
	workers := make([]*worker, len(o.workers))
	copy(workers, o.workers)
	o.workers = nil
	o.mu.Unlock()

	for i := len(workers) - 1; i >= 0; i-- {
		w := workers[i]
		if w.cmd == nil || w.cmd.Process == nil {
			continue
		}
		grace := time.Duration(w.spec.GraceSec) * time.Second
		if grace == 0 {
			grace = 5 * time.Second
		}
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-w.exited:
		case <-time.After(grace):
			log.Warn().Str("worker", w.spec.Name).Msg("grace expired, killing")
			_ = w.cmd.Process.Kill()
			<-w.exited
		}
		metrics.Default().WorkerUp.WithLabelValues(w.spec.Name).Set(0)
		log.Info().Str("worker", w.spec.Name).Msg("worker stopped")
	}
}

// workerSpecs returns the configured workers, or the default pipeline when
// the config names none.
func (o *Orchestrator) workerSpecs() []config.WorkerSpec {
	if len(o.cfg.Orch.Workers) > 0 {
		return o.cfg.Orch.Workers
	}
	specs := make([]config.WorkerSpec, 0, len(defaultOrder))
	for _, name := range defaultOrder {
		specs = append(specs, config.WorkerSpec{Name: name, Enabled: true})
	}
	return specs
}

// sawSignals reports whether any signal output exists for the run.
func (o *Orchestrator) sawSignals() bool {
	files, _ := filepath.Glob(filepath.Join(o.layout.Root, "ready", "signal", "*", "*.jsonl"))
	if len(files) > 0 {
		return true
	}
	_, err := os.Stat(o.layout.SignalsDB())
	return err == nil
}

// Health snapshots worker liveness for the ops endpoint.
func (o *Orchestrator) Health() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	workers := make(map[string]any, len(o.workers))
	healthy := true
	for _, w := range o.workers {
		workers[w.spec.Name] = map[string]any{"up": w.up, "restarts": w.restarts}
		if !w.up {
			healthy = false
		}
	}
	return map[string]any{
		"run_id":  o.runID,
		"healthy": healthy,
		"workers": workers,
	}
}

func (o *Orchestrator) buildManifest(startMs, endMs int64, exitCode int) *schema.RunManifest {
	env := map[string]string{}
	for _, key := range []string{"RUN_ID", "TIMEZONE", "V13_REPLAY_MODE", "V13_SINK", "GIT_HASH"} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	var components []schema.ComponentVersion
	for _, spec := range o.workerSpecs() {
		components = append(components, schema.ComponentVersion{
			Name: spec.Name, Version: o.cfg.Signals.RulesVer, ConfigHash: o.cfg.Hash(),
		})
	}
	return &schema.RunManifest{
		RunID:      o.runID,
		StartTsMs:  startMs,
		EndTsMs:    endMs,
		Mode:       o.cfg.Exec.Mode,
		Symbols:    o.cfg.Symbols,
		Components: components,
		ConfigHash: o.cfg.Hash(),
		GitHash:    os.Getenv("GIT_HASH"),
		Env:        env,
		NoSignals:  exitCode == ExitNoSignals,
		ExitCode:   exitCode,
	}
}

func (o *Orchestrator) finalize(startMs int64, exitCode int) {
	m := o.buildManifest(startMs, o.tp.NowMs(), exitCode)
	if err := o.writeManifest(m); err != nil {
		log.Error().Err(err).Msg("manifest finalize failed")
	}
}

func (o *Orchestrator) writeManifest(m *schema.RunManifest) error {
	return fsio.WriteJSONAtomic(o.layout.RunManifestPath(o.runID), m)
}
