package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/async"
	"github.com/kiranshivaraju/minewatch/internal/automation"
	"github.com/kiranshivaraju/minewatch/internal/cache"
	"github.com/kiranshivaraju/minewatch/internal/config"
	"github.com/kiranshivaraju/minewatch/internal/detect"
	"github.com/kiranshivaraju/minewatch/internal/metrics"
	"github.com/kiranshivaraju/minewatch/internal/queue"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

const (
	EventAlertCreated = "alert.created"
	AlertTitle        = "Illegal Mining Detected"
	sqmPerHectare     = 10000.0
)

type RunnerConfig struct {
	JobTimeout       time.Duration
	AlertThresholdHa float64
	MapBaseURL       string
}

func NewRunnerConfig(cfg config.WorkerConfig) RunnerConfig {
	return RunnerConfig{
		JobTimeout:       cfg.JobTimeout,
		AlertThresholdHa: cfg.AlertThresholdHa,
		MapBaseURL:       cfg.MapBaseURL,
	}
}

// Runner executes queued jobs.
//
// A run moves a pending job to completed or failed. The completion write is
// the only mandatory effect; detections, alerts, notifications and
// automation events are best-effort and never change the job's outcome.
// Runs are safe to repeat. A job that is already completed is not computed
// again, but its side effects are replayed so a crash after the completion
// write cannot lose them. The threshold alert has an ID derived from the job,
// so a replay never records it twice.
type Runner struct {
	store    store.Store
	cache    cache.Cache
	provider detect.Provider
	notifier realtime.Notifier
	effects  *async.Pool
	sink     automation.Sink
	metrics  *metrics.Metrics
	cfg      RunnerConfig
}

type RunnerDeps struct {
	Store    store.Store
	Cache    cache.Cache
	Provider detect.Provider
	Notifier realtime.Notifier
	Effects  *async.Pool
	Sink     automation.Sink
	Metrics  *metrics.Metrics
}

func NewRunner(deps RunnerDeps, cfg RunnerConfig) *Runner {
	sink := deps.Sink
	if sink == nil {
		sink = automation.Noop{}
	}
	return &Runner{
		store:    deps.Store,
		cache:    deps.Cache,
		provider: deps.Provider,
		notifier: deps.Notifier,
		effects:  deps.Effects,
		sink:     sink,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}
}

type outcome struct {
	result     models.JobResult
	detections []*models.Detection
}

// Run is a queue.Handler. A returned error asks the queue to redeliver; it
// is used for transient collaborator failures and for a failed completion
// write. Logical failures mark the job failed and return nil.
func (r *Runner) Run(ctx context.Context, task queue.Task) error {
	job, err := r.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("task for unknown job dropped", "job_id", task.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Terminal() {
		r.replay(ctx, job)
		return nil
	}

	started := time.Now()
	runCtx := ctx
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}

	out, err := r.compute(runCtx, job)
	if err != nil {
		if detect.Transient(err) {
			slog.Warn("job run hit transient failure", "job_id", job.ID, "delivery", task.Deliveries, "error", err)
			return err
		}
		return r.fail(ctx, job, err, started)
	}

	replaced, err := r.store.ReplaceDetections(ctx, job.ID, out.detections)
	switch {
	case err != nil:
		slog.Warn("persisting detections failed", "job_id", job.ID, "count", len(out.detections), "error", err)
	case !replaced:
		slog.Info("job finished elsewhere, keeping its detections", "job_id", job.ID)
		return nil
	}

	applied, err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, store.WithResult(&out.result))
	if err != nil {
		return fmt.Errorf("recording completion: %w", err)
	}
	if !applied {
		slog.Info("job finished elsewhere, skipping side effects", "job_id", job.ID)
		return nil
	}

	r.metrics.JobFinished(job.Kind, models.JobStatusCompleted, time.Since(started))
	slog.Info("job completed", "job_id", job.ID, "kind", job.Kind,
		"area_illegal_ha", out.result.AreaIllegalHa, "detections", out.result.DetectionCount)
	r.afterCompletion(ctx, job, out.result)
	return nil
}

// replay repeats the idempotent effects of a finished job.
func (r *Runner) replay(ctx context.Context, job *models.Job) {
	slog.Info("job already terminal, replaying side effects", "job_id", job.ID, "status", job.Status)
	if job.Status != models.JobStatusCompleted || job.Result == nil {
		r.mirror(ctx, job, job.Status)
		return
	}
	r.afterCompletion(ctx, job, *job.Result)
}

func (r *Runner) afterCompletion(ctx context.Context, job *models.Job, res models.JobResult) {
	r.mirror(ctx, job, models.JobStatusCompleted)
	r.raiseAlert(ctx, job, res)
	r.emit(automation.EventDetectionCompleted, job.ID, map[string]any{
		"job_id":          job.ID,
		"area_illegal_ha": res.AreaIllegalHa,
		"volume_cubic_m":  res.VolumeCubicM,
		"depth_stats":     res.DepthStats,
	})
}

// DeadLetter is a queue.DeadLetterFunc: the task ran out of deliveries.
func (r *Runner) DeadLetter(ctx context.Context, task queue.Task, cause error) {
	job, err := r.store.GetJob(ctx, task.JobID)
	if err != nil {
		slog.Error("dead-lettered task for unreadable job", "job_id", task.JobID, "error", err)
		return
	}
	err = fmt.Errorf("giving up after %d deliveries: %w", task.Deliveries, cause)
	if ferr := r.fail(ctx, job, err, job.CreatedAt); ferr != nil {
		slog.Error("marking dead-lettered job failed", "job_id", job.ID, "error", ferr)
	}
}

func (r *Runner) compute(ctx context.Context, job *models.Job) (out outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in job run", "job_id", job.ID, "error", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	in := detect.Input{
		JobID:         job.ID,
		ImageryPath:   job.Inputs.Files[models.InputImagery],
		ImageryURL:    job.Inputs.ImageryURL,
		ShapefilePath: job.Inputs.Files[models.InputShapefile],
		BBox:          job.Inputs.BBox,
		AOI:           job.Inputs.AOI,
		OlderDate:     job.Inputs.OlderDate,
	}
	features, err := r.provider.Detect(ctx, in)
	if err != nil {
		return outcome{}, fmt.Errorf("detecting: %w", err)
	}

	region := detect.Region{BBox: job.Inputs.BBox, AOI: job.Inputs.AOI, Features: features}
	est, err := r.provider.Estimate(ctx, job.Inputs.Files[models.InputDEM], region)
	if err != nil {
		return outcome{}, fmt.Errorf("estimating: %w", err)
	}

	now := time.Now().UTC()
	var legalSqm, illegalSqm float64
	dets := make([]*models.Detection, 0, len(features))
	for _, f := range features {
		switch f.Properties.Class {
		case models.DetectionClassIllegal:
			illegalSqm += f.Properties.AreaSqm
		default:
			legalSqm += f.Properties.AreaSqm
		}
		dets = append(dets, &models.Detection{
			ID:         uuid.New(),
			JobID:      job.ID,
			Geometry:   f.Geometry,
			Properties: f.Properties,
			CreatedAt:  now,
		})
	}

	return outcome{
		result: models.JobResult{
			AreaLegalHa:    legalSqm / sqmPerHectare,
			AreaIllegalHa:  illegalSqm / sqmPerHectare,
			VolumeCubicM:   est.VolumeM3,
			DepthStats:     est.Depth,
			DetectionCount: len(features),
			ResultMapURL:   fmt.Sprintf("%s/%s.json", r.cfg.MapBaseURL, job.ID),
		},
		detections: dets,
	}, nil
}

func (r *Runner) fail(ctx context.Context, job *models.Job, cause error, started time.Time) error {
	applied, err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(cause.Error()))
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	if !applied {
		return nil
	}
	r.mirror(ctx, job, models.JobStatusFailed)
	r.metrics.JobFinished(job.Kind, models.JobStatusFailed, time.Since(started))
	slog.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "error", cause)
	return nil
}

// thresholdAlertSpace namespaces the name-based IDs of threshold alerts.
var thresholdAlertSpace = uuid.MustParse("6f1c2a9e-3b7d-4e58-9a0c-5d2e8f4b7c31")

// ThresholdAlertID is the ID of the alert raised for jobID.
func ThresholdAlertID(jobID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(thresholdAlertSpace, jobID[:])
}

// raiseAlert records and broadcasts a critical alert when the illegal area
// is strictly above the threshold. An alert already recorded for the job is
// left alone and not broadcast again.
func (r *Runner) raiseAlert(ctx context.Context, job *models.Job, res models.JobResult) {
	if res.AreaIllegalHa <= r.cfg.AlertThresholdHa {
		return
	}
	jobID := job.ID
	alert := &models.Alert{
		ID:          ThresholdAlertID(job.ID),
		Type:        models.AlertTypeCritical,
		Title:       AlertTitle,
		Description: fmt.Sprintf("Illegal mining area of %.2f ha exceeds threshold for job %s", res.AreaIllegalHa, job.ID),
		AreaHa:      res.AreaIllegalHa,
		JobID:       &jobID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateAlert(ctx, alert); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			slog.Debug("threshold alert already recorded", "job_id", job.ID, "alert_id", alert.ID)
			return
		}
		slog.Warn("creating threshold alert failed", "job_id", job.ID, "error", err)
		return
	}
	if r.notifier != nil {
		ev := realtime.Event{Type: EventAlertCreated, Payload: alert}
		if err := r.notifier.Notify(ctx, realtime.ChannelAlerts, ev); err != nil {
			slog.Warn("alert notification failed", "job_id", job.ID, "alert_id", alert.ID, "error", err)
		}
	}
	r.emit(automation.EventAlertCreated, job.ID, map[string]any{"alert": alert})
}

func (r *Runner) emit(event string, jobID uuid.UUID, payload any) {
	if r.effects == nil {
		return
	}
	r.effects.Go(event, []any{"job_id", jobID}, func(ctx context.Context) error {
		return r.sink.Emit(ctx, event, payload)
	})
}

func (r *Runner) mirror(ctx context.Context, job *models.Job, status string) {
	st := cache.JobStatus{Status: status, Owner: job.Owner}
	if err := r.cache.SetJobStatus(ctx, job.ID, st, cache.JobStatusTTL); err != nil {
		slog.Warn("job status cache write failed", "job_id", job.ID, "error", err)
	}
}
