// Package ingestion drives one scraping run: it iterates a channel, stores
// each media artifact through the storage gateway, registers it with the
// catalog and records the outcome on the job.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chanscrape/chanscrape/internal/catalog"
	"github.com/chanscrape/chanscrape/internal/enrich"
	"github.com/chanscrape/chanscrape/internal/job"
	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/internal/source"
	"github.com/chanscrape/chanscrape/internal/storage"
	"github.com/chanscrape/chanscrape/pkg/lfn"
)

var (
	// ErrInvalidJobSpec is returned when a required run identifier is missing.
	ErrInvalidJobSpec = errors.New("invalid job spec")
	// ErrMediaDownloadFailed wraps source download failures.
	ErrMediaDownloadFailed = errors.New("media download failed")
)

// Registrar is the part of the catalog client the pipeline needs.
type Registrar interface {
	EnsureReachable(ctx context.Context) error
	RegisterNewSourceData(ctx context.Context, l lfn.LFN) (*catalog.SourceData, error)
}

// Recorder persists job progress. *job.Manager satisfies it.
type Recorder interface {
	Save(ctx context.Context, j *job.Job) error
}

// TextEnricher turns message text into an enrichment row.
type TextEnricher interface {
	Enrich(ctx context.Context, text string, date time.Time) (*enrich.Row, error)
}

// bucketed is implemented by gateways backed by an object store bucket.
type bucketed interface {
	Store() storage.ObjectStore
	Bucket() string
}

// RunSpec identifies one run. Job, when set, is the record the pipeline
// mutates; otherwise a detached record is created.
type RunSpec struct {
	JobID       int64
	ChannelName string
	TracerID    string
	Job         *job.Job
}

func (s RunSpec) validate() error {
	var missing []string
	if s.JobID <= 0 {
		missing = append(missing, "job_id")
	}
	if s.ChannelName == "" {
		missing = append(missing, "channel_name")
	}
	if s.TracerID == "" {
		missing = append(missing, "tracer_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidJobSpec, missing)
	}
	if err := lfn.ValidTracerID(s.TracerID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJobSpec, err)
	}
	if s.Job != nil && (s.Job.ID != s.JobID || s.Job.TracerID != s.TracerID) {
		return fmt.Errorf("%w: job %d/%s does not match run %d/%s",
			ErrInvalidJobSpec, s.Job.ID, s.Job.TracerID, s.JobID, s.TracerID)
	}
	return nil
}

// Output is the terminal summary of a run.
type Output struct {
	State      job.State    `json:"state"`
	TracerID   string       `json:"tracer_id"`
	OutputLFNs []lfn.LFN    `json:"output_lfns"`
	Messages   []string     `json:"messages"`
	TextRows   []TextRow    `json:"text_rows"`
	Enrichment []enrich.Row `json:"enrichment,omitempty"`
}

// Pipeline runs ingestion jobs. A Pipeline holds no per-run state and may
// run several jobs concurrently as long as each has its own Source.
type Pipeline struct {
	gateway       storage.Gateway
	catalog       Registrar
	enricher      TextEnricher
	recorder      Recorder
	log           logging.Logger
	metrics       *Metrics
	retry         RetryPolicy
	minTextLength int
	tempDir       string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCatalog sets the catalog used to register object store artifacts.
func WithCatalog(r Registrar) Option { return func(p *Pipeline) { p.catalog = r } }

// WithEnricher enables the enrichment stage.
func WithEnricher(e TextEnricher) Option { return func(p *Pipeline) { p.enricher = e } }

// WithRecorder persists the job after every observable change.
func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

func WithLogger(l logging.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithMetrics(m *Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func WithRetry(r RetryPolicy) Option { return func(p *Pipeline) { p.retry = r } }

// WithMinTextLength sets how many runes a text needs before it is enriched.
func WithMinTextLength(n int) Option { return func(p *Pipeline) { p.minTextLength = n } }

// WithTempDir sets where media is staged between download and upload.
func WithTempDir(dir string) Option { return func(p *Pipeline) { p.tempDir = dir } }

// New creates a Pipeline storing artifacts through gw.
func New(gw storage.Gateway, opts ...Option) *Pipeline {
	p := &Pipeline{
		gateway:       gw,
		log:           logging.NewNop(),
		retry:         DefaultRetryPolicy(),
		minTextLength: 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) registers() bool {
	return p.gateway.Protocol() != lfn.ProtocolLocal
}

// setup checks the collaborators a run depends on before any message is read.
func (p *Pipeline) setup(ctx context.Context) error {
	if !p.registers() {
		return nil
	}
	if p.catalog == nil {
		return fmt.Errorf("%s storage requires a catalog client", p.gateway.Protocol())
	}
	if err := p.catalog.EnsureReachable(ctx); err != nil {
		return err
	}
	if b, ok := p.gateway.(bucketed); ok && b.Store() != nil {
		if err := storage.EnsureBucket(ctx, b.Store(), b.Bucket()); err != nil {
			return err
		}
	}
	return nil
}

// Run executes one job against src. Setup errors are returned and leave no
// output; errors inside the message loop are recorded on the job and the run
// still finishes.
func (p *Pipeline) Run(ctx context.Context, src source.Source, spec RunSpec) (*Output, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	j := spec.Job
	if j == nil {
		j = job.New(spec.JobID, fmt.Sprintf("job-%d", spec.JobID), spec.TracerID)
	}

	r := &run{
		p:       p,
		src:     src,
		job:     j,
		channel: spec.ChannelName,
		log: p.log.With(
			logging.Int64("job_id", spec.JobID),
			logging.String("tracer_id", spec.TracerID),
			logging.String("channel", spec.ChannelName),
		),
	}

	if err := p.setup(ctx); err != nil {
		r.abort(ctx, "setup", err)
		return nil, err
	}
	if err := src.Connect(ctx); err != nil {
		err = fmt.Errorf("connect source: %w", err)
		r.abort(ctx, "connect", err)
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.log.Warn("closing source failed", logging.Error(err))
		}
	}()

	if err := j.Start(); err != nil {
		return nil, err
	}
	r.persist(ctx)
	r.log.Info("job started")

	r.loop(ctx)
	r.writeEnrichment(ctx)

	if err := j.Finish(); err != nil {
		return nil, err
	}
	r.persist(ctx)
	p.metrics.run(string(j.State))
	r.log.Info("job finished",
		logging.Int("artifacts", len(j.OutputLFNs)),
		logging.Int("text_rows", len(r.rows)),
		logging.Int("failures", r.failures),
	)

	return &Output{
		State:      j.State,
		TracerID:   j.TracerID,
		OutputLFNs: append([]lfn.LFN(nil), j.OutputLFNs...),
		Messages:   append([]string(nil), j.Messages...),
		TextRows:   r.rows,
		Enrichment: r.enriched,
	}, nil
}

// run is the state of one Run call.
type run struct {
	p       *Pipeline
	src     source.Source
	job     *job.Job
	channel string
	log     logging.Logger

	rows     []TextRow
	enriched []enrich.Row
	failures int

	// current is the artifact being stored; last is the most recent one that
	// was stored and registered.
	current lfn.LFN
	last    lfn.LFN
}

func (r *run) persist(ctx context.Context) {
	if r.p.recorder == nil {
		return
	}
	if err := r.p.recorder.Save(context.WithoutCancel(ctx), r.job); err != nil {
		r.log.Error("saving job failed", logging.Error(err))
	}
}

// abort marks a job that never started as FAILED.
func (r *run) abort(ctx context.Context, stage string, err error) {
	r.log.Error("job setup failed", logging.String("stage", stage), logging.Error(err))
	if ferr := r.job.Fail(fmt.Sprintf("%s failed: %v", stage, err)); ferr != nil {
		r.log.Warn("recording setup failure", logging.Error(ferr))
		return
	}
	r.p.metrics.run(string(job.StateFailed))
	r.persist(ctx)
}

func (r *run) loop(ctx context.Context) {
	for msg, err := range r.src.Messages(ctx, r.channel) {
		if err != nil {
			r.fail(ctx, fmt.Errorf("iterate messages: %w", err), msg.ID)
			return
		}
		r.p.metrics.message()
		if err := r.process(ctx, msg); err != nil {
			r.fail(ctx, err, msg.ID)
		}
		r.job.Touch()
		r.persist(ctx)
	}
}

func (r *run) fail(ctx context.Context, err error, msgID int64) {
	r.failures++
	r.p.metrics.failure(failureKind(err))

	current, last := artifactString(r.current), artifactString(r.last)
	r.log.Error("message processing failed",
		logging.Int64("message_id", msgID),
		logging.String("current_artifact", current),
		logging.String("last_successful_artifact", last),
		logging.String("job_state", string(r.job.State)),
		logging.Error(err),
	)
	note := fmt.Sprintf("message %d: %v (current artifact: %s, last successful artifact: %s)", msgID, err, current, last)
	if ferr := r.job.Fail(note); ferr != nil {
		r.log.Warn("recording failure", logging.Error(ferr))
	}
}

func (r *run) process(ctx context.Context, msg source.Message) error {
	r.rows = append(r.rows, textRow(msg))

	if msg.Media.Kind != source.MediaNone {
		if err := r.storeMedia(ctx, msg); err != nil {
			return err
		}
	}

	if r.p.enricher != nil && msg.HasText(r.p.minTextLength) {
		r.enrich(ctx, msg)
	}
	return nil
}

func (r *run) storeMedia(ctx context.Context, msg source.Message) error {
	kind := msg.Media.Kind
	l, err := lfn.New(
		r.p.gateway.Protocol(),
		r.job.TracerID,
		r.job.ID,
		lfn.SourceTelegram,
		lfn.Derived(kind.Label(), fmt.Sprintf("%s-%d%s", r.channel, msg.ID, kind.Extension()), r.seed(kind.String(), msg.ID)),
	)
	if err != nil {
		return fmt.Errorf("name %s of message %d: %w", kind, msg.ID, err)
	}
	// The name does not depend on the bytes, so failures below report it.
	r.current = l

	tmp, err := os.CreateTemp(r.p.tempDir, "chanscrape-*"+kind.Extension())
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	staged := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(staged)

	var downloaded string
	err = r.p.retry.do(ctx, r.log, "download", func() error {
		var derr error
		downloaded, derr = r.src.Download(ctx, msg, staged)
		return derr
	})
	if err != nil {
		return fmt.Errorf("%w: %s of message %d: %w", ErrMediaDownloadFailed, kind, msg.ID, err)
	}

	if err := r.store(ctx, l, downloaded); err != nil {
		return err
	}
	r.p.metrics.artifact(kind.Label())
	return nil
}

// store saves the file at path as l, registers it when the backend needs it,
// and appends it to the job's outputs.
func (r *run) store(ctx context.Context, l lfn.LFN, path string) error {
	r.current = l

	start := time.Now()
	var pfn string
	err := r.p.retry.do(ctx, r.log, "save", func() error {
		var serr error
		pfn, serr = r.p.gateway.Save(ctx, l, path)
		return serr
	})
	r.p.metrics.observeStore(string(l.Protocol()), time.Since(start))
	if err != nil {
		return fmt.Errorf("store %s: %w", l.RelativePath(), err)
	}

	if r.p.registers() {
		if _, err := r.p.catalog.RegisterNewSourceData(ctx, l); err != nil {
			return fmt.Errorf("register %s: %w", l.RelativePath(), err)
		}
	}

	r.job.AddOutput(l)
	r.last = l
	r.log.Debug("artifact stored", logging.String("pfn", pfn))
	return nil
}

func (r *run) enrich(ctx context.Context, msg source.Message) {
	row, err := r.p.enricher.Enrich(ctx, msg.Text, msg.Date)
	switch {
	case errors.Is(err, enrich.ErrNotRelevant):
		r.log.Debug("message not relevant", logging.Int64("message_id", msg.ID))
	case err != nil:
		r.p.metrics.failure("enrichment")
		r.log.Warn("enrichment skipped", logging.Int64("message_id", msg.ID), logging.Error(err))
	default:
		row.MessageID = msg.ID
		r.enriched = append(r.enriched, *row)
	}
}

// writeEnrichment stores the accumulated rows as one JSON artifact. Failures
// are logged and leave the job state alone.
func (r *run) writeEnrichment(ctx context.Context) {
	if r.p.enricher == nil {
		return
	}
	if err := r.storeEnrichment(ctx); err != nil {
		r.p.metrics.failure("enrichment")
		r.log.Error("storing enrichment output failed",
			logging.String("current_artifact", artifactString(r.current)),
			logging.Error(err),
		)
	}
}

func (r *run) storeEnrichment(ctx context.Context) error {
	tmp, err := os.CreateTemp(r.p.tempDir, "chanscrape-*.json")
	if err != nil {
		return fmt.Errorf("create enrichment file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := enrich.WriteRows(tmp, r.enriched); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close enrichment file: %w", err)
	}

	l, err := lfn.New(
		r.p.gateway.Protocol(),
		r.job.TracerID,
		r.job.ID,
		lfn.SourceAugmented,
		lfn.Derived("augmented", r.channel+"-enriched.json", r.seed("augmented", 0)),
	)
	if err != nil {
		return fmt.Errorf("name enrichment output: %w", err)
	}
	if err := r.store(ctx, l, tmp.Name()); err != nil {
		return err
	}
	r.p.metrics.artifact("augmented")
	return nil
}

// seed identifies an artifact within the campaign. Names derived from it are
// the same on every backend and for every retry of the same artifact.
func (r *run) seed(kind string, msgID int64) string {
	return fmt.Sprintf("%s/%d/%s/%d/%s", r.job.TracerID, r.job.ID, r.channel, msgID, kind)
}

func artifactString(l lfn.LFN) string {
	if l.IsZero() {
		return "none"
	}
	return l.String()
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrMediaDownloadFailed):
		return "download"
	case errors.Is(err, storage.ErrStorageWriteFailed):
		return "storage"
	case errors.Is(err, catalog.ErrContractViolation):
		return "contract"
	case errors.Is(err, catalog.ErrCatalogUnreachable), errors.Is(err, catalog.ErrRequestFailed):
		return "catalog"
	default:
		return "other"
	}
}
