package scheduler

import (
	"context"
	"errors"
	"time"

	"pixl/internal/anonymiser"
	"pixl/internal/broker"
	"pixl/internal/constants"
	"pixl/internal/dimse"
	"pixl/internal/export"
	"pixl/internal/ledger"
	"pixl/internal/logger"
	"pixl/internal/project"
	"pixl/internal/ratelimit"
	"pixl/internal/rawcache"
	"pixl/internal/source"
	pixlerrors "pixl/pkg/errors"
	"pixl/pkg/logging"
	"pixl/pkg/metrics"
	"pixl/pkg/models"
	"pixl/pkg/tracing"
)

// ProjectRegistry resolves a project slug to its immutable configuration.
type ProjectRegistry interface {
	Get(slug string) (*project.ProjectConfig, error)
}

// Cache is the scheduler's view of the raw cache coordinator.
type Cache interface {
	Pin(studyUID string)
	Unpin(studyUID string)
	WaitForStable(ctx context.Context, studyUID string, expectedCount int) ([]rawcache.Instance, error)
	EnsureComplete(ctx context.Context, src source.Client, studyUID string, advertised []dimse.InstanceResult) ([]rawcache.Instance, error)
	InstanceBytes(ctx context.Context, instanceID, studyUID string) ([]byte, error)
	EvictIfNeeded(ctx context.Context) error
}

// Exporter hands an anonymised study to the project's destination.
type Exporter interface {
	ExportStudy(ctx context.Context, cfg *project.ProjectConfig, study export.Study) (export.UploadReceipt, error)
}

// SaltSource returns the project salt, creating it on first use.
type SaltSource interface {
	ProjectSalt(ctx context.Context, alias string) ([]byte, error)
}

// Options are the anonymisation parameters shared across projects.
type Options struct {
	UIDRoot       string
	DateShiftSpan int
}

// Service runs one extract message end-to-end: dedup, source query,
// retrieval, stability wait, anonymisation, export, ledger bookkeeping.
type Service struct {
	ledger    ledger.Repository
	projects  ProjectRegistry
	limiter   *ratelimit.SourceLimiter
	inFlight  *ratelimit.InFlight
	primary   source.Client
	secondary source.Client
	cache     Cache
	exporter  Exporter
	salts     SaltSource
	options   Options
	logger    logger.Logger
}

func NewService(
	ledgerRepo ledger.Repository,
	projects ProjectRegistry,
	limiter *ratelimit.SourceLimiter,
	inFlight *ratelimit.InFlight,
	primary, secondary source.Client,
	cache Cache,
	exporter Exporter,
	salts SaltSource,
	options Options,
	log logger.Logger,
) *Service {
	if options.UIDRoot == "" {
		options.UIDRoot = constants.DefaultUIDRoot
	}
	return &Service{
		ledger:    ledgerRepo,
		projects:  projects,
		limiter:   limiter,
		inFlight:  inFlight,
		primary:   primary,
		secondary: secondary,
		cache:     cache,
		exporter:  exporter,
		salts:     salts,
		options:   options,
		logger:    log,
	}
}

// HandleMessage is the broker handler. The returned verdict drives ack,
// requeue, secondary routing or dead-lettering.
func (s *Service) HandleMessage(ctx context.Context, req models.ExtractRequest) broker.Verdict {
	if err := s.inFlight.Acquire(ctx); err != nil {
		return broker.Requeue
	}
	defer s.inFlight.Release()
	metrics.MessagesInFlight.Inc()
	defer metrics.MessagesInFlight.Dec()

	ctx, span := tracing.GetTracer("imaging-service").Start(ctx, "scheduler.handle_message")
	defer span.End()

	verdict := s.process(ctx, req)
	return verdict
}

func (s *Service) process(ctx context.Context, req models.ExtractRequest) broker.Verdict {
	key := req.StudyKey()

	// Dedup first: exported and anonymised pairs never reach the sources
	// again.
	record, err := s.ledger.Ensure(ctx, req.ProjectName, key)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Ledger unavailable", "error", err)
		return broker.Requeue
	}
	switch record.State {
	case ledger.StateExported, ledger.StateAnonymised:
		s.logger.InfowCtx(ctx, "Duplicate message dropped",
			"state", string(record.State),
		)
		metrics.MessagesTotal.WithLabelValues(logging.GetQueue(ctx), "duplicate").Inc()
		return broker.Ack
	case ledger.StateFailed:
		// A redelivered message is a fresh attempt at a failed pair.
		if err := s.ledger.Transition(ctx, req.ProjectName, key, ledger.StateFailed, ledger.StatePending, ledger.RecordUpdate{}); err != nil {
			if pixlerrors.Is(err, pixlerrors.KindLedgerConflict) {
				return broker.Ack
			}
			return broker.Requeue
		}
	}

	cfg, err := s.projects.Get(req.ProjectName)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Unknown project, dead-lettering", "error", err)
		return broker.DeadLetter
	}

	src := s.sourceForQueue(ctx)
	verdict, processErr := s.runPipeline(ctx, req, cfg, src, key)
	if processErr != nil {
		s.recordFailure(ctx, req.ProjectName, key, processErr)
	}
	return verdict
}

// sourceForQueue picks the DICOM source matching the queue this message
// was delivered on.
func (s *Service) sourceForQueue(ctx context.Context) source.Client {
	if logging.GetQueue(ctx) == constants.QueueSecondary {
		return s.secondary
	}
	return s.primary
}

// runPipeline executes steps 3-7 of the state machine against one source.
func (s *Service) runPipeline(ctx context.Context, req models.ExtractRequest, cfg *project.ProjectConfig, src source.Client, key string) (broker.Verdict, error) {
	onPrimary := src == s.primary

	// Token governs C-FIND initiation only; it is never held across the
	// transfer that follows.
	if err := s.limiter.Acquire(ctx, src.Name()); err != nil {
		return broker.Requeue, nil
	}

	studies, err := src.FindStudies(ctx, dimse.StudyQuery{
		StudyInstanceUID: req.StudyUID,
		PatientID:        req.MRN,
		AccessionNumber:  req.AccessionNumber,
	})
	if err != nil {
		if pixlerrors.Is(err, pixlerrors.KindCircuitOpen) && onPrimary {
			s.logger.WarnwCtx(ctx, "Primary circuit open, routing to secondary queue")
			return broker.RouteSecondary, nil
		}
		s.logger.ErrorwCtx(ctx, "C-FIND failed", "source", src.Name(), "error", err)
		return broker.Requeue, nil
	}

	if len(studies) == 0 {
		if onPrimary {
			s.logger.InfowCtx(ctx, "Study not in primary source, routing to secondary queue",
				"priority", req.Priority,
			)
			return broker.RouteSecondary, nil
		}
		return broker.Ack, pixlerrors.Newf(pixlerrors.KindNotFound,
			"study %s absent from both sources", req.Identifier())
	}

	s.logger.InfowCtx(ctx, "Study located",
		"source", src.Name(),
		"studies", len(studies),
	)

	// Retrieve every matching study; without a study UID one (MRN,
	// accession) pair may resolve to several, merged later under a single
	// regenerated StudyInstanceUID.
	studyUIDs := make([]string, 0, len(studies))
	var allInstances []anonymiser.SourceInstance
	defer func() {
		for _, uid := range studyUIDs {
			s.cache.Unpin(uid)
		}
	}()

	for _, study := range studies {
		studyUID := study.StudyInstanceUID
		ctx := logging.WithSourceStudyUID(ctx, studyUID)
		studyUIDs = append(studyUIDs, studyUID)
		s.cache.Pin(studyUID)

		instances, err := s.retrieveStudy(ctx, src, studyUID, study.NumInstances)
		if err != nil {
			return s.verdictForError(ctx, err), err
		}
		for _, instance := range instances {
			instance := instance
			uid := studyUID
			allInstances = append(allInstances, anonymiser.SourceInstance{
				SOPInstanceUID: instance.SOPInstanceUID,
				Read: func(ctx context.Context) ([]byte, error) {
					return s.cache.InstanceBytes(ctx, instance.ID, uid)
				},
			})
		}
	}

	result, err := s.anonymise(ctx, cfg, studyUIDs, allInstances)
	if err != nil {
		return s.verdictForError(ctx, err), err
	}

	if err := s.ledger.Transition(ctx, req.ProjectName, key, ledger.StatePending, ledger.StateAnonymised, ledger.RecordUpdate{
		AnonStudyUID:    result.StudyUID,
		PseudoPatientID: result.PseudoPatientID,
	}); err != nil {
		if pixlerrors.Is(err, pixlerrors.KindLedgerConflict) {
			s.logger.InfowCtx(ctx, "Lost ledger race, another worker owns this study")
			return broker.Ack, nil
		}
		return broker.Requeue, nil
	}

	receipt, err := s.exporter.ExportStudy(ctx, cfg, export.Study{
		ProjectSlug:     cfg.Slug,
		PseudoPatientID: result.PseudoPatientID,
		AnonStudyUID:    result.StudyUID,
		Instances:       result.Instances,
	})
	if err != nil {
		if transitionErr := s.ledger.Transition(ctx, req.ProjectName, key, ledger.StateAnonymised, ledger.StateFailed, ledger.RecordUpdate{
			Error: string(pixlerrors.KindUploadFailure) + ": " + err.Error(),
		}); transitionErr != nil {
			s.logger.ErrorwCtx(ctx, "Failed to record upload failure", "error", transitionErr)
		}
		return broker.Ack, nil
	}

	if err := s.ledger.Transition(ctx, req.ProjectName, key, ledger.StateAnonymised, ledger.StateExported, ledger.RecordUpdate{}); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to mark export complete", "error", err)
		return broker.Requeue, nil
	}

	s.logger.InfowCtx(ctx, "Export complete",
		"anon_study_uid", result.StudyUID,
		"instances", len(result.Instances),
		"skipped", result.Skipped,
		"destination", receipt.Destination,
	)

	// Opportunistic eviction once the study is no longer needed.
	if err := s.cache.EvictIfNeeded(ctx); err != nil {
		s.logger.WarnwCtx(ctx, "Raw cache eviction failed", "error", err)
	}

	return broker.Ack, nil
}

// retrieveStudy issues the C-MOVE, waits for the raw cache to stabilise and
// repairs any instances the transfer dropped.
func (s *Service) retrieveStudy(ctx context.Context, src source.Client, studyUID string, expectedCount int) ([]rawcache.Instance, error) {
	start := time.Now()
	if _, err := src.MoveStudy(ctx, studyUID); err != nil {
		return nil, err
	}
	metrics.ObserveStage("transfer", time.Since(start))

	start = time.Now()
	instances, err := s.cache.WaitForStable(ctx, studyUID, expectedCount)
	if err != nil {
		return nil, err
	}
	metrics.ObserveStage("stability_wait", time.Since(start))

	advertised, err := src.FindInstances(ctx, studyUID)
	if err != nil {
		// The source answered the study query moments ago; failing the
		// instance listing leaves repair impossible but the transfer may
		// still be complete.
		s.logger.WarnwCtx(ctx, "Instance-level C-FIND failed, skipping repair check", "error", err)
		return instances, nil
	}
	if len(advertised) > len(instances) {
		instances, err = s.cache.EnsureComplete(ctx, src, studyUID, advertised)
		if err != nil {
			return nil, err
		}
	}
	return instances, nil
}

func (s *Service) anonymise(ctx context.Context, cfg *project.ProjectConfig, studyUIDs []string, instances []anonymiser.SourceInstance) (*anonymiser.Result, error) {
	salt, err := s.salts.ProjectSalt(ctx, cfg.KVAlias())
	if err != nil {
		return nil, err
	}

	engine, err := anonymiser.NewStudyAnonymiser(cfg, salt, s.options.UIDRoot, s.options.DateShiftSpan, studyUIDs)
	if err != nil {
		return nil, pixlerrors.Wrap(pixlerrors.KindAnonymisationFailure, "failed to initialise anonymiser", err)
	}

	start := time.Now()
	result, err := engine.AnonymiseStudy(ctx, instances)
	if err != nil {
		return nil, err
	}
	metrics.ObserveStage("anonymise", time.Since(start))
	return result, nil
}

// verdictForError maps the propagation policy of each error kind onto a
// broker verdict.
func (s *Service) verdictForError(ctx context.Context, err error) broker.Verdict {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return broker.Requeue
	}
	switch pixlerrors.KindOf(err) {
	case pixlerrors.KindNotFound,
		pixlerrors.KindAnonymisationFailure,
		pixlerrors.KindValidationFailure:
		return broker.Ack
	case pixlerrors.KindUnknownProject:
		return broker.DeadLetter
	case pixlerrors.KindTransferTimeout, pixlerrors.KindCacheUnstable,
		pixlerrors.KindSecretUnavailable, pixlerrors.KindCircuitOpen:
		return broker.Requeue
	default:
		s.logger.ErrorwCtx(ctx, "Unclassified pipeline error", "error", err)
		return broker.Requeue
	}
}

// recordFailure writes the terminal error into the ledger for errors that
// ack the message; requeued errors leave the row pending for the retry.
func (s *Service) recordFailure(ctx context.Context, projectSlug, key string, err error) {
	kind := pixlerrors.KindOf(err)
	switch kind {
	case pixlerrors.KindNotFound, pixlerrors.KindAnonymisationFailure,
		pixlerrors.KindValidationFailure, pixlerrors.KindUploadFailure:
	default:
		return
	}

	message := string(kind)
	if kind != pixlerrors.KindNotFound {
		message = err.Error()
	}
	if transitionErr := s.ledger.Transition(ctx, projectSlug, key, ledger.StatePending, ledger.StateFailed, ledger.RecordUpdate{
		Error: message,
	}); transitionErr != nil && !pixlerrors.Is(transitionErr, pixlerrors.KindLedgerConflict) {
		s.logger.ErrorwCtx(ctx, "Failed to record failure in ledger", "error", transitionErr)
	}
	s.logger.WarnwCtx(ctx, "Message failed",
		"error_kind", string(kind),
		"error", err,
	)
}
