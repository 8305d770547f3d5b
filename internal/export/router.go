package export

import (
	"context"

	"pixl/internal/logger"
	"pixl/internal/project"
	"pixl/internal/secrets"
	pixlerrors "pixl/pkg/errors"
	"pixl/pkg/metrics"
	"pixl/pkg/retry"
)

// Factory builds an uploader for a destination kind; overridable in tests.
type Factory func(ctx context.Context, cfg *project.ProjectConfig) (Uploader, error)

// Router selects and drives the uploader for each project's destination.
type Router struct {
	resolver secrets.Resolver
	logger   logger.Logger
	factory  Factory
}

func NewRouter(resolver secrets.Resolver, log logger.Logger) *Router {
	r := &Router{resolver: resolver, logger: log}
	r.factory = r.defaultFactory
	return r
}

// WithFactory swaps the uploader construction, for tests with mock
// destinations.
func (r *Router) WithFactory(factory Factory) *Router {
	r.factory = factory
	return r
}

func (r *Router) defaultFactory(ctx context.Context, cfg *project.ProjectConfig) (Uploader, error) {
	switch cfg.Destination.DICOM {
	case project.DestinationFTPS:
		return NewFTPSUploader(ctx, cfg.Slug, cfg.KVAlias(), r.resolver)
	case project.DestinationDICOMWeb:
		return NewDICOMWebUploader(ctx, cfg.Slug, cfg.KVAlias(), r.resolver)
	case project.DestinationXNAT:
		return NewXNATUploader(ctx, cfg.Slug, cfg.KVAlias(), cfg.XNATOptions, r.resolver)
	case project.DestinationNone:
		return nil, nil
	default:
		return nil, pixlerrors.Newf(pixlerrors.KindConfigInvalid,
			"unknown DICOM destination %q", cfg.Destination.DICOM)
	}
}

// ExportStudy uploads one anonymised study to the project's destination.
// Transient upload failures are retried with backoff before surfacing.
func (r *Router) ExportStudy(ctx context.Context, cfg *project.ProjectConfig, study Study) (UploadReceipt, error) {
	uploader, err := r.factory(ctx, cfg)
	if err != nil {
		return UploadReceipt{}, err
	}
	if uploader == nil {
		r.logger.InfowCtx(ctx, "Project has no DICOM destination, skipping upload")
		return UploadReceipt{Destination: string(project.DestinationNone)}, nil
	}
	defer uploader.Close()

	var receipt UploadReceipt
	err = retry.Do(ctx, retry.DefaultPolicy(), func() error {
		var uploadErr error
		receipt, uploadErr = uploader.UploadStudy(ctx, study)
		return uploadErr
	})

	destination := string(cfg.Destination.DICOM)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues(destination, "failed").Inc()
		return UploadReceipt{}, err
	}
	metrics.ExportsTotal.WithLabelValues(destination, "ok").Inc()
	r.logger.InfowCtx(ctx, "Exported study",
		"destination", receipt.Destination,
		"location", receipt.Location,
		"bytes", receipt.Bytes,
	)
	return receipt, nil
}

// ExportTabular uploads a parquet extract tree to the project's parquet
// destination.
func (r *Router) ExportTabular(ctx context.Context, cfg *project.ProjectConfig, extract TabularExtract) (UploadReceipt, error) {
	if cfg.Destination.Parquet == project.DestinationNone {
		r.logger.InfowCtx(ctx, "Project has no parquet destination, skipping upload")
		return UploadReceipt{Destination: string(project.DestinationNone)}, nil
	}

	uploader, err := NewFTPSUploader(ctx, cfg.Slug, cfg.KVAlias(), r.resolver)
	if err != nil {
		return UploadReceipt{}, err
	}
	defer uploader.Close()

	var receipt UploadReceipt
	err = retry.Do(ctx, retry.DefaultPolicy(), func() error {
		var uploadErr error
		receipt, uploadErr = uploader.UploadTabular(ctx, extract)
		return uploadErr
	})
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("ftps_parquet", "failed").Inc()
		return UploadReceipt{}, err
	}
	metrics.ExportsTotal.WithLabelValues("ftps_parquet", "ok").Inc()
	return receipt, nil
}
