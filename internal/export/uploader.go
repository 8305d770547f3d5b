package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"time"

	"pixl/internal/anonymiser"
)

// Study is one anonymised study ready for export.
type Study struct {
	ProjectSlug     string
	PseudoPatientID string
	AnonStudyUID    string
	Instances       []anonymiser.AnonymisedInstance
}

// TabularExtract is a local tree of parquet files to publish alongside the
// imaging data.
type TabularExtract struct {
	ProjectSlug     string
	ExtractDatetime time.Time
	LocalRoot       string
}

// ExtractTimeSlug renders the extract datetime the way remote directories
// are named.
func (t TabularExtract) ExtractTimeSlug() string {
	return t.ExtractDatetime.UTC().Format("2006-01-02t15-04-05")
}

// UploadReceipt records where one upload landed.
type UploadReceipt struct {
	Destination string
	Location    string
	Bytes       int64
	UploadedAt  time.Time
}

// Uploader is the single capability interface every destination implements.
// Destinations that do not support a payload type return an error rather
// than silently dropping it.
type Uploader interface {
	UploadStudy(ctx context.Context, study Study) (UploadReceipt, error)
	UploadTabular(ctx context.Context, extract TabularExtract) (UploadReceipt, error)
	Close() error
}

// zipStudy packs a study's instances into one zip, one entry per instance
// under its series directory.
func zipStudy(study Study) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, instance := range study.Instances {
		name := fmt.Sprintf("%s/%s.dcm", instance.SeriesInstanceUID, instance.SOPInstanceUID)
		entry, err := w.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create zip entry %s: %w", name, err)
		}
		if _, err := entry.Write(instance.Bytes); err != nil {
			return nil, fmt.Errorf("failed to write zip entry %s: %w", name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalise study zip: %w", err)
	}
	return buf.Bytes(), nil
}
