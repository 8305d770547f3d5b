package anonymiser

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"pixl/internal/project"
	pixlerrors "pixl/pkg/errors"
	"pixl/pkg/metrics"
	"pixl/pkg/retry"
)

// SourceInstance is one raw-cache instance handed to the anonymiser. Read
// pulls the DICOM bytes on demand so a large study never sits fully in
// memory before it is needed.
type SourceInstance struct {
	SOPInstanceUID string
	Read           func(ctx context.Context) ([]byte, error)
}

// AnonymisedInstance is one rewritten instance ready for export.
type AnonymisedInstance struct {
	SOPInstanceUID    string
	SeriesInstanceUID string
	Bytes             []byte
}

// Result is the outcome of anonymising one study.
type Result struct {
	StudyUID        string
	PseudoPatientID string
	Instances       []AnonymisedInstance
	Skipped         int
}

// StudyAnonymiser rewrites the instances of one study (or of several source
// studies merged under one regenerated StudyInstanceUID). It is confined to
// a single worker; nothing here is shared across studies.
type StudyAnonymiser struct {
	project    *project.ProjectConfig
	salt       []byte
	uids       *UIDMap
	offsetDays int
	anonStudy  string
}

// NewStudyAnonymiser prepares the per-study state: the date-shift offset
// seeded from the first source study UID, and the UID map pre-aliased so
// every merged source study maps to the same anonymised StudyInstanceUID.
func NewStudyAnonymiser(cfg *project.ProjectConfig, salt []byte, uidRoot string, spanDays int, sourceStudyUIDs []string) (*StudyAnonymiser, error) {
	if len(sourceStudyUIDs) == 0 {
		return nil, fmt.Errorf("at least one source study UID is required")
	}

	uids := NewUIDMap(uidRoot, salt)
	anonStudy := uids.Map(sourceStudyUIDs[0])
	for _, uid := range sourceStudyUIDs[1:] {
		uids.Alias(uid, anonStudy)
	}

	return &StudyAnonymiser{
		project:    cfg,
		salt:       salt,
		uids:       uids,
		offsetDays: DateShiftOffsetDays(salt, sourceStudyUIDs[0], spanDays),
		anonStudy:  anonStudy,
	}, nil
}

// AnonStudyUID is the regenerated StudyInstanceUID shared by every output
// instance.
func (a *StudyAnonymiser) AnonStudyUID() string {
	return a.anonStudy
}

// OffsetDays exposes the study's date shift, for tests and diagnostics.
func (a *StudyAnonymiser) OffsetDays() int {
	return a.offsetDays
}

// parsedInstance carries the metadata the skip rules need alongside the
// parsed dataset.
type parsedInstance struct {
	sopUID       string
	seriesUID    string
	seriesDesc   string
	seriesNumber int
	modality     string
	manufacturer string
	patientID    string
	ds           dicom.Dataset
}

// AnonymiseStudy runs the whole study through the tag scheme. A single
// failing instance fails the study; skipped instances are not failures.
func (a *StudyAnonymiser) AnonymiseStudy(ctx context.Context, instances []SourceInstance) (*Result, error) {
	parsed, skipped, err := a.loadInstances(ctx, instances)
	if err != nil {
		return nil, err
	}

	// min_instances_per_series is a study-level decision made before any
	// per-instance rewriting.
	usable := a.filterThinSeries(parsed, &skipped)
	if len(usable) == 0 {
		return nil, pixlerrors.Newf(pixlerrors.KindAnonymisationFailure,
			"no usable instances after applying project filters (%d skipped)", skipped)
	}

	// Deterministic SOPInstanceUID-hash order keeps UID regeneration
	// reproducible across re-runs.
	sort.Slice(usable, func(i, j int) bool {
		return a.sopOrder(usable[i].sopUID) < a.sopOrder(usable[j].sopUID)
	})

	result := &Result{
		StudyUID:        a.anonStudy,
		PseudoPatientID: PseudoPatientID(a.salt, usable[0].patientID),
		Skipped:         skipped,
	}

	for i := range usable {
		anonymised, err := a.anonymiseInstance(&usable[i])
		if err != nil {
			metrics.AnonymisedInstancesTotal.WithLabelValues(a.project.Slug, "failed").Inc()
			return nil, err
		}
		metrics.AnonymisedInstancesTotal.WithLabelValues(a.project.Slug, "ok").Inc()
		result.Instances = append(result.Instances, *anonymised)
	}

	return result, nil
}

func (a *StudyAnonymiser) loadInstances(ctx context.Context, instances []SourceInstance) ([]parsedInstance, int, error) {
	var parsed []parsedInstance
	skipped := 0

	readPolicy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
	}

	for _, instance := range instances {
		var raw []byte
		err := retry.Do(ctx, readPolicy, func() error {
			var readErr error
			raw, readErr = instance.Read(ctx)
			return readErr
		})
		if err != nil {
			return nil, 0, pixlerrors.Wrap(pixlerrors.KindAnonymisationFailure,
				fmt.Sprintf("failed to read instance %s from raw cache", instance.SOPInstanceUID), err)
		}

		ds, err := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
		if err != nil {
			return nil, 0, pixlerrors.Wrap(pixlerrors.KindAnonymisationFailure,
				fmt.Sprintf("failed to parse instance %s", instance.SOPInstanceUID), err)
		}

		pi := parsedInstance{
			sopUID:       instance.SOPInstanceUID,
			seriesUID:    datasetString(ds, tag.SeriesInstanceUID),
			seriesDesc:   datasetString(ds, tag.SeriesDescription),
			modality:     datasetString(ds, tag.Modality),
			manufacturer: datasetString(ds, tag.Manufacturer),
			patientID:    datasetString(ds, tag.PatientID),
			ds:           ds,
		}
		if n, err := strconv.Atoi(datasetString(ds, tag.SeriesNumber)); err == nil {
			pi.seriesNumber = n
		}

		if reason := a.skipReason(&pi); reason != "" {
			skipped++
			metrics.AnonymisedInstancesTotal.WithLabelValues(a.project.Slug, "skipped").Inc()
			continue
		}
		parsed = append(parsed, pi)
	}
	return parsed, skipped, nil
}

// skipReason evaluates the per-instance skip conditions; a non-empty reason
// means SkipInstance, never an error.
func (a *StudyAnonymiser) skipReason(pi *parsedInstance) string {
	if !a.project.AllowsModality(pi.modality) {
		return fmt.Sprintf("modality %s not in project allowlist", pi.modality)
	}
	if a.project.IsSeriesExcluded(pi.seriesDesc) {
		return fmt.Sprintf("series description %q matches a project filter", pi.seriesDesc)
	}
	if !a.project.AllowsManufacturer(pi.manufacturer, pi.seriesNumber) {
		return fmt.Sprintf("manufacturer %q not allowed for series %d", pi.manufacturer, pi.seriesNumber)
	}
	return ""
}

func (a *StudyAnonymiser) filterThinSeries(parsed []parsedInstance, skipped *int) []parsedInstance {
	if a.project.MinInstancesPerSeries <= 1 {
		return parsed
	}
	counts := make(map[string]int)
	for i := range parsed {
		counts[parsed[i].seriesUID]++
	}
	usable := parsed[:0]
	for i := range parsed {
		if counts[parsed[i].seriesUID] >= a.project.MinInstancesPerSeries {
			usable = append(usable, parsed[i])
		} else {
			*skipped++
		}
	}
	return usable
}

func (a *StudyAnonymiser) sopOrder(sopUID string) string {
	return fmt.Sprintf("%x", keyedDigest(a.salt, []byte(sopUID)))
}

// anonymiseInstance rewrites one dataset and revalidates it. Only issues
// introduced by the rewrite count against the study.
func (a *StudyAnonymiser) anonymiseInstance(pi *parsedInstance) (*AnonymisedInstance, error) {
	before := Validate(pi.ds)

	scheme := a.project.ResolveScheme(pi.manufacturer)
	if err := a.rewriteDataset(&pi.ds, scheme); err != nil {
		return nil, pixlerrors.Wrap(pixlerrors.KindAnonymisationFailure,
			fmt.Sprintf("failed to rewrite instance %s", pi.sopUID), err)
	}

	after := Validate(pi.ds)
	if introduced := NewIssues(before, after); hasErrors(introduced) {
		return nil, pixlerrors.Newf(pixlerrors.KindValidationFailure,
			"anonymisation introduced %d validation errors in instance %s: %s",
			countErrors(introduced), pi.sopUID, introduced[0].Message)
	}

	var buf bytes.Buffer
	err := dicom.Write(&buf, pi.ds,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	)
	if err != nil {
		return nil, pixlerrors.Wrap(pixlerrors.KindAnonymisationFailure,
			fmt.Sprintf("failed to serialise instance %s", pi.sopUID), err)
	}

	return &AnonymisedInstance{
		SOPInstanceUID:    a.uids.Map(pi.sopUID),
		SeriesInstanceUID: a.uids.Map(pi.seriesUID),
		Bytes:             buf.Bytes(),
	}, nil
}

// rewriteDataset applies the resolved scheme to every element, recursing
// into sequence items. Elements without an operation are deleted, as are
// private tags not explicitly listed.
func (a *StudyAnonymiser) rewriteDataset(ds *dicom.Dataset, scheme map[uint32]project.TagOperation) error {
	rewritten, err := a.rewriteElements(ds.Elements, scheme)
	if err != nil {
		return err
	}
	ds.Elements = rewritten
	return nil
}

func (a *StudyAnonymiser) rewriteElements(elements []*dicom.Element, scheme map[uint32]project.TagOperation) ([]*dicom.Element, error) {
	out := make([]*dicom.Element, 0, len(elements))

	for _, elem := range elements {
		key := uint32(elem.Tag.Group)<<16 | uint32(elem.Tag.Element)

		// File meta elements are structural; keep them but remap the SOP
		// instance reference so it matches the rewritten dataset.
		if elem.Tag.Group == 0x0002 {
			if elem.Tag == tag.MediaStorageSOPInstanceUID {
				mapped, err := rewriteElement(elem, a.uids.Map(stringValueOf(elem)))
				if err != nil {
					return nil, err
				}
				out = append(out, mapped)
				continue
			}
			out = append(out, elem)
			continue
		}

		op, listed := scheme[key]
		if !listed {
			// Default for unlisted elements is delete; private tags are
			// never implicitly kept.
			continue
		}
		if elem.Tag.Group%2 == 1 && op.Op == project.OpKeep {
			// Explicitly listed private tags with keep are retained as they
			// are; other listed operations apply below as for public tags.
			out = append(out, elem)
			continue
		}

		if elem.Value != nil && elem.Value.ValueType() == dicom.Sequences {
			switch op.Op {
			case project.OpKeep:
				recursed, err := a.rewriteSequence(elem, scheme)
				if err != nil {
					return nil, err
				}
				out = append(out, recursed)
			case project.OpDelete:
			default:
				return nil, fmt.Errorf("operation %s not applicable to sequence (%04x,%04x)",
					op.Op, elem.Tag.Group, elem.Tag.Element)
			}
			continue
		}

		action, value, err := a.applyOperation(op, elem.RawValueRepresentation, stringValueOf(elem))
		if err != nil {
			return nil, err
		}
		switch action {
		case actionKeep:
			out = append(out, elem)
		case actionRewrite:
			mapped, err := rewriteElement(elem, value)
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		case actionDrop:
		}
	}

	return out, nil
}

// rewriteSequence recurses into a kept sequence, applying the same scheme
// to each item's elements.
func (a *StudyAnonymiser) rewriteSequence(elem *dicom.Element, scheme map[uint32]project.TagOperation) (*dicom.Element, error) {
	items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return elem, nil
	}

	rewrittenItems := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		itemElements, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			continue
		}
		rewritten, err := a.rewriteElements(itemElements, scheme)
		if err != nil {
			return nil, err
		}
		rewrittenItems = append(rewrittenItems, rewritten)
	}

	newValue, err := dicom.NewValue(rewrittenItems)
	if err != nil {
		return nil, fmt.Errorf("could not rebuild sequence (%04x,%04x): %w",
			elem.Tag.Group, elem.Tag.Element, err)
	}
	return &dicom.Element{
		Tag:                    elem.Tag,
		ValueRepresentation:    elem.ValueRepresentation,
		RawValueRepresentation: elem.RawValueRepresentation,
		Value:                  newValue,
	}, nil
}

func datasetString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	return stringValueOf(elem)
}
