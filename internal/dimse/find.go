package dimse

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StudyQuery identifies studies either by UID or by (patient ID, accession).
type StudyQuery struct {
	StudyInstanceUID string
	PatientID        string
	AccessionNumber  string
}

// StudyResult is one study-level C-FIND answer.
type StudyResult struct {
	StudyInstanceUID string
	PatientID        string
	AccessionNumber  string
	Modalities       []string
	NumInstances     int
}

// InstanceResult is one image-level C-FIND answer.
type InstanceResult struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// FindStudies runs a study-root STUDY-level C-FIND.
func (a *Association) FindStudies(ctx context.Context, query StudyQuery, timeout time.Duration) ([]StudyResult, error) {
	identifier := newElementBuilder()
	identifier.setString(TagQueryRetrieveLevel, "STUDY")
	if query.StudyInstanceUID != "" {
		identifier.setString(TagStudyInstanceUID, query.StudyInstanceUID)
	} else {
		identifier.setString(TagPatientID, query.PatientID)
		identifier.setString(TagAccessionNumber, query.AccessionNumber)
		identifier.setEmpty(TagStudyInstanceUID)
	}
	identifier.setEmpty(TagModalitiesInStudy)
	identifier.setEmpty(TagNumberOfStudyInstances)

	datasets, err := a.find(ctx, identifier, timeout)
	if err != nil {
		return nil, err
	}

	results := make([]StudyResult, 0, len(datasets))
	for _, ds := range datasets {
		results = append(results, StudyResult{
			StudyInstanceUID: ds.stringValue(TagStudyInstanceUID),
			PatientID:        ds.stringValue(TagPatientID),
			AccessionNumber:  ds.stringValue(TagAccessionNumber),
			Modalities:       splitMultiValue(ds.stringValue(TagModalitiesInStudy)),
			NumInstances:     ds.intValue(TagNumberOfStudyInstances),
		})
	}
	return results, nil
}

// FindInstances runs an IMAGE-level C-FIND listing every SOP instance of a
// study, used for missing-instance repair.
func (a *Association) FindInstances(ctx context.Context, studyUID string, timeout time.Duration) ([]InstanceResult, error) {
	identifier := newElementBuilder()
	identifier.setString(TagQueryRetrieveLevel, "IMAGE")
	identifier.setString(TagStudyInstanceUID, studyUID)
	identifier.setEmpty(TagSeriesInstanceUID)
	identifier.setEmpty(TagSOPInstanceUID)

	datasets, err := a.find(ctx, identifier, timeout)
	if err != nil {
		return nil, err
	}

	results := make([]InstanceResult, 0, len(datasets))
	for _, ds := range datasets {
		results = append(results, InstanceResult{
			StudyInstanceUID:  ds.stringValue(TagStudyInstanceUID),
			SeriesInstanceUID: ds.stringValue(TagSeriesInstanceUID),
			SOPInstanceUID:    ds.stringValue(TagSOPInstanceUID),
		})
	}
	return results, nil
}

func (a *Association) find(ctx context.Context, identifier *elementBuilder, timeout time.Duration) ([]elementSet, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	a.setDeadline(ctx, timeout)

	ctxID, err := a.contextID(StudyRootFind)
	if err != nil {
		return nil, err
	}

	cmd := newElementBuilder()
	cmd.setString(tagAffectedSOPClassUID, StudyRootFind)
	cmd.setUint16(tagCommandField, commandCFindRQ)
	cmd.setUint16(tagMessageID, a.nextMessageID())
	cmd.setUint16(tagPriority, 0)
	cmd.setUint16(tagCommandDataSetType, 0x0001)

	if err := a.sendMessage(ctxID, cmd.encodeCommand(), identifier.encode()); err != nil {
		return nil, fmt.Errorf("failed to send C-FIND-RQ: %w", err)
	}

	var results []elementSet
	for {
		rsp, dataset, err := a.receiveMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to receive C-FIND-RSP: %w", err)
		}

		switch status := rsp.status(); status {
		case statusPending, statusPendingWarning:
			if len(dataset) > 0 {
				ds, err := parseElements(dataset)
				if err != nil {
					return nil, fmt.Errorf("failed to parse C-FIND identifier: %w", err)
				}
				results = append(results, ds)
			}
		case statusSuccess:
			return results, nil
		default:
			return nil, fmt.Errorf("C-FIND failed with status 0x%04x", status)
		}
	}
}

func splitMultiValue(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, "\\")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
