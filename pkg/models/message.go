package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority levels accepted on the imaging queues. The queues are declared
// with x-max-priority = PriorityMax; anything outside the range is rejected
// before publishing.
const (
	PriorityMin = 1
	PriorityMax = 5
)

// ExtractRequest is the payload of one imaging extract message. The pair
// (MRN, AccessionNumber) identifies a study; when StudyUID is set it takes
// precedence for matching.
type ExtractRequest struct {
	ID                    string    `json:"id"`
	MRN                   string    `json:"mrn"`
	AccessionNumber       string    `json:"accession_number"`
	StudyUID              string    `json:"study_uid,omitempty"`
	StudyDatetime         time.Time `json:"study_datetime"`
	ProcedureOccurrenceID string    `json:"procedure_occurrence_id,omitempty"`
	ProjectName           string    `json:"project_name"`
	ExtractDatetime       time.Time `json:"extract_datetime"`
	Priority              int       `json:"priority"`
}

// Identifier is the human-readable handle used in logs.
func (r ExtractRequest) Identifier() string {
	if r.StudyUID != "" {
		return fmt.Sprintf("%s/%s", r.ProjectName, r.StudyUID)
	}
	return fmt.Sprintf("%s/%s/%s", r.ProjectName, r.MRN, r.AccessionNumber)
}

// StudyKey is the ledger key for this request: the study UID when known,
// otherwise the (MRN, accession) pair.
func (r ExtractRequest) StudyKey() string {
	if r.StudyUID != "" {
		return r.StudyUID
	}
	return r.MRN + "/" + r.AccessionNumber
}

func (r ExtractRequest) Validate() error {
	if r.MRN == "" && r.StudyUID == "" {
		return fmt.Errorf("extract request requires an MRN or a study UID")
	}
	if r.AccessionNumber == "" && r.StudyUID == "" {
		return fmt.Errorf("extract request requires an accession number or a study UID")
	}
	if r.ProjectName == "" {
		return fmt.Errorf("extract request requires a project name")
	}
	if r.Priority < PriorityMin || r.Priority > PriorityMax {
		return fmt.Errorf("priority %d outside [%d, %d]", r.Priority, PriorityMin, PriorityMax)
	}
	return nil
}

// Serialise encodes the request as the JSON wire format.
func (r ExtractRequest) Serialise() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// Deserialise decodes a wire message back into an ExtractRequest.
func Deserialise(body []byte) (ExtractRequest, error) {
	var req ExtractRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ExtractRequest{}, fmt.Errorf("failed to decode extract request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return ExtractRequest{}, err
	}
	return req, nil
}
