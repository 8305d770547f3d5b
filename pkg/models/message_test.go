package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() ExtractRequest {
	return ExtractRequest{
		ID:              "msg-1",
		MRN:             "M1",
		AccessionNumber: "A1",
		StudyDatetime:   time.Date(2023, 4, 12, 9, 30, 0, 0, time.UTC),
		ProjectName:     "p1",
		ExtractDatetime: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
		Priority:        3,
	}
}

func TestExtractRequest_RoundTrip(t *testing.T) {
	req := validRequest()
	req.StudyUID = "1.2.3.4"
	req.ProcedureOccurrenceID = "42"

	body, err := req.Serialise()
	require.NoError(t, err)

	decoded, err := Deserialise(body)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestExtractRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*ExtractRequest)
		wantError bool
	}{
		{
			name:   "valid",
			mutate: func(r *ExtractRequest) {},
		},
		{
			name: "missing mrn without study uid",
			mutate: func(r *ExtractRequest) {
				r.MRN = ""
			},
			wantError: true,
		},
		{
			name: "study uid substitutes for mrn and accession",
			mutate: func(r *ExtractRequest) {
				r.MRN = ""
				r.AccessionNumber = ""
				r.StudyUID = "1.2.3"
			},
		},
		{
			name: "missing project",
			mutate: func(r *ExtractRequest) {
				r.ProjectName = ""
			},
			wantError: true,
		},
		{
			name: "priority too high",
			mutate: func(r *ExtractRequest) {
				r.Priority = 6
			},
			wantError: true,
		},
		{
			name: "priority too low",
			mutate: func(r *ExtractRequest) {
				r.Priority = 0
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtractRequest_StudyKey(t *testing.T) {
	req := validRequest()
	assert.Equal(t, "M1/A1", req.StudyKey())

	req.StudyUID = "1.2.3.4"
	assert.Equal(t, "1.2.3.4", req.StudyKey())
}

func TestDeserialise_Malformed(t *testing.T) {
	_, err := Deserialise([]byte("not json"))
	assert.Error(t, err)
}
