package omop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagesFromCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extract.csv")
	content := "project_name,mrn,accession_number,study_uid,study_datetime\n" +
		"p1,M1,A1,,2023-04-12T09:30:00Z\n" +
		"p1,M2,A2,1.2.3.4,2023-04-13\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	requests, err := MessagesFromCSV(path, 2)
	require.NoError(t, err)
	require.Len(t, requests, 2)

	first := requests[0]
	assert.Equal(t, "p1", first.ProjectName)
	assert.Equal(t, "M1", first.MRN)
	assert.Equal(t, "A1", first.AccessionNumber)
	assert.Empty(t, first.StudyUID)
	assert.Equal(t, 2, first.Priority)
	assert.NotEmpty(t, first.ID)

	second := requests[1]
	assert.Equal(t, "1.2.3.4", second.StudyUID)
	assert.Equal(t, 2023, second.StudyDatetime.Year())
}

func TestMessagesFromCSV_BadDatetime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extract.csv")
	require.NoError(t, os.WriteFile(path, []byte("p1,M1,A1,,soon\n"), 0o644))

	_, err := MessagesFromCSV(path, 1)
	assert.Error(t, err)
}

func TestMessagesFromCSV_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extract.csv")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	_, err := MessagesFromCSV(path, 1)
	assert.Error(t, err)
}

func TestReadSummary(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"datetime": "2023-04-12T09:30:00Z",
		"settings": {
			"cdm_source_name": "Test Project",
			"cdm_source_abbreviation": "abc123"
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract_summary.json"), []byte(content), 0o644))

	summary, err := ReadSummary(dir)
	require.NoError(t, err)
	assert.Equal(t, "test-project", summary.ProjectSlug())
	assert.Equal(t, "abc123", summary.Settings.CDMSourceAbbreviation)
	assert.Equal(t, 2023, summary.Datetime.Year())
}

func TestReadSummary_MissingSourceName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract_summary.json"), []byte(`{"settings":{}}`), 0o644))

	_, err := ReadSummary(dir)
	assert.Error(t, err)
}
