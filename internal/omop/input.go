package omop

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"pixl/pkg/models"
)

// ExtractSummary is the metadata file accompanying an OMOP extract.
type ExtractSummary struct {
	Datetime time.Time `json:"datetime"`
	Settings struct {
		CDMSourceName         string `json:"cdm_source_name"`
		CDMSourceAbbreviation string `json:"cdm_source_abbreviation"`
	} `json:"settings"`
}

// ProjectSlug normalises the source name the way project config files are
// named.
func (s ExtractSummary) ProjectSlug() string {
	slug := strings.ToLower(strings.TrimSpace(s.Settings.CDMSourceName))
	return strings.ReplaceAll(slug, " ", "-")
}

func ReadSummary(dir string) (ExtractSummary, error) {
	data, err := os.ReadFile(filepath.Join(dir, "extract_summary.json"))
	if err != nil {
		return ExtractSummary{}, fmt.Errorf("failed to read extract summary: %w", err)
	}
	var summary ExtractSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return ExtractSummary{}, fmt.Errorf("failed to parse extract summary: %w", err)
	}
	if summary.Settings.CDMSourceName == "" {
		return ExtractSummary{}, fmt.Errorf("extract summary missing cdm_source_name")
	}
	return summary, nil
}

type personLink struct {
	PersonID   int64  `parquet:"person_id"`
	PrimaryMrn string `parquet:"PrimaryMrn"`
}

type procedureOccurrence struct {
	ProcedureOccurrenceID int64     `parquet:"procedure_occurrence_id"`
	PersonID              int64     `parquet:"person_id"`
	ProcedureDate         time.Time `parquet:"procedure_date"`
}

type procedureLink struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	AccessionNumber       string `parquet:"AccessionNumber"`
}

// MessagesFromParquet joins the OMOP extract tables into extract requests:
// people on person_id, accessions on procedure_occurrence_id.
func MessagesFromParquet(dir string, priority int) ([]models.ExtractRequest, error) {
	summary, err := ReadSummary(dir)
	if err != nil {
		return nil, err
	}

	people, err := parquet.ReadFile[personLink](filepath.Join(dir, "private", "PERSON_LINKS.parquet"))
	if err != nil {
		return nil, fmt.Errorf("failed to read PERSON_LINKS: %w", err)
	}
	procedures, err := parquet.ReadFile[procedureOccurrence](filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"))
	if err != nil {
		return nil, fmt.Errorf("failed to read PROCEDURE_OCCURRENCE: %w", err)
	}
	accessions, err := parquet.ReadFile[procedureLink](filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"))
	if err != nil {
		return nil, fmt.Errorf("failed to read PROCEDURE_OCCURRENCE_LINKS: %w", err)
	}

	mrnByPerson := make(map[int64]string, len(people))
	for _, person := range people {
		mrnByPerson[person.PersonID] = person.PrimaryMrn
	}
	accessionByProcedure := make(map[int64]string, len(accessions))
	for _, link := range accessions {
		accessionByProcedure[link.ProcedureOccurrenceID] = link.AccessionNumber
	}

	var requests []models.ExtractRequest
	for _, procedure := range procedures {
		mrn, ok := mrnByPerson[procedure.PersonID]
		if !ok {
			continue
		}
		accession, ok := accessionByProcedure[procedure.ProcedureOccurrenceID]
		if !ok {
			continue
		}
		requests = append(requests, models.ExtractRequest{
			ID:                    uuid.NewString(),
			MRN:                   mrn,
			AccessionNumber:       accession,
			StudyDatetime:         procedure.ProcedureDate,
			ProcedureOccurrenceID: fmt.Sprintf("%d", procedure.ProcedureOccurrenceID),
			ProjectName:           summary.ProjectSlug(),
			ExtractDatetime:       summary.Datetime,
			Priority:              priority,
		})
	}

	if len(requests) == 0 {
		return nil, fmt.Errorf("no messages found in %s", dir)
	}
	return requests, nil
}

// MessagesFromCSV reads rows of
// (project-slug, MRN, accession, study-UID?, study-datetime).
func MessagesFromCSV(path string, priority int) ([]models.ExtractRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var requests []models.ExtractRequest
	now := time.Now().UTC()
	line := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		line++
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "project_name") {
			continue // header
		}
		if len(row) < 5 {
			return nil, fmt.Errorf("CSV row %d has %d fields, expected 5", line, len(row))
		}

		studyDatetime, err := time.Parse(time.RFC3339, strings.TrimSpace(row[4]))
		if err != nil {
			// Date-only extracts are common in hand-written CSVs.
			studyDatetime, err = time.Parse("2006-01-02", strings.TrimSpace(row[4]))
			if err != nil {
				return nil, fmt.Errorf("CSV row %d: unparseable study datetime %q", line, row[4])
			}
		}

		requests = append(requests, models.ExtractRequest{
			ID:              uuid.NewString(),
			ProjectName:     strings.TrimSpace(row[0]),
			MRN:             strings.TrimSpace(row[1]),
			AccessionNumber: strings.TrimSpace(row[2]),
			StudyUID:        strings.TrimSpace(row[3]),
			StudyDatetime:   studyDatetime,
			ExtractDatetime: now,
			Priority:        priority,
		})
	}

	if len(requests) == 0 {
		return nil, fmt.Errorf("no messages found in %s", path)
	}
	return requests, nil
}
