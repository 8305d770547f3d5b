package rawcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pixl/internal/config"
	"pixl/internal/constants"
)

// Instance is one SOP instance as held by the raw cache.
type Instance struct {
	ID                string
	SOPInstanceUID    string
	SeriesInstanceUID string
}

// StudyStats is the store's accounting for one study.
type StudyStats struct {
	DiskSizeMB   int
	NumInstances int
}

// Store is the contract the coordinator needs from the raw DICOM store. It
// receives C-STOREs on its own AE; everything here goes over its REST API.
type Store interface {
	// FindStudyID resolves a StudyInstanceUID to the store's resource ID.
	FindStudyID(ctx context.Context, studyUID string) (string, bool, error)
	ListInstances(ctx context.Context, studyID string) ([]Instance, error)
	InstanceBytes(ctx context.Context, instanceID string) ([]byte, error)
	StudyStatistics(ctx context.Context, studyID string) (StudyStats, error)
	LastUpdate(ctx context.Context, studyID string) (time.Time, error)
	ListStudies(ctx context.Context) ([]StudySummary, error)
	DeleteStudy(ctx context.Context, studyID string) error
}

// StudySummary pairs a store resource ID with the study's DICOM identity.
type StudySummary struct {
	ID       string
	StudyUID string
}

// HTTPStore talks to an Orthanc-compatible REST API.
type HTTPStore struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewHTTPStore(cfg config.RawCacheConfig) *HTTPStore {
	return &HTTPStore{
		baseURL:  cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: constants.DefaultHTTPTimeout},
	}
}

func (s *HTTPStore) FindStudyID(ctx context.Context, studyUID string) (string, bool, error) {
	query := map[string]interface{}{
		"Level": "Study",
		"Query": map[string]string{"StudyInstanceUID": studyUID},
	}
	var ids []string
	if err := s.post(ctx, "/tools/find", query, &ids); err != nil {
		return "", false, err
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (s *HTTPStore) ListInstances(ctx context.Context, studyID string) ([]Instance, error) {
	var study struct {
		Series []string `json:"Series"`
	}
	if err := s.get(ctx, "/studies/"+studyID, &study); err != nil {
		return nil, err
	}

	var instances []Instance
	for _, seriesID := range study.Series {
		var series struct {
			Instances     []string `json:"Instances"`
			MainDicomTags struct {
				SeriesInstanceUID string `json:"SeriesInstanceUID"`
			} `json:"MainDicomTags"`
		}
		if err := s.get(ctx, "/series/"+seriesID, &series); err != nil {
			return nil, err
		}
		for _, instanceID := range series.Instances {
			var instance struct {
				MainDicomTags struct {
					SOPInstanceUID string `json:"SOPInstanceUID"`
				} `json:"MainDicomTags"`
			}
			if err := s.get(ctx, "/instances/"+instanceID, &instance); err != nil {
				return nil, err
			}
			instances = append(instances, Instance{
				ID:                instanceID,
				SOPInstanceUID:    instance.MainDicomTags.SOPInstanceUID,
				SeriesInstanceUID: series.MainDicomTags.SeriesInstanceUID,
			})
		}
	}
	return instances, nil
}

func (s *HTTPStore) InstanceBytes(ctx context.Context, instanceID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/instances/"+instanceID+"/file", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.username, s.password)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("raw cache returned status %d for instance %s", resp.StatusCode, instanceID)
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPStore) StudyStatistics(ctx context.Context, studyID string) (StudyStats, error) {
	var stats struct {
		DiskSizeMB     json.Number `json:"DiskSizeMB"`
		CountInstances int         `json:"CountInstances"`
	}
	if err := s.get(ctx, "/studies/"+studyID+"/statistics", &stats); err != nil {
		return StudyStats{}, err
	}
	sizeMB, _ := stats.DiskSizeMB.Float64()
	return StudyStats{DiskSizeMB: int(sizeMB), NumInstances: stats.CountInstances}, nil
}

func (s *HTTPStore) LastUpdate(ctx context.Context, studyID string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/studies/"+studyID+"/metadata/LastUpdate", nil)
	if err != nil {
		return time.Time{}, err
	}
	req.SetBasicAuth(s.username, s.password)
	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("raw cache returned status %d for study metadata", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse("20060102T150405", string(bytes.Trim(body, "\" \n")))
}

func (s *HTTPStore) ListStudies(ctx context.Context) ([]StudySummary, error) {
	var ids []string
	if err := s.get(ctx, "/studies", &ids); err != nil {
		return nil, err
	}
	summaries := make([]StudySummary, 0, len(ids))
	for _, id := range ids {
		var study struct {
			MainDicomTags struct {
				StudyInstanceUID string `json:"StudyInstanceUID"`
			} `json:"MainDicomTags"`
		}
		if err := s.get(ctx, "/studies/"+id, &study); err != nil {
			return nil, err
		}
		summaries = append(summaries, StudySummary{ID: id, StudyUID: study.MainDicomTags.StudyInstanceUID})
	}
	return summaries, nil
}

func (s *HTTPStore) DeleteStudy(ctx context.Context, studyID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/studies/"+studyID, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.username, s.password)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("raw cache returned status %d deleting study %s", resp.StatusCode, studyID)
	}
	return nil
}

func (s *HTTPStore) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.username, s.password)
	return s.do(req, out)
}

func (s *HTTPStore) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.username, s.password)
	return s.do(req, out)
}

func (s *HTTPStore) do(req *http.Request, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("raw cache %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
