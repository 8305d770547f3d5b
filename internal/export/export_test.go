package export

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixl/internal/anonymiser"
	"pixl/internal/logger"
	"pixl/internal/project"
	"pixl/internal/secrets"
	pixlerrors "pixl/pkg/errors"
)

func testStudy() Study {
	return Study{
		ProjectSlug:     "p1",
		PseudoPatientID: "abcdef123456",
		AnonStudyUID:    "1.2.826.0.1.9999.1",
		Instances: []anonymiser.AnonymisedInstance{
			{SOPInstanceUID: "1.2.826.0.1.9999.1.1.1", SeriesInstanceUID: "1.2.826.0.1.9999.1.1", Bytes: []byte("DICM-one")},
			{SOPInstanceUID: "1.2.826.0.1.9999.1.1.2", SeriesInstanceUID: "1.2.826.0.1.9999.1.1", Bytes: []byte("DICM-two")},
		},
	}
}

func TestZipStudy_Layout(t *testing.T) {
	payload, err := zipStudy(testStudy())
	require.NoError(t, err)

	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	names := make(map[string][]byte)
	for _, file := range reader.File {
		rc, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		names[file.Name] = data
	}

	require.Len(t, names, 2)
	assert.Equal(t, []byte("DICM-one"), names["1.2.826.0.1.9999.1.1/1.2.826.0.1.9999.1.1.1.dcm"])
	assert.Equal(t, []byte("DICM-two"), names["1.2.826.0.1.9999.1.1/1.2.826.0.1.9999.1.1.2.dcm"])
}

func TestExtractTimeSlug(t *testing.T) {
	extract := TabularExtract{
		ExtractDatetime: time.Date(2023, 4, 12, 9, 30, 5, 0, time.UTC),
	}
	assert.Equal(t, "2023-04-12t09-30-05", extract.ExtractTimeSlug())
}

type recordedUpload struct {
	study Study
}

type mockUploader struct {
	uploads []recordedUpload
	err     error
}

func (m *mockUploader) UploadStudy(_ context.Context, study Study) (UploadReceipt, error) {
	if m.err != nil {
		return UploadReceipt{}, m.err
	}
	m.uploads = append(m.uploads, recordedUpload{study: study})
	return UploadReceipt{Destination: "mock", Location: study.PseudoPatientID + ".zip"}, nil
}

func (m *mockUploader) UploadTabular(context.Context, TabularExtract) (UploadReceipt, error) {
	return UploadReceipt{Destination: "mock"}, nil
}

func (m *mockUploader) Close() error { return nil }

func ftpsProject() *project.ProjectConfig {
	return &project.ProjectConfig{
		Slug:        "p1",
		Destination: project.DestinationSpec{DICOM: project.DestinationFTPS, Parquet: project.DestinationNone},
	}
}

func TestRouter_ExportStudy(t *testing.T) {
	mock := &mockUploader{}
	router := NewRouter(nil, logger.NopLogger()).WithFactory(
		func(context.Context, *project.ProjectConfig) (Uploader, error) {
			return mock, nil
		})

	receipt, err := router.ExportStudy(context.Background(), ftpsProject(), testStudy())
	require.NoError(t, err)
	assert.Equal(t, "abcdef123456.zip", receipt.Location)
	assert.Len(t, mock.uploads, 1)
}

func TestRouter_NoDestinationSkips(t *testing.T) {
	router := NewRouter(nil, logger.NopLogger())
	cfg := &project.ProjectConfig{
		Slug:        "p1",
		Destination: project.DestinationSpec{DICOM: project.DestinationNone, Parquet: project.DestinationNone},
	}

	receipt, err := router.ExportStudy(context.Background(), cfg, testStudy())
	require.NoError(t, err)
	assert.Equal(t, "none", receipt.Destination)
}

func TestRouter_PermanentFailureSurfaces(t *testing.T) {
	mock := &mockUploader{err: pixlerrors.Newf(pixlerrors.KindUploadFailure, "rejected").AsFatal()}
	router := NewRouter(nil, logger.NopLogger()).WithFactory(
		func(context.Context, *project.ProjectConfig) (Uploader, error) {
			return mock, nil
		})

	_, err := router.ExportStudy(context.Background(), ftpsProject(), testStudy())
	require.Error(t, err)
	assert.Equal(t, pixlerrors.KindUploadFailure, pixlerrors.KindOf(err))
}

func localSecrets(t *testing.T, values map[string]string) secrets.Resolver {
	t.Helper()
	dir := t.TempDir()
	for name, value := range values {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value), 0o600))
	}
	resolver, err := secrets.NewLocalDir(dir)
	require.NoError(t, err)
	return resolver
}

func TestDICOMWebUploader_STOW(t *testing.T) {
	var gotContentType, gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/studies", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resolver := localSecrets(t, map[string]string{
		"alias--dicomweb--url":      server.URL,
		"alias--dicomweb--username": "user",
		"alias--dicomweb--password": "pass",
	})

	uploader, err := NewDICOMWebUploader(context.Background(), "p1", "alias", resolver)
	require.NoError(t, err)
	defer uploader.Close()

	receipt, err := uploader.UploadStudy(context.Background(), testStudy())
	require.NoError(t, err)

	assert.Contains(t, gotContentType, `multipart/related; type="application/dicom"`)
	assert.NotEmpty(t, gotAuth)
	assert.Contains(t, string(gotBody), "DICM-one")
	assert.Equal(t, "dicomweb", receipt.Destination)
}

func TestDICOMWebUploader_RejectsTabular(t *testing.T) {
	resolver := localSecrets(t, map[string]string{
		"alias--dicomweb--url":      "http://example.invalid",
		"alias--dicomweb--username": "user",
		"alias--dicomweb--password": "pass",
	})
	uploader, err := NewDICOMWebUploader(context.Background(), "p1", "alias", resolver)
	require.NoError(t, err)

	_, err = uploader.UploadTabular(context.Background(), TabularExtract{})
	assert.Error(t, err)
}

func TestXNATUploader_ImportParameters(t *testing.T) {
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/data/services/import", r.URL.Path)
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	uploader := &XNATUploader{
		projectSlug: "p1",
		baseURL:     server.URL,
		username:    "user",
		password:    "pass",
		options:     project.XNATDestinationOptions{Overwrite: "delete", Destination: "prearchive"},
		client:      server.Client(),
	}

	study := testStudy()
	receipt, err := uploader.UploadStudy(context.Background(), study)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1"}, gotQuery["project"])
	assert.Equal(t, []string{study.PseudoPatientID}, gotQuery["subject"])
	assert.Equal(t, []string{study.AnonStudyUID}, gotQuery["session"])
	assert.Equal(t, []string{"/prearchive"}, gotQuery["dest"])
	assert.Equal(t, []string{"delete"}, gotQuery["overwrite"])
	assert.Equal(t, []string{"DICOM-zip"}, gotQuery["import-handler"])
	assert.Equal(t, "xnat", receipt.Destination)
}

func TestXNATUploader_OverwriteNoneOmitsParameter(t *testing.T) {
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	uploader := &XNATUploader{
		projectSlug: "p1",
		baseURL:     server.URL,
		options:     project.XNATDestinationOptions{Overwrite: "none", Destination: "archive"},
		client:      server.Client(),
	}

	_, err := uploader.UploadStudy(context.Background(), testStudy())
	require.NoError(t, err)
	assert.NotContains(t, gotQuery, "overwrite")
	assert.Equal(t, []string{"/archive"}, gotQuery["dest"])
}
