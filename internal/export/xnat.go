package export

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pixl/internal/project"
	"pixl/internal/secrets"
	pixlerrors "pixl/pkg/errors"
)

// XNATUploader imports DICOM zips into an XNAT project whose ID equals the
// project slug. Subject is the pseudonymised patient, session the
// anonymised study.
type XNATUploader struct {
	projectSlug string
	baseURL     string
	username    string
	password    string
	options     project.XNATDestinationOptions
	client      *http.Client
}

func NewXNATUploader(ctx context.Context, projectSlug, kvAlias string, options project.XNATDestinationOptions, resolver secrets.Resolver) (*XNATUploader, error) {
	fetch := func(field string) (string, error) {
		v, err := resolver.Fetch(ctx, secrets.XNATSecret(kvAlias, field))
		if err != nil {
			return "", err
		}
		return string(v), nil
	}

	host, err := fetch("host")
	if err != nil {
		return nil, err
	}
	port, err := fetch("port")
	if err != nil {
		return nil, err
	}
	username, err := fetch("username")
	if err != nil {
		return nil, err
	}
	password, err := fetch("password")
	if err != nil {
		return nil, err
	}

	return &XNATUploader{
		projectSlug: projectSlug,
		baseURL:     fmt.Sprintf("https://%s:%s", host, strings.TrimSpace(port)),
		username:    username,
		password:    password,
		options:     options,
		client:      &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (u *XNATUploader) UploadStudy(ctx context.Context, study Study) (UploadReceipt, error) {
	payload, err := zipStudy(study)
	if err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to build study zip", err)
	}

	params := url.Values{}
	params.Set("import-handler", "DICOM-zip")
	params.Set("inbody", "true")
	params.Set("project", u.projectSlug)
	params.Set("subject", study.PseudoPatientID)
	params.Set("session", study.AnonStudyUID)
	params.Set("dest", "/"+u.options.Destination)
	if u.options.Overwrite != "none" {
		params.Set("overwrite", u.options.Overwrite)
	}

	importURL := u.baseURL + "/data/services/import?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, importURL, bytes.NewReader(payload))
	if err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to build XNAT request", err)
	}
	req.Header.Set("Content-Type", "application/zip")
	req.SetBasicAuth(u.username, u.password)

	resp, err := u.client.Do(req)
	if err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "XNAT import failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return UploadReceipt{}, pixlerrors.Newf(pixlerrors.KindUploadFailure,
			"XNAT returned status %d importing study %s", resp.StatusCode, study.AnonStudyUID)
	}

	return UploadReceipt{
		Destination: "xnat",
		Location:    fmt.Sprintf("%s/%s/%s", u.projectSlug, study.PseudoPatientID, study.AnonStudyUID),
		Bytes:       int64(len(payload)),
		UploadedAt:  time.Now().UTC(),
	}, nil
}

func (u *XNATUploader) UploadTabular(_ context.Context, _ TabularExtract) (UploadReceipt, error) {
	return UploadReceipt{}, pixlerrors.Newf(pixlerrors.KindUploadFailure,
		"xnat destination does not accept tabular extracts")
}

func (u *XNATUploader) Close() error {
	u.username = ""
	u.password = ""
	u.client.CloseIdleConnections()
	return nil
}
