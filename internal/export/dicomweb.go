package export

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"pixl/internal/constants"
	"pixl/internal/secrets"
	pixlerrors "pixl/pkg/errors"
)

// DICOMWebUploader sends studies to a STOW-RS endpoint. The endpoint URL
// and credentials are project secrets resolved at batch start; the client
// is torn down after the batch.
type DICOMWebUploader struct {
	projectSlug string
	endpoint    string
	username    string
	password    string
	client      *http.Client
}

func NewDICOMWebUploader(ctx context.Context, projectSlug, kvAlias string, resolver secrets.Resolver) (*DICOMWebUploader, error) {
	fetch := func(field string) (string, error) {
		v, err := resolver.Fetch(ctx, secrets.DICOMWebSecret(kvAlias, field))
		if err != nil {
			return "", err
		}
		return string(v), nil
	}

	endpoint, err := fetch("url")
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

	return &DICOMWebUploader{
		projectSlug: projectSlug,
		endpoint:    endpoint,
		username:    username,
		password:    password,
		client:      &http.Client{Timeout: constants.DefaultHTTPTimeout},
	}, nil
}

// UploadStudy POSTs every instance of the study as one multipart/related
// STOW-RS request.
func (u *DICOMWebUploader) UploadStudy(ctx context.Context, study Study) (UploadReceipt, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for _, instance := range study.Instances {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/dicom")
		part, err := writer.CreatePart(header)
		if err != nil {
			return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to build STOW request", err)
		}
		if _, err := part.Write(instance.Bytes); err != nil {
			return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to build STOW request", err)
		}
	}
	if err := writer.Close(); err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to finalise STOW request", err)
	}

	size := int64(body.Len())
	url := u.endpoint + "/studies"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to build STOW request", err)
	}
	req.Header.Set("Content-Type",
		fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, writer.Boundary()))
	req.Header.Set("Accept", "application/dicom+json")
	req.SetBasicAuth(u.username, u.password)

	resp, err := u.client.Do(req)
	if err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "STOW-RS request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return UploadReceipt{}, pixlerrors.Newf(pixlerrors.KindUploadFailure,
			"STOW-RS endpoint returned status %d for study %s", resp.StatusCode, study.AnonStudyUID)
	}

	return UploadReceipt{
		Destination: "dicomweb",
		Location:    url + "/" + study.AnonStudyUID,
		Bytes:       size,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

func (u *DICOMWebUploader) UploadTabular(_ context.Context, _ TabularExtract) (UploadReceipt, error) {
	return UploadReceipt{}, pixlerrors.Newf(pixlerrors.KindUploadFailure,
		"dicomweb destination does not accept tabular extracts")
}

func (u *DICOMWebUploader) Close() error {
	u.username = ""
	u.password = ""
	u.client.CloseIdleConnections()
	return nil
}
