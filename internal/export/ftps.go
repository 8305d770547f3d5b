package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"pixl/internal/secrets"
	pixlerrors "pixl/pkg/errors"
)

// FTPSUploader uploads study zips and parquet trees over implicit-TLS FTP.
// Credentials are resolved once per batch from the project's key-vault
// alias and dropped on Close.
type FTPSUploader struct {
	projectSlug string
	host        string
	port        int
	username    string
	password    string
}

func NewFTPSUploader(ctx context.Context, projectSlug, kvAlias string, resolver secrets.Resolver) (*FTPSUploader, error) {
	fetch := func(field string) (string, error) {
		v, err := resolver.Fetch(ctx, secrets.FTPSecret(kvAlias, field))
		if err != nil {
			return "", err
		}
		return string(v), nil
	}

	host, err := fetch("host")
	if err != nil {
		return nil, err
	}
	portStr, err := fetch("port")
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return nil, fmt.Errorf("ftp port secret is not numeric: %w", err)
	}
	username, err := fetch("username")
	if err != nil {
		return nil, err
	}
	password, err := fetch("password")
	if err != nil {
		return nil, err
	}

	return &FTPSUploader{
		projectSlug: projectSlug,
		host:        host,
		port:        port,
		username:    username,
		password:    password,
	}, nil
}

func (u *FTPSUploader) connect(ctx context.Context) (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", u.host, u.port)
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30*time.Second),
		// Implicit TLS: the control socket is wrapped before any FTP
		// command is exchanged.
		ftp.DialWithTLS(&tls.Config{ServerName: u.host, MinVersion: tls.VersionTLS12}),
	)
	if err != nil {
		return nil, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to connect to FTPS server", err)
	}
	if err := conn.Login(u.username, u.password); err != nil {
		conn.Quit()
		return nil, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "FTPS login failed", err)
	}
	return conn, nil
}

// UploadStudy stores the study zip as <slug>/<pseudonymised-id>.zip.
func (u *FTPSUploader) UploadStudy(ctx context.Context, study Study) (UploadReceipt, error) {
	payload, err := zipStudy(study)
	if err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to build study zip", err)
	}

	conn, err := u.connect(ctx)
	if err != nil {
		return UploadReceipt{}, err
	}
	defer conn.Quit()

	if err := ensureRemoteDir(conn, study.ProjectSlug); err != nil {
		return UploadReceipt{}, err
	}

	remotePath := fmt.Sprintf("%s/%s.zip", study.ProjectSlug, study.PseudoPatientID)
	if err := conn.Stor(remotePath, bytes.NewReader(payload)); err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure,
			fmt.Sprintf("failed to store %s", remotePath), err)
	}

	return UploadReceipt{
		Destination: "ftps",
		Location:    remotePath,
		Bytes:       int64(len(payload)),
		UploadedAt:  time.Now().UTC(),
	}, nil
}

// UploadTabular mirrors the local parquet tree under
// <slug>/<extract-datetime>/parquet/.
func (u *FTPSUploader) UploadTabular(ctx context.Context, extract TabularExtract) (UploadReceipt, error) {
	conn, err := u.connect(ctx)
	if err != nil {
		return UploadReceipt{}, err
	}
	defer conn.Quit()

	remoteRoot := fmt.Sprintf("%s/%s/parquet", extract.ProjectSlug, extract.ExtractTimeSlug())
	var total int64

	err = filepath.Walk(extract.LocalRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(extract.LocalRoot, path)
		if err != nil {
			return err
		}
		remotePath := remoteRoot + "/" + filepath.ToSlash(rel)
		if err := ensureRemoteDir(conn, filepath.ToSlash(filepath.Dir(remotePath))); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := conn.Stor(remotePath, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to store %s: %w", remotePath, err)
		}
		total += int64(len(data))
		return nil
	})
	if err != nil {
		return UploadReceipt{}, pixlerrors.Wrap(pixlerrors.KindUploadFailure, "failed to upload parquet tree", err)
	}

	return UploadReceipt{
		Destination: "ftps",
		Location:    remoteRoot,
		Bytes:       total,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

func (u *FTPSUploader) Close() error {
	u.username = ""
	u.password = ""
	return nil
}

// ensureRemoteDir creates each path segment, tolerating directories that
// already exist.
func ensureRemoteDir(conn *ftp.ServerConn, dir string) error {
	segments := strings.Split(strings.Trim(dir, "/"), "/")
	current := ""
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		if current == "" {
			current = segment
		} else {
			current = current + "/" + segment
		}
		_ = conn.MakeDir(current)
	}
	return nil
}
