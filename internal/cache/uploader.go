package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/atendebot/atende/internal/gemini"
	"github.com/atendebot/atende/internal/knowledge"
)

// FileAPI is the slice of the remote asset store the uploader needs.
// Implemented by gemini.Client.
type FileAPI interface {
	GetFile(ctx context.Context, name string) (gemini.File, error)
	DeleteFile(ctx context.Context, name string) error
	UploadFile(ctx context.Context, p gemini.UploadFileParams) (gemini.File, error)
}

// UploadedAsset records the remote mirror of one local knowledge file.
type UploadedAsset struct {
	APIName     string
	LocalPath   string
	Fingerprint string
	RemoteURI   string
	MimeType    string
	ExpireAt    time.Time
}

// Uploader ensures named remote file objects mirror local files, re-uploading
// only on fingerprint mismatch.
type Uploader struct {
	files FileAPI
	clock Clock
}

// NewUploader creates an Uploader over the given file API.
func NewUploader(files FileAPI) *Uploader {
	return &Uploader{files: files, clock: realClock{}}
}

// NewUploaderWithClock creates an Uploader with a custom clock (for testing).
func NewUploaderWithClock(files FileAPI, clock Clock) *Uploader {
	return &Uploader{files: files, clock: clock}
}

// Ensure makes the remote object named after asset mirror the local file:
// an existing remote object with a matching fingerprint is reused as-is; a
// stale one is deleted and re-uploaded; a missing one is uploaded. Uploads
// expire at the next closing time. Any transport error other than not-found
// is fatal for the asset and surfaces to the caller.
func (u *Uploader) Ensure(ctx context.Context, asset knowledge.Asset) (UploadedAsset, error) {
	data, err := os.ReadFile(asset.Path)
	if err != nil {
		return UploadedAsset{}, fmt.Errorf("reading asset %s: %w", asset.Path, err)
	}
	localFP := Fingerprint(data)
	apiName := "files/" + strings.TrimPrefix(asset.APIName, "files/")

	remote, err := u.files.GetFile(ctx, apiName)
	switch {
	case err == nil:
		if remote.SHA256Hash == localFP {
			slog.Debug("remote asset up to date", "file", apiName)
			return UploadedAsset{
				APIName:     apiName,
				LocalPath:   asset.Path,
				Fingerprint: localFP,
				RemoteURI:   remote.URI,
				MimeType:    remote.MimeType,
				ExpireAt:    remote.ExpirationTime,
			}, nil
		}
		// The file changed locally; the remote copy is stale.
		slog.Info("remote asset stale, replacing", "file", apiName)
		if err := u.files.DeleteFile(ctx, apiName); err != nil {
			return UploadedAsset{}, fmt.Errorf("deleting stale asset %s: %w", apiName, err)
		}
	case errors.Is(err, gemini.ErrNotFound):
		slog.Info("remote asset missing, uploading", "file", apiName)
	default:
		return UploadedAsset{}, fmt.Errorf("checking asset %s: %w", apiName, err)
	}

	expireAt := NextClosing(u.clock.Now())
	uploaded, err := u.files.UploadFile(ctx, gemini.UploadFileParams{
		Name:       asset.APIName,
		MimeType:   asset.MimeType,
		ExpireTime: expireAt,
		Data:       data,
	})
	if err != nil {
		return UploadedAsset{}, fmt.Errorf("uploading asset %s: %w", apiName, err)
	}

	slog.Info("asset uploaded", "file", uploaded.Name, "expires", expireAt)
	return UploadedAsset{
		APIName:     apiName,
		LocalPath:   asset.Path,
		Fingerprint: localFP,
		RemoteURI:   uploaded.URI,
		MimeType:    asset.MimeType,
		ExpireAt:    expireAt,
	}, nil
}
