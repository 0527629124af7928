package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atendebot/atende/internal/gemini"
	"github.com/atendebot/atende/internal/knowledge"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// fakeFileAPI records calls and serves a configurable remote state.
type fakeFileAPI struct {
	remote  map[string]gemini.File
	getErr  error
	uploads []gemini.UploadFileParams
	deletes []string
}

func (f *fakeFileAPI) GetFile(_ context.Context, name string) (gemini.File, error) {
	if f.getErr != nil {
		return gemini.File{}, f.getErr
	}
	file, ok := f.remote[name]
	if !ok {
		return gemini.File{}, fmt.Errorf("%w: %s", gemini.ErrNotFound, name)
	}
	return file, nil
}

func (f *fakeFileAPI) DeleteFile(_ context.Context, name string) error {
	f.deletes = append(f.deletes, name)
	delete(f.remote, name)
	return nil
}

func (f *fakeFileAPI) UploadFile(_ context.Context, p gemini.UploadFileParams) (gemini.File, error) {
	f.uploads = append(f.uploads, p)
	uploaded := gemini.File{
		Name:           "files/" + p.Name,
		URI:            "https://files.example/" + p.Name,
		MimeType:       p.MimeType,
		SHA256Hash:     Fingerprint(p.Data),
		ExpirationTime: p.ExpireTime,
	}
	if f.remote == nil {
		f.remote = map[string]gemini.File{}
	}
	f.remote[uploaded.Name] = uploaded
	return uploaded, nil
}

func writeAsset(t *testing.T, content string) knowledge.Asset {
	t.Helper()
	path := filepath.Join(t.TempDir(), "produtos.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing asset: %v", err)
	}
	return knowledge.Asset{APIName: "produtos", Path: path, MimeType: "text/plain"}
}

func TestEnsureReusesMatchingRemote(t *testing.T) {
	asset := writeAsset(t, "catalogo v1")
	api := &fakeFileAPI{remote: map[string]gemini.File{
		"files/produtos": {
			Name:       "files/produtos",
			URI:        "https://files.example/produtos",
			MimeType:   "text/plain",
			SHA256Hash: Fingerprint([]byte("catalogo v1")),
		},
	}}
	u := NewUploader(api)

	got, err := u.Ensure(context.Background(), asset)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(api.uploads) != 0 || len(api.deletes) != 0 {
		t.Errorf("matching remote must be reused without network writes: uploads=%d deletes=%d",
			len(api.uploads), len(api.deletes))
	}
	if got.RemoteURI != "https://files.example/produtos" {
		t.Errorf("unexpected remote uri %q", got.RemoteURI)
	}
}

func TestEnsureReplacesStaleRemote(t *testing.T) {
	asset := writeAsset(t, "catalogo v2")
	api := &fakeFileAPI{remote: map[string]gemini.File{
		"files/produtos": {
			Name:       "files/produtos",
			SHA256Hash: Fingerprint([]byte("catalogo v1")),
		},
	}}
	u := NewUploaderWithClock(api, fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)})

	got, err := u.Ensure(context.Background(), asset)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(api.deletes) != 1 || api.deletes[0] != "files/produtos" {
		t.Errorf("stale remote must be deleted first, deletes=%v", api.deletes)
	}
	if len(api.uploads) != 1 {
		t.Fatalf("expected exactly one re-upload, got %d", len(api.uploads))
	}
	if got.Fingerprint != Fingerprint([]byte("catalogo v2")) {
		t.Errorf("result fingerprint %q does not match new content", got.Fingerprint)
	}
	wantExpire := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
	if !got.ExpireAt.Equal(wantExpire) {
		t.Errorf("ExpireAt = %v, want next closing %v", got.ExpireAt, wantExpire)
	}
}

func TestEnsureUploadsWhenMissing(t *testing.T) {
	asset := writeAsset(t, "contexto")
	api := &fakeFileAPI{}
	u := NewUploader(api)

	got, err := u.Ensure(context.Background(), asset)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(api.uploads) != 1 {
		t.Fatalf("expected upload for missing remote, got %d", len(api.uploads))
	}
	if api.uploads[0].Name != "produtos" || api.uploads[0].MimeType != "text/plain" {
		t.Errorf("unexpected upload params: %+v", api.uploads[0])
	}
	if got.RemoteURI == "" {
		t.Error("result missing remote uri")
	}
}

func TestEnsureSurfacesTransportError(t *testing.T) {
	asset := writeAsset(t, "x")
	api := &fakeFileAPI{getErr: errors.New("connection reset")}
	u := NewUploader(api)

	_, err := u.Ensure(context.Background(), asset)
	if err == nil {
		t.Fatal("transport errors other than not-found must surface, got nil")
	}
	if len(api.uploads) != 0 {
		t.Error("no upload should be attempted after a transport error")
	}
}
