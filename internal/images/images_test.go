package images

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sliceforge/orchestrator/internal/config"
	"github.com/sliceforge/orchestrator/internal/model"
)

type fakeStore struct {
	images  map[int]*model.Image
	nextID  int
	deleted []int
}

func newFakeStore() *fakeStore {
	return &fakeStore{images: make(map[int]*model.Image), nextID: 1}
}

func (f *fakeStore) InsertImage(ctx context.Context, img *model.Image) (int, error) {
	id := f.nextID
	f.nextID++
	cp := *img
	cp.ID = id
	f.images[id] = &cp
	return id, nil
}
func (f *fakeStore) GetImage(ctx context.Context, id int) (*model.Image, error) {
	return f.images[id], nil
}
func (f *fakeStore) ListImages(ctx context.Context) ([]*model.Image, error) { return nil, nil }
func (f *fakeStore) UpdateImageStatus(ctx context.Context, id int, status model.ImageStatus) error {
	f.images[id].Status = status
	return nil
}
func (f *fakeStore) UpdateImageForeignID(ctx context.Context, id int, foreignID string) error {
	f.images[id].IDOpenStack = foreignID
	return nil
}
func (f *fakeStore) DeleteImage(ctx context.Context, id int) error {
	f.deleted = append(f.deleted, id)
	delete(f.images, id)
	return nil
}

type fakePusher struct {
	foreignID string
	pushErr   error
	deleteErr error
	pushed    []string
}

func (f *fakePusher) PushImage(ctx context.Context, localPath string, img model.Image) (string, error) {
	f.pushed = append(f.pushed, localPath)
	return f.foreignID, f.pushErr
}
func (f *fakePusher) DeleteImage(ctx context.Context, img model.Image) error { return f.deleteErr }

func writeQCOW2(t *testing.T, path string) {
	t.Helper()
	data := append([]byte{0x51, 0x46, 0x49, 0xfb}, make([]byte, 1024)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
}

func TestFileSizeGiB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.qcow2")
	writeQCOW2(t, path)

	gib, err := fileSizeGiB(path)
	if err != nil {
		t.Fatalf("fileSizeGiB: %v", err)
	}
	if gib <= 0 {
		t.Fatalf("expected positive size, got %f", gib)
	}
}

func TestDetectFormat_QCOW2Magic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.qcow2")
	writeQCOW2(t, path)

	format, err := detectFormat(path)
	if err != nil {
		t.Fatalf("detectFormat: %v", err)
	}
	if format != "qcow2" {
		t.Fatalf("expected qcow2, got %q", format)
	}
}

func TestParseQemuImgFormat(t *testing.T) {
	format, err := parseQemuImgFormat([]byte(`{"format": "raw", "virtual-size": 1073741824}`))
	if err != nil {
		t.Fatalf("parseQemuImgFormat: %v", err)
	}
	if format != "raw" {
		t.Fatalf("expected raw, got %q", format)
	}

	if _, err := parseQemuImgFormat([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestAdmit_RejectsOversizedImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.qcow2")
	writeQCOW2(t, path)

	store := newFakeStore()
	svc := New(store, config.ImagesConfig{StagingDir: dir, MaxSizeGiB: 0.0000001}, &fakePusher{}, &fakePusher{}, slog.Default())

	if _, err := svc.Admit(context.Background(), path, "too-big", "", "upload"); err == nil {
		t.Fatalf("expected oversized image to be rejected")
	}
}

func TestDelete_RemovesRowEvenIfClusterDeleteFails(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	store.images[1] = &model.Image{ID: 1, NombreImagen: "image_1.qcow2"}
	if err := os.WriteFile(filepath.Join(dir, "image_1.qcow2"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	svc := New(store, config.ImagesConfig{StagingDir: dir, MaxSizeGiB: 1}, &fakePusher{deleteErr: errBoom}, &fakePusher{deleteErr: errBoom}, slog.Default())

	if err := svc.Delete(context.Background(), 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != 1 {
		t.Fatalf("expected row deleted despite cluster delete failures, got %v", store.deleted)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }
