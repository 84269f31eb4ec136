// Package images implements the Image Registry Facade (spec §4.7):
// admission (download or upload), size/integrity/format validation via
// qemu-img, insert-then-rename into the staging directory, and parallel
// propagation to both clusters. Size and format validation are grounded
// on jbweber-foundry/internal/storage's magic-byte detection and qemu-img
// exec.Command wrapping; propagation follows the teacher's
// internal/imagesync.Syncer "HEAD, compare, atomic rename" texture,
// inverted into a push instead of a pull.
package images

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/config"
	"github.com/sliceforge/orchestrator/internal/model"
)

// Store is the persistence surface this package needs from *store.Store.
type Store interface {
	InsertImage(ctx context.Context, img *model.Image) (int, error)
	GetImage(ctx context.Context, id int) (*model.Image, error)
	ListImages(ctx context.Context) ([]*model.Image, error)
	UpdateImageStatus(ctx context.Context, id int, status model.ImageStatus) error
	UpdateImageForeignID(ctx context.Context, id int, foreignID string) error
	DeleteImage(ctx context.Context, id int) error
}

// ClusterPusher is the subset of per-zone capability this package needs
// from a cluster driver to propagate an admitted image. Unlike the VM
// lifecycle driver contract, image propagation is zone-specific enough
// (glance upload vs. plain file copy) that it lives behind its own small
// interface rather than drivers.Driver.
type ClusterPusher interface {
	PushImage(ctx context.Context, localPath string, img model.Image) (foreignID string, err error)
	DeleteImage(ctx context.Context, img model.Image) error
}

// Service drives image admission and propagation.
type Service struct {
	store      Store
	stagingDir string
	maxSizeGiB float64
	linux      ClusterPusher
	openstack  ClusterPusher
	logger     *slog.Logger
}

// New builds a Service.
func New(store Store, cfg config.ImagesConfig, linux, openstack ClusterPusher, logger *slog.Logger) *Service {
	return &Service{
		store: store, stagingDir: cfg.StagingDir, maxSizeGiB: cfg.MaxSizeGiB,
		linux: linux, openstack: openstack, logger: logger,
	}
}

// List returns every catalog image row.
func (s *Service) List(ctx context.Context) ([]*model.Image, error) {
	imgs, err := s.store.ListImages(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "listing images", err)
	}
	return imgs, nil
}

// qcow2Magic is the 4-byte QCOW2 header signature (grounded on
// jbweber-foundry/internal/storage/format.go).
var qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

// Admit validates a staged file (already downloaded from a URL or
// received from an upload at srcPath by the caller), inserts the catalog
// row, renames the file to image_{id}.{ext}, and kicks off propagation to
// both clusters. Returns the created row; propagation failures are
// recorded on the row (null foreign id) rather than failing Admit itself,
// matching spec §4.7's "partial failures leave the row usable on the
// other cluster only".
func (s *Service) Admit(ctx context.Context, srcPath, name, description, importType string) (*model.Image, error) {
	sizeGiB, err := fileSizeGiB(srcPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "statting staged image", err)
	}
	if sizeGiB > s.maxSizeGiB {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("image is %.2f GiB, exceeds the %.2f GiB admission ceiling", sizeGiB, s.maxSizeGiB))
	}

	format, err := detectFormat(srcPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "detecting image format", err)
	}
	if err := checkIntegrity(ctx, srcPath); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "qemu-img check failed", err)
	}

	img := &model.Image{
		Nombre: name, Descripcion: description, Formato: format,
		TamanoGB: sizeGiB, TipoImportacion: importType, Status: model.ImagePending,
	}
	id, err := s.store.InsertImage(ctx, img)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "inserting image row", err)
	}
	img.ID = id

	ext := filepath.Ext(srcPath)
	finalName := fmt.Sprintf("image_%d%s", id, ext)
	finalPath := filepath.Join(s.stagingDir, finalName)
	if err := os.Rename(srcPath, finalPath); err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "renaming staged image into place", err)
	}
	img.NombreImagen = finalName

	s.propagate(ctx, finalPath, img)
	return img, nil
}

// propagate pushes the admitted image to both clusters in parallel. Any
// single push failing leaves that cluster's foreign id unset; only the
// openstack cluster records a foreign id (spec §4.7, §4.6 backfill
// pattern), the linux cluster's push is a plain file copy with nothing to
// backfill.
func (s *Service) propagate(ctx context.Context, localPath string, img *model.Image) {
	var g errgroup.Group
	g.Go(func() error {
		if _, err := s.linux.PushImage(ctx, localPath, *img); err != nil {
			s.logger.Error("linux image push failed", "image_id", img.ID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		foreignID, err := s.openstack.PushImage(ctx, localPath, *img)
		if err != nil {
			s.logger.Error("openstack image push failed", "image_id", img.ID, "error", err)
			return nil
		}
		if err := s.store.UpdateImageForeignID(ctx, img.ID, foreignID); err != nil {
			s.logger.Error("recording openstack image foreign id failed", "image_id", img.ID, "error", err)
			return nil
		}
		img.IDOpenStack = foreignID
		return nil
	})
	_ = g.Wait() // both goroutines only log; Admit never fails because of propagation

	if err := s.store.UpdateImageStatus(ctx, img.ID, model.ImagePropagated); err != nil {
		s.logger.Error("marking image propagated failed", "image_id", img.ID, "error", err)
		return
	}
	img.Status = model.ImagePropagated
}

// Delete cascades to both clusters; local delete proceeds even if either
// cluster delete fails (operator visibility only, spec §4.7).
func (s *Service) Delete(ctx context.Context, id int) error {
	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("loading image %d", id), err)
	}

	if err := s.linux.DeleteImage(ctx, *img); err != nil {
		s.logger.Error("linux cluster image delete failed", "image_id", id, "error", err)
	}
	if err := s.openstack.DeleteImage(ctx, *img); err != nil {
		s.logger.Error("openstack cluster image delete failed", "image_id", id, "error", err)
	}

	if err := s.store.DeleteImage(ctx, id); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, fmt.Sprintf("deleting image %d row", id), err)
	}
	localPath := filepath.Join(s.stagingDir, img.NombreImagen)
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("removing staged image file failed", "image_id", id, "path", localPath, "error", err)
	}
	return nil
}

func fileSizeGiB(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	const giB = 1 << 30
	return float64(info.Size()) / giB, nil
}

// detectFormat reads the QCOW2 magic header, falling back to qemu-img
// info for anything else it's asked to admit (raw images, etc.) — the
// teacher's pack has no raw-image admission path, so unlike
// jbweber-foundry's two-format DetectImageFormat we defer to qemu-img
// itself for the non-qcow2 case instead of hand-rolling MBR detection.
func detectFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("file too small to be a valid image: %w", err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return "qcow2", nil
	}

	cmd := exec.Command("qemu-img", "info", "--output=json", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("qemu-img info %s: %w\noutput: %s", path, err, out)
	}
	format, err := parseQemuImgFormat(out)
	if err != nil {
		return "", fmt.Errorf("parsing qemu-img info output: %w", err)
	}
	return format, nil
}

// checkIntegrity runs qemu-img check, rejecting images with detected
// inconsistencies before they're admitted into the catalog.
func checkIntegrity(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "check", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img check %s: %w\noutput: %s", path, err, out)
	}
	return nil
}
