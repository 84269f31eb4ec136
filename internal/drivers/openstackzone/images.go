package openstackzone

import (
	"context"
	"fmt"
	"os"

	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/imagedata"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"

	"github.com/sliceforge/orchestrator/internal/model"
)

// PushImage uploads an admitted image into Glance and returns its image
// id for backfill into the catalog row's id_openstack field.
func (d *Driver) PushImage(ctx context.Context, localPath string, img model.Image) (string, error) {
	created, err := images.Create(d.image, images.CreateOpts{
		Name:            img.NombreImagen,
		DiskFormat:      img.Formato,
		ContainerFormat: "bare",
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("creating glance image record: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	if err := imagedata.Upload(d.image, created.ID, f).ExtractErr(); err != nil {
		return "", fmt.Errorf("uploading image data for %s: %w", created.ID, err)
	}
	return created.ID, nil
}

// DeleteImage removes the Glance image record.
func (d *Driver) DeleteImage(ctx context.Context, img model.Image) error {
	if img.IDOpenStack == "" {
		return nil // never propagated to this cluster
	}
	if err := images.Delete(d.image, img.IDOpenStack).ExtractErr(); err != nil {
		return fmt.Errorf("deleting glance image %s: %w", img.IDOpenStack, err)
	}
	return nil
}
