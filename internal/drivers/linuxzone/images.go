package linuxzone

import (
	"context"
	"fmt"
	"os"

	"github.com/sliceforge/orchestrator/internal/model"
)

// PushImage uploads an admitted image's bytes to every worker in the
// zone so any subsequent Deploy can reference it by name. The linux zone
// has no foreign id concept for images; it always returns "".
func (d *Driver) PushImage(ctx context.Context, localPath string, img model.Image) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	for _, worker := range d.allKnownWorkers() {
		if _, err := f.Seek(0, 0); err != nil {
			return "", fmt.Errorf("rewinding image file: %w", err)
		}
		path := fmt.Sprintf("/v1/images/%s", img.NombreImagen)
		if err := d.postFile(ctx, worker, path, f); err != nil {
			return "", fmt.Errorf("pushing image to worker %s: %w", worker, err)
		}
	}
	return "", nil
}

// DeleteImage removes the image file from every worker in the zone.
func (d *Driver) DeleteImage(ctx context.Context, img model.Image) error {
	for _, worker := range d.allKnownWorkers() {
		path := fmt.Sprintf("/v1/images/%s", img.NombreImagen)
		if err := d.post(ctx, worker, path, nil, nil); err != nil {
			return fmt.Errorf("deleting image on worker %s: %w", worker, err)
		}
	}
	return nil
}
