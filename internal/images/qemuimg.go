package images

import (
	"encoding/json"
	"fmt"
)

// qemuImgInfo mirrors the fields this package reads out of
// `qemu-img info --output=json`.
type qemuImgInfo struct {
	Format string `json:"format"`
}

func parseQemuImgFormat(out []byte) (string, error) {
	var info qemuImgInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return "", fmt.Errorf("decoding qemu-img info json: %w", err)
	}
	if info.Format == "" {
		return "", fmt.Errorf("qemu-img info reported no format")
	}
	return info.Format, nil
}
