package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// Bundle directory slots. Each slot holds the bundle file and the manifest
// it was downloaded for.
const (
	slotStaged   = "staged"
	slotCurrent  = "current"
	slotPrevious = "previous"

	bundleFileName   = "bundle"
	manifestFileName = "manifest.json"
)

func slotPath(root, slot string) string {
	return filepath.Join(root, slot)
}

// readSlotManifest returns the manifest stored in a slot, or nil if the slot
// is empty.
func readSlotManifest(root, slot string) (*domain.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(slotPath(root, slot), manifestFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s manifest: %w", slot, err)
	}
	return &m, nil
}

func slotExists(root, slot string) bool {
	_, err := os.Stat(filepath.Join(slotPath(root, slot), bundleFileName))
	return err == nil
}

// writeFileAtomic streams r into dst through a synced temp file in the same
// directory and renames it into place.
func writeFileAtomic(dst string, r io.Reader, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".otamgr-write-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}
	success = true
	return nil
}
