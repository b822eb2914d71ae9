package app

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
)

// preflight ensures dir exists, is writable, and has at least minFreeBytes
// available, matching spec §4.8: create if missing, write-and-delete a
// probe file, statfs to verify free space.
func preflight(dir string, minFreeBytes int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	probe := filepath.Join(dir, ".mikroscope-preflight")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("write probe file in %s: %w", dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("remove probe file in %s: %w", dir, err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < minFreeBytes {
		return fmt.Errorf("insufficient free space on %s: %s available, %s required",
			dir, humanize.Bytes(uint64(free)), humanize.Bytes(uint64(minFreeBytes)))
	}
	return nil
}
