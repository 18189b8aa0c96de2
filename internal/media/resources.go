package media

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Minimum headroom required before starting a compositing pass. Encoding
// intermediate clips can briefly need several times the final artifact
// size on disk.
const (
	minFreeDiskBytes   = 2 * 1024 * 1024 * 1024 // 2 GiB
	minFreeMemoryBytes = 256 * 1024 * 1024      // 256 MiB
)

// ErrInsufficientResources is returned when the host lacks the disk or
// memory headroom to run the compositing pass safely.
var ErrInsufficientResources = errors.New("media: insufficient system resources")

// CheckResources verifies free disk space under workDir and available
// memory before compositing begins.
func CheckResources(workDir string) error {
	usage, err := disk.Usage(workDir)
	if err != nil {
		return fmt.Errorf("media: disk usage: %w", err)
	}
	if usage.Free < minFreeDiskBytes {
		return fmt.Errorf("%w: %d bytes free on disk, need %d", ErrInsufficientResources, usage.Free, minFreeDiskBytes)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("media: memory stats: %w", err)
	}
	if vm.Available < minFreeMemoryBytes {
		return fmt.Errorf("%w: %d bytes memory available, need %d", ErrInsufficientResources, vm.Available, minFreeMemoryBytes)
	}

	return nil
}
