// Package resources samples the node's capacity for heartbeat and
// resource-update reports.
package resources

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/baton-sh/conductor/pkg/types"
)

// Producer yields the snapshot an agent attaches to heartbeats.
// Swapped for a fixed producer in tests.
type Producer interface {
	Sample() (*types.ResourceSnapshot, error)
}

// NodeProducer samples the local machine: CPU count from the Go
// runtime, memory from /proc/meminfo, disk from a statfs of dataDir.
type NodeProducer struct {
	dataDir string
}

// NewNodeProducer creates a producer anchored at dataDir for disk
// capacity
func NewNodeProducer(dataDir string) *NodeProducer {
	if dataDir == "" {
		dataDir = "/"
	}
	return &NodeProducer{dataDir: dataDir}
}

// Sample reads current node capacity
func (p *NodeProducer) Sample() (*types.ResourceSnapshot, error) {
	snapshot := &types.ResourceSnapshot{
		CPUCores: runtime.NumCPU(),
	}

	mem, err := totalMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory capacity: %w", err)
	}
	snapshot.MemoryBytes = mem

	var stat syscall.Statfs_t
	if err := syscall.Statfs(p.dataDir, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", p.dataDir, err)
	}
	snapshot.DiskBytes = int64(stat.Blocks) * stat.Bsize

	return snapshot, nil
}

// totalMemory parses MemTotal out of /proc/meminfo
func totalMemory() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}

// Fixed is a Producer returning a constant snapshot
type Fixed struct {
	Snapshot *types.ResourceSnapshot
}

// Sample returns the fixed snapshot
func (f *Fixed) Sample() (*types.ResourceSnapshot, error) {
	return f.Snapshot, nil
}
