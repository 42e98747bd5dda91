package session

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// memoryCheckEvery is how many tab releases pass between memory checks.
const memoryCheckEvery = 10

// maxProcessDepth bounds the walk of Chromium's helper process tree.
const maxProcessDepth = 4

// processTreeRSS returns the resident memory, in bytes, of pid and its
// descendants. Processes that exit mid-walk are skipped.
func processTreeRSS(pid int) (uint64, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("inspect process %d: %w", pid, err)
	}
	return treeRSS(root, 0), nil
}

func treeRSS(p *process.Process, depth int) uint64 {
	var total uint64
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		total += mi.RSS
	}
	if depth >= maxProcessDepth {
		return total
	}
	children, err := p.Children()
	if err != nil {
		return total
	}
	for _, c := range children {
		total += treeRSS(c, depth+1)
	}
	return total
}

// overMemory reports whether the browser exceeds limitMB. It fails open:
// an unreadable process tree never triggers retirement.
func overMemory(pid, limitMB int) bool {
	if pid <= 0 || limitMB <= 0 {
		return false
	}
	rss, err := processTreeRSS(pid)
	if err != nil {
		return false
	}
	return rss > uint64(limitMB)<<20
}
