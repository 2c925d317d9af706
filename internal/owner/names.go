package owner

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/shirou/gopsutil/v4/process"
)

// Names resolves process ids to executable names with LRU eviction.
type Names struct {
	cache  *lru.Cache
	lookup func(pid uint32) (string, error)
}

// NewNames creates a name cache holding up to size entries.
func NewNames(size int) (*Names, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Names{cache: cache, lookup: processName}, nil
}

func processName(pid uint32) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Name()
}

// Name returns the executable name of pid, or "" when it cannot be found.
// Failed lookups are not cached since the process may not exist yet.
func (n *Names) Name(pid uint32) string {
	if pid == 0 {
		return ""
	}
	if v, ok := n.cache.Get(pid); ok {
		return v.(string)
	}
	name, err := n.lookup(pid)
	if err != nil || name == "" {
		return ""
	}
	n.cache.Add(pid, name)
	return name
}

// Forget drops the cached name of pid, for example after the process exited.
func (n *Names) Forget(pid uint32) {
	n.cache.Remove(pid)
}
