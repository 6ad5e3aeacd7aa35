package testutil

import (
	"strings"
	"sync"
)

// ConcurrentBuffer is an io.Writer for log output that is safe to share across goroutines.
type ConcurrentBuffer struct {
	lock sync.Mutex
	sb   strings.Builder
}

func (cb *ConcurrentBuffer) Write(p []byte) (int, error) {
	cb.lock.Lock()
	defer cb.lock.Unlock()
	return cb.sb.Write(p)
}

func (cb *ConcurrentBuffer) String() string {
	cb.lock.Lock()
	defer cb.lock.Unlock()
	return cb.sb.String()
}

// Lines returns the non-empty lines written so far that contain substr.
func (cb *ConcurrentBuffer) Lines(substr string) []string {
	res := []string{}
	for line := range strings.Lines(cb.String()) {
		line = strings.TrimSpace(line)
		if line != "" && strings.Contains(line, substr) {
			res = append(res, line)
		}
	}
	return res
}
