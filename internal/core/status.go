package core

import "sync/atomic"

// ModelStatus is the lifecycle state of a model instance.
type ModelStatus int32

const (
	StatusInitializing ModelStatus = iota
	StatusReady
	StatusBusy
	StatusError
	StatusClosing
	StatusOffline
)

var statusNames = [...]string{"INITIALIZING", "READY", "BUSY", "ERROR", "CLOSING", "OFFLINE"}

func (s ModelStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON.
func (s ModelStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusCell holds a ModelStatus that many goroutines read and write.
// Once OFFLINE it only changes through Reset.
type StatusCell struct {
	v atomic.Int32
}

// Load returns the current status.
func (c *StatusCell) Load() ModelStatus {
	return ModelStatus(c.v.Load())
}

// Set moves to s unless the model is already offline. It reports whether
// the transition happened.
func (c *StatusCell) Set(s ModelStatus) bool {
	for {
		cur := c.v.Load()
		if ModelStatus(cur) == StatusOffline {
			return false
		}
		if c.v.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// Reset forces s, including out of OFFLINE.
func (c *StatusCell) Reset(s ModelStatus) {
	c.v.Store(int32(s))
}
