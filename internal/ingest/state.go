package ingest

import (
	"sync"
	"time"
)

// State is a camera supervisor state.
type State string

const (
	StateIdle         State = "idle"
	StateProbing      State = "probing"
	StateProvisioning State = "provisioning"
	StateLaunching    State = "launching"
	StateProducing    State = "producing"
	StateRetrying     State = "retrying"
	StateStopped      State = "stopped"
)

// Transition records one state change.
type Transition struct {
	Attempt int       `json:"attempt"`
	State   State     `json:"state"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Status is a snapshot of one camera.
type Status struct {
	CameraID  string       `json:"id"`
	SourceURL string       `json:"sourceUrl"`
	State     State        `json:"state"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"lastError,omitempty"`
	Since     time.Time    `json:"since"`
	History   []Transition `json:"history"`
}

// StatusPublisher receives every transition. Publish must not block for long;
// supervisors call it inline.
type StatusPublisher interface {
	Publish(Status)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Status) {}

// transitionRing keeps the most recent transitions of a camera.
type transitionRing struct {
	mu       sync.RWMutex
	data     []Transition
	capacity int
	size     int
	head     int // next write position
}

func newTransitionRing(capacity int) *transitionRing {
	if capacity < 1 {
		capacity = 1
	}
	return &transitionRing{data: make([]Transition, capacity), capacity: capacity}
}

func (r *transitionRing) add(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[r.head] = t
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// all returns the stored transitions oldest first.
func (r *transitionRing) all() []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transition, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(start+i)%r.capacity]
	}
	return out
}
