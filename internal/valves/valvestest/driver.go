// Package valvestest provides a recording valve driver for tests: it captures
// the exact sequence of hardware writes so tests can assert actuation order.
package valvestest

import (
	"slices"
	"sync"
)

// An Op is one recorded hardware write.
type Op struct {
	Pin  int
	Open bool
}

// Recorder implements valves.Driver, recording every write. Writes to a
// failing pin return the configured error instead.
type Recorder struct {
	lock    sync.Mutex
	log     []Op
	state   map[int]bool
	failing map[int]*failure
}

type failure struct {
	err   error
	times int
}

func NewRecorder() *Recorder {
	return &Recorder{
		state:   make(map[int]bool),
		failing: make(map[int]*failure),
	}
}

func (r *Recorder) Set(pin int, open bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if f, found := r.failing[pin]; found && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	r.log = append(r.log, Op{Pin: pin, Open: open})
	r.state[pin] = open
	return nil
}

// Fail makes every write to pin fail with err until the failure is cleared
// with FailTimes(pin, 0, nil).
func (r *Recorder) Fail(pin int, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failing[pin] = &failure{err: err, times: -1}
}

// FailTimes makes the next times writes to pin fail with err.
func (r *Recorder) FailTimes(pin int, times int, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failing[pin] = &failure{err: err, times: times}
}

// Ops returns the recorded writes in order.
func (r *Recorder) Ops() []Op {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Clone(r.log)
}

// OpenPins returns the pins currently driven open, sorted.
func (r *Recorder) OpenPins() []int {
	r.lock.Lock()
	defer r.lock.Unlock()
	var open []int
	for pin, isOpen := range r.state {
		if isOpen {
			open = append(open, pin)
		}
	}
	slices.Sort(open)
	return open
}

// Reset clears the recorded log, keeping pin state and failures.
func (r *Recorder) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.log = nil
}
