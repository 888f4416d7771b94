package cell

import (
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gocell/config"
	"github.com/bobuhiro11/gocell/stage2"
	"github.com/sirupsen/logrus"
)

// RootCell publishes the root cell exactly once.
type RootCell struct {
	mu   sync.Mutex
	cell atomic.Pointer[Cell]
}

// Init builds and publishes the root cell. Once published, later calls
// return nil without building anything. A failed build publishes nothing.
func (r *RootCell) Init(sys *config.System, a stage2.Allocator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cell.Load() != nil {
		return nil
	}

	c, err := NewRoot(sys, a)
	if err != nil {
		return err
	}

	r.cell.Store(c)

	logrus.WithField("cell", c.Name()).Info("root cell init end")

	return nil
}

// Get returns the published root cell. It panics before Init succeeded.
func (r *RootCell) Get() *Cell {
	c := r.cell.Load()
	if c == nil {
		panic("uninitialized root cell")
	}

	return c
}

// Initialized reports whether a root cell was published.
func (r *RootCell) Initialized() bool {
	return r.cell.Load() != nil
}

var root RootCell

// Init builds the process-wide root cell.
func Init(sys *config.System, a stage2.Allocator) error {
	return root.Init(sys, a)
}

// Root returns the process-wide root cell. Calling it before Init is a
// programming error and panics.
func Root() *Cell {
	return root.Get()
}
