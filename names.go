package particlescope

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NameGenerator hands out image names that are unique within a pipeline
// run, even for frames captured in the same millisecond
type NameGenerator struct {
	run string
	id  int64
	sync.Mutex
}

// NewNameGenerator returns a generator for a run, an empty run id is
// replaced by a random one
func NewNameGenerator(run string) *NameGenerator {

	if run == "" {
		run = uuid.NewString()[:8]
	}

	return &NameGenerator{run: run}
}

// Run returns the run id
func (g *NameGenerator) Run() string {
	return g.run
}

// Next returns the name for a frame captured at ts seconds
func (g *NameGenerator) Next(ts float64) string {
	g.Lock()
	defer g.Unlock()
	g.id++
	return fmt.Sprintf("%s-%06d-%.0f.jpg", g.run, g.id, ts*1000)
}
