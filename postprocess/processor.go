// Package postprocess turns detection results into particle size
// distributions and annotated preview frames.
package postprocess

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
	"github.com/swdee/go-particlescope/render"
)

// ConfigPrefix of the result processor settings
const ConfigPrefix = "ResultProcess"

// Settings of the result processor
var Settings = []config.Setting{
	{Key: "group_size", Default: 10, Title: "Group size (images)"},
	{Key: "crop_threshold", Default: 0, Title: "Edge cropping object threshold (pixels)"},
	{Key: "conf_threshold", Default: 0.5, Title: "Minimum detection confidence"},
	{Key: "calibration_ratio", Default: 0.0, Title: "Microns per pixel, 0 reports pixels"},
	{Key: "alpha", Default: 0.4, Title: "Preview mask opacity"},
}

// Processor aggregates detections in groups and renders sample images.
// Aggregation and rendering run on separate workers so a slow render never
// delays the distributions.
type Processor struct {
	cfg       config.Section
	subjects  *ps.Subjects
	annotator *render.Annotator
	agg       *Aggregator
	log       *logrus.Entry

	mu      sync.Mutex
	process *bus.Worker
	render  *bus.Worker
	group   bus.Group

	// amu guards the aggregation subscription which is replaced from the
	// process worker
	amu    sync.Mutex
	aggSub *bus.Subscription
}

// New creates a stopped processor
func New(store *config.Store, subjects *ps.Subjects, labels ps.Labels) *Processor {

	cfg := store.Section(ConfigPrefix)
	cfg.Register(Settings)

	return &Processor{
		cfg:       cfg,
		subjects:  subjects,
		annotator: render.NewAnnotator(float32(cfg.Float("alpha")), labels),
		agg:       NewAggregator(Filter{}, 0),
		log:       logrus.WithField("component", "processor"),
	}
}

// Annotator returns the renderer used for sample images
func (p *Processor) Annotator() *render.Annotator {
	return p.annotator
}

// Start subscribes to detections and sample images
func (p *Processor) Start() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.process != nil {
		return
	}

	p.process = bus.NewWorker("process", 0)
	p.render = bus.NewWorker("render", 0)

	p.amu.Lock()
	p.aggSub = p.subscribeAggregation(p.process)
	p.amu.Unlock()

	process := p.process

	p.group.Add(
		p.subjects.SampleImages.Subscribe(p.render, p.onSample),
		p.cfg.OnChange("group_size", p.process, func(config.Change) {
			p.regroup(process)
		}),
	)
}

// Stop disposes the subscriptions, a partially filled group is discarded
func (p *Processor) Stop() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.process == nil {
		return
	}

	p.group.Dispose()

	p.amu.Lock()
	p.aggSub.Dispose()
	p.aggSub = nil
	p.amu.Unlock()

	p.process.Flush()
	p.render.Flush()
	p.process.Close()
	p.render.Close()

	p.process = nil
	p.render = nil
}

// Flush waits until every detection and sample delivered so far is handled
func (p *Processor) Flush() {

	p.mu.Lock()
	process, rend := p.process, p.render
	p.mu.Unlock()

	if process != nil {
		process.Flush()
		rend.Flush()
	}
}

// regroup replaces the aggregation subscription so the next group uses the
// new group size, it runs on the process worker
func (p *Processor) regroup(process *bus.Worker) {

	p.amu.Lock()
	defer p.amu.Unlock()

	if p.aggSub == nil {
		return
	}

	p.aggSub.Dispose()
	p.aggSub = p.subscribeAggregation(process)

	p.log.Infof("aggregation group size is now %d", p.groupSize())
}

// groupSize returns the configured group size
func (p *Processor) groupSize() int {

	size := p.cfg.Int("group_size")

	if size < 1 {
		size = 1
	}

	return size
}

// filter returns the currently configured object filter
func (p *Processor) filter() Filter {
	return Filter{
		Confidence: p.cfg.Float("conf_threshold"),
		Crop:       p.cfg.Float("crop_threshold"),
	}
}

// subscribeAggregation subscribes a fresh group buffer to detections
func (p *Processor) subscribeAggregation(process *bus.Worker) *bus.Subscription {

	size := p.groupSize()
	buf := make([]ps.DetectionsInImage, 0, size)

	return p.subjects.Detections.Subscribe(process, func(d ps.DetectionsInImage) {

		buf = append(buf, d)

		if len(buf) < size {
			return
		}

		group := buf
		buf = make([]ps.DetectionsInImage, 0, size)

		p.aggregate(group)
	})
}

// aggregate measures a complete group and publishes the results
func (p *Processor) aggregate(group []ps.DetectionsInImage) {

	p.agg.Filter = p.filter()
	p.agg.Calibration = p.cfg.Float("calibration_ratio")

	failed := p.agg.Failed
	dist, points := p.agg.Aggregate(group)

	if n := p.agg.Failed - failed; n > 0 {
		err := errors.Errorf("%d objects could not be measured", n)
		p.log.Warn(err)
		p.subjects.Errors.Publish(err)
	}

	p.subjects.Distributions.Publish(dist)

	for _, pt := range points {
		p.subjects.Timeline.Publish(pt)
	}
}

// onSample renders a preview of an echoed sample image
func (p *Processor) onSample(sample ps.SampleImageData) {

	p.annotator.Alpha = float32(p.cfg.Float("alpha"))

	out, err := p.annotator.Render(sample, p.filter().Apply(sample.Labels))

	if err != nil {
		p.log.Error(err)
		p.subjects.Errors.Publish(err)
		return
	}

	p.subjects.RenderedImages.Publish(out)
}
