package particlescope

import (
	"github.com/swdee/go-particlescope/bus"
)

// PumpCommand sets the speed of the slurry and clear water pumps, negative
// speeds reverse the pump
type PumpCommand struct {
	Slurry float64
	Clear  float64
}

// CameraCommand changes camera peripheral parameters, nil fields are left
// unchanged
type CameraCommand struct {
	Power         *bool
	Trigger       *bool
	PulseWidth    *int
	DigitalFilter *int
	StartDelay    *int
}

// Subjects is the set of named channels connecting the pipeline stages.
// It is built once at startup and passed to every component.
type Subjects struct {
	// Images carries every acquired frame
	Images *bus.Stream[*AcquiredImage]
	// SourceRunning reflects whether an image source is producing
	SourceRunning *bus.State[bool]

	// AnalyzerConnected reflects the inference server connectivity
	AnalyzerConnected *bus.State[bool]
	// AnalyzerBackPressure is asserted while the inference server has too
	// many requests in flight
	AnalyzerBackPressure *bus.Flag
	// FeedBackPressure is asserted while the feed stage cache is saturated.
	// The replay source holds back while it is set, live sources keep
	// acquiring and it is only reported.
	FeedBackPressure *bus.Flag
	// InferenceStats reports each completed inference request
	InferenceStats *bus.Stream[InferenceStats]

	Detections     *bus.Stream[DetectionsInImage]
	SampleImages   *bus.Stream[SampleImageData]
	RenderedImages *bus.Stream[RenderedImage]
	Distributions  *bus.Stream[Distributions]
	Timeline       *bus.Stream[TimelineDataPoint]

	PumpCommands   *bus.Stream[PumpCommand]
	CameraCommands *bus.Stream[CameraCommand]

	// Warnings carries operator facing messages
	Warnings *bus.Stream[string]
	// Errors carries failures reported by any stage
	Errors *bus.Stream[error]
}

// NewSubjects creates all channels
func NewSubjects() *Subjects {
	return &Subjects{
		Images:               bus.NewStream[*AcquiredImage]("images"),
		SourceRunning:        bus.NewState[bool]("source-running", false),
		AnalyzerConnected:    bus.NewState[bool]("analyzer-connected", false),
		AnalyzerBackPressure: bus.NewFlag("analyzer-back-pressure"),
		FeedBackPressure:     bus.NewFlag("feed-back-pressure"),
		InferenceStats:       bus.NewStream[InferenceStats]("inference-stats"),
		Detections:           bus.NewStream[DetectionsInImage]("detections"),
		SampleImages:         bus.NewStream[SampleImageData]("sample-images"),
		RenderedImages:       bus.NewStream[RenderedImage]("rendered-images"),
		Distributions:        bus.NewStream[Distributions]("distributions"),
		Timeline:             bus.NewStream[TimelineDataPoint]("timeline"),
		PumpCommands:         bus.NewStream[PumpCommand]("pump-commands"),
		CameraCommands:       bus.NewStream[CameraCommand]("camera-commands"),
		Warnings:             bus.NewStream[string]("warnings"),
		Errors:               bus.NewStream[error]("errors"),
	}
}
