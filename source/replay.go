package source

import (
	"context"
	"time"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
	"github.com/swdee/go-particlescope/storage"
)

// ReplayConfigPrefix of the replay source settings
const ReplayConfigPrefix = "Replay_Source"

// ReplaySettings of the replay source
var ReplaySettings = []config.Setting{
	{Key: "directory", Default: "/tmp", Title: "Directory of saved images"},
	{Key: "fps", Default: 5.0, Title: "Frames per second, 0 replays as fast as accepted"},
	{Key: "loop", Default: false, Title: "Restart at the end of the recording"},
}

// ReplaySource publishes the images of a save directory in the order they
// were recorded.  Before each image it waits while the analyzer asserts
// back-pressure or the replay is paused.
type ReplaySource struct {
	base
	cfg    config.Section
	paused *bus.Flag
}

// NewReplaySource creates a stopped replay source
func NewReplaySource(store *config.Store, subjects *ps.Subjects, opts Options) *ReplaySource {

	cfg := store.Section(ReplayConfigPrefix)
	cfg.Register(ReplaySettings)

	s := &ReplaySource{
		cfg:    cfg,
		paused: bus.NewFlag("replay-paused"),
	}

	s.init(subjects, opts, "replay-source")

	return s
}

// Pause holds the replay before the next image
func (s *ReplaySource) Pause() {
	s.paused.Set(true)
}

// Resume continues a paused replay
func (s *ReplaySource) Resume() {
	s.paused.Set(false)
}

// Paused returns the pause flag
func (s *ReplaySource) Paused() *bus.Flag {
	return s.paused
}

// Start opens the recording and begins the replay
func (s *ReplaySource) Start(ctx context.Context) error {

	gen, stop, err := s.begin()

	if err != nil {
		return err
	}

	loader, err := storage.Open(s.cfg.String("directory"))

	if err != nil {
		s.abort(gen)
		return err
	}

	s.wg.Add(1)
	go s.run(gen, stop, loader)

	s.watch(ctx, gen, stop, s.wake)
	s.started(gen)

	return nil
}

// Stop ends the replay, interrupting a wait for back-pressure to clear
func (s *ReplaySource) Stop() {
	s.halt(s.wake)
}

// wake interrupts the flag waits so the loop sees its stop channel
func (s *ReplaySource) wake() {
	s.subjects.AnalyzerBackPressure.Interrupt()
	s.subjects.FeedBackPressure.Interrupt()
	s.paused.Interrupt()
}

func (s *ReplaySource) run(gen uint64, stop chan struct{}, loader *storage.Loader) {

	defer s.wg.Done()
	defer loader.Close()

	var next time.Time

	for {
		names := loader.Names()

		for _, name := range names {

			if !s.subjects.AnalyzerBackPressure.WaitWhileSet(stop) ||
				!s.subjects.FeedBackPressure.WaitWhileSet(stop) ||
				!s.paused.WaitWhileSet(stop) {
				return
			}

			if every := interval(s.cfg.Float("fps")); every > 0 {
				if wait := time.Until(next); wait > 0 {
					select {
					case <-stop:
						return
					case <-time.After(wait):
					}
				}

				next = time.Now().Add(every)
			}

			img, err := loader.Image(name)

			if err != nil {
				s.log.Error(err)
				s.subjects.Errors.Publish(err)
				continue
			}

			if !s.emit(gen, img) {
				return
			}
		}

		if !s.cfg.Bool("loop") || len(names) == 0 {
			break
		}

		if err := loader.Refresh(); err != nil {
			s.log.Error(err)
		}
	}

	s.log.Infof("replay of %s complete", loader.Dir())
	s.finish(gen, nil)
}
