package scheduler

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// IdleConfig holds configuration for an idle detector.
type IdleConfig struct {
	// Dir is watched for file activity. Empty disables watching; Touch still works.
	Dir string
	// Threshold is how long the profile must be quiet before it counts as idle.
	Threshold time.Duration
	// Ignore lists paths under Dir whose events are not activity.
	Ignore []string
	Logger zerolog.Logger
}

// IdleDetector reports when no activity has been seen for a threshold. It fires
// once per quiet period and re-arms on the next activity.
type IdleDetector struct {
	dir       string
	threshold time.Duration
	ignore    []string
	watcher   *fsnotify.Watcher
	logger    zerolog.Logger

	activity chan struct{}
	idle     chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewIdleDetector creates an idle detector. Call Start to begin observing.
func NewIdleDetector(cfg *IdleConfig) (*IdleDetector, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("idle threshold must be positive")
	}

	d := &IdleDetector{
		dir:       cfg.Dir,
		threshold: cfg.Threshold,
		logger:    cfg.Logger.With().Str("component", "idle-detector").Logger(),
		activity:  make(chan struct{}, 1),
		idle:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, p := range cfg.Ignore {
		d.ignore = append(d.ignore, filepath.Clean(p))
	}

	if cfg.Dir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := w.Add(cfg.Dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", cfg.Dir, err)
		}
		d.watcher = w
	}
	return d, nil
}

// Start begins observing. The first idle signal comes one threshold after the
// last activity.
func (d *IdleDetector) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
		d.logger.Info().Str("dir", d.dir).Dur("threshold", d.threshold).Msg("Idle detector started")
	})
}

// Idle delivers one value per quiet period.
func (d *IdleDetector) Idle() <-chan struct{} {
	return d.idle
}

// Touch records activity.
func (d *IdleDetector) Touch() {
	select {
	case d.activity <- struct{}{}:
	default:
	}
}

// Stop stops observing and closes the watcher.
func (d *IdleDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to close watcher")
			}
		}
		d.logger.Info().Msg("Idle detector stopped")
	})
}

func (d *IdleDetector) run() {
	defer d.wg.Done()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if d.watcher != nil {
		events = d.watcher.Events
		errs = d.watcher.Errors
	}

	timer := time.NewTimer(d.threshold)
	defer timer.Stop()
	armed := true

	reset := func() {
		timer.Reset(d.threshold)
		armed = true
	}

	for {
		select {
		case <-d.done:
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if d.ignored(ev.Name) {
				continue
			}
			d.logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("Profile activity")
			reset()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.logger.Warn().Err(err).Msg("Watcher error")

		case <-d.activity:
			reset()

		case <-timer.C:
			if !armed {
				continue
			}
			armed = false
			select {
			case d.idle <- struct{}{}:
			default:
			}
		}
	}
}

func (d *IdleDetector) ignored(path string) bool {
	path = filepath.Clean(path)
	for _, p := range d.ignore {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
