package speech

import (
	"context"
	"sync"
	"time"
)

type Config struct {
	Window    time.Duration
	Threshold float64
}

func DefaultConfig() Config {
	return Config{Window: 300 * time.Millisecond, Threshold: 0.3}
}

// Transition is emitted when speaking flips.
type Transition struct {
	Speaking bool
	At       time.Time
	// Since is when the finished speaking interval began; zero on start.
	Since time.Time
}

// TransitionFunc receives transitions. ctx is cancelled by Stop, so a
// handler blocked on delivery must give up when it is done.
type TransitionFunc func(ctx context.Context, tr Transition)

// Detector samples one Meter per window and reports speaking transitions.
type Detector struct {
	meter    Meter
	cfg      Config
	onChange TransitionFunc
	now      func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	speaking bool
	since    time.Time
	stopped  bool
}

func NewDetector(meter Meter, cfg Config, onChange TransitionFunc) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Detector{meter: meter, cfg: cfg, onChange: onChange, now: time.Now}
}

func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || d.stopped {
		return
	}
	var ctx context.Context
	ctx, d.cancel = context.WithCancel(context.Background())
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop halts sampling and closes the meter. No transition is delivered
// after Stop returns.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	d.meter.Close()
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if tr, ok := d.sample(); ok {
				d.onChange(ctx, tr)
			}
		}
	}
}

func (d *Detector) sample() (Transition, bool) {
	level, _ := d.meter.Level()
	speaking := level > d.cfg.Threshold

	d.mu.Lock()
	defer d.mu.Unlock()
	if speaking == d.speaking {
		return Transition{}, false
	}
	now := d.now()
	tr := Transition{Speaking: speaking, At: now}
	if speaking {
		d.since = now
	} else {
		tr.Since = d.since
	}
	d.speaking = speaking
	return tr, true
}
