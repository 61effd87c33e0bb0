// Package acquisition runs the single polling loop: it reads every due
// sensor, folds the outcome through the reading cache, escalates recovery
// and hands grouped readings to the publisher.
package acquisition

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ericogr/sensorlink/pkg/cache"
	"github.com/ericogr/sensorlink/pkg/metrics"
	"github.com/ericogr/sensorlink/pkg/output"
	"github.com/ericogr/sensorlink/pkg/sensor"
)

// ErrRestartRequired is returned by Run when failures persisted past the
// restart threshold. The process supervisor is expected to restart.
var ErrRestartRequired = errors.New("acquisition: restart required")

const (
	DefaultInterval     = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultPublishFailureLimit consecutive failed publishes ask for a restart.
	DefaultPublishFailureLimit = 10
)

// Source is one driver and the device it reports for.
type Source struct {
	Driver   sensor.Driver
	DeviceID string
	Interval time.Duration
}

// Sender is implemented by publisher.Publisher.
type Sender interface {
	Send(ctx context.Context, deviceID string, readings map[string]sensor.Reading) output.Result
}

// Resetter rebuilds the bus handle.
type Resetter interface {
	Reset() error
}

// Poller is given time on every pass, e.g. to run queued MQTT commands.
type Poller interface {
	Poll(ctx context.Context) error
}

// StatusPublisher announces device presence periodically.
type StatusPublisher interface {
	PublishStatus(ctx context.Context) output.Result
	StatusInterval() time.Duration
}

type Options struct {
	Publisher Sender
	Cache     *cache.Cache
	// Bus is nil when no shared bus is in use.
	Bus     Resetter
	Pollers []Poller
	Status  []StatusPublisher
	// Interval applies to sources without one.
	Interval time.Duration
	// PollInterval bounds how long the loop sleeps between passes.
	PollInterval        time.Duration
	PublishFailureLimit int
	Clock               clock.Clock
	Metrics             *metrics.Metrics
	Logger              *zap.SugaredLogger
}

type source struct {
	Source
	next    time.Time
	present bool
}

type status struct {
	StatusPublisher
	next time.Time
}

type Loop struct {
	sources        []*source
	status         []*status
	opts           Options
	publishErrors  int
	restartPending bool
}

func New(sources []Source, o Options) *Loop {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Cache == nil {
		o.Cache = cache.New(cache.DefaultThresholds(), o.Clock)
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PublishFailureLimit <= 0 {
		o.PublishFailureLimit = DefaultPublishFailureLimit
	}
	l := &Loop{opts: o}
	for _, s := range sources {
		if s.Interval <= 0 {
			s.Interval = o.Interval
		}
		l.sources = append(l.sources, &source{Source: s})
	}
	for _, s := range o.Status {
		if s.StatusInterval() > 0 {
			l.status = append(l.status, &status{StatusPublisher: s})
		}
	}
	return l
}

// Start identifies and initializes every sensor. A missing sensor is not
// fatal; it is identified again when it next falls due.
func (l *Loop) Start(ctx context.Context) {
	now := l.opts.Clock.Now()
	for _, s := range l.sources {
		l.bringUp(ctx, s)
		s.next = now
	}
	for _, s := range l.status {
		s.next = now
	}
}

func (l *Loop) bringUp(ctx context.Context, s *source) bool {
	log := l.opts.Logger.With("sensor", s.Driver.ID())
	if err := s.Driver.Identify(ctx); err != nil {
		log.Warnw("sensor not found", "error", err)
		return false
	}
	if init, ok := s.Driver.(sensor.Initializer); ok {
		if err := init.Init(ctx); err != nil {
			log.Warnw("sensor init failed", "error", err)
			return false
		}
	}
	log.Infow("sensor ready", "device", s.DeviceID, "interval", s.Interval)
	s.present = true
	return true
}

// Run repeats RunOnce until ctx is done or a restart is required. Drivers
// are closed on the way out.
func (l *Loop) Run(ctx context.Context) error {
	l.Start(ctx)
	defer func() {
		if err := l.Close(); err != nil {
			l.opts.Logger.Warnw("closing sensors", "error", err)
		}
	}()
	for {
		if err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.opts.Clock.After(l.sleepFor()):
		}
	}
}

// RunOnce performs one pass: poll due sensors, publish per device, run
// pollers and due status messages.
func (l *Loop) RunOnce(ctx context.Context) error {
	now := l.opts.Clock.Now()
	byDevice := make(map[string]map[string]sensor.Reading)

	for _, s := range l.sources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if now.Before(s.next) {
			continue
		}
		s.next = now.Add(s.Interval)
		if !s.present && !l.bringUp(ctx, s) {
			l.absorb(s, l.opts.Cache.Update(s.Driver.ID(), sensor.Sample{}, errSensorAbsent), byDevice)
			continue
		}
		sample, err := s.Driver.Read(ctx)
		l.absorb(s, l.opts.Cache.Update(s.Driver.ID(), sample, err), byDevice)
	}

	devices := make([]string, 0, len(byDevice))
	for d := range byDevice {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	for _, d := range devices {
		l.publish(ctx, d, byDevice[d])
	}

	for _, p := range l.opts.Pollers {
		if err := p.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.opts.Logger.Warnw("poll failed", "error", err)
		}
	}
	for _, s := range l.status {
		if now.Before(s.next) {
			continue
		}
		s.next = now.Add(s.StatusInterval())
		if res := s.PublishStatus(ctx); !res.Success {
			l.opts.Logger.Warnw("status publish failed", "error", res.Err)
		}
	}

	if l.restartPending {
		return ErrRestartRequired
	}
	return nil
}

var errSensorAbsent = errors.New("sensor absent")

// absorb applies one cache outcome: logging, escalation and collecting the
// readings to publish.
func (l *Loop) absorb(s *source, eff cache.Effective, byDevice map[string]map[string]sensor.Reading) {
	id := s.Driver.ID()
	log := l.opts.Logger.With("sensor", id)

	switch {
	case eff.Skipped:
		l.opts.Metrics.ObserveRead(id, metrics.ResultSkipped)
		log.Debugw("sensor not ready, skipping")
		return
	case eff.Err != nil && eff.Cached:
		l.opts.Metrics.ObserveRead(id, metrics.ResultCached)
		log.Warnw("read failed, using cached values", "age", eff.Age, "error", eff.Err)
	case eff.Err != nil:
		l.opts.Metrics.ObserveRead(id, metrics.ResultError)
		log.Warnw("read failed, no cached values", "error", eff.Err)
	default:
		l.opts.Metrics.ObserveRead(id, metrics.ResultOK)
	}

	if eff.Stale {
		log.Warnw("sensor repeating the same frame, resetting bus")
		l.opts.Metrics.ObserveStale(id)
		l.resetBus()
		l.opts.Cache.ClearSame(id)
	}
	if eff.NeedsBusReset {
		log.Warnw("repeated failures, resetting bus")
		l.resetBus()
	}
	if eff.NeedsRestart {
		log.Errorw("failures past restart threshold")
		l.restartPending = true
	}

	if len(eff.Readings) == 0 {
		return
	}
	group, ok := byDevice[s.DeviceID]
	if !ok {
		group = make(map[string]sensor.Reading)
		byDevice[s.DeviceID] = group
	}
	for _, r := range eff.Readings {
		key := r.Metric
		if _, taken := group[key]; taken {
			key = id + "_" + r.Metric
		}
		group[key] = r
	}
}

func (l *Loop) publish(ctx context.Context, device string, readings map[string]sensor.Reading) {
	if l.opts.Publisher == nil {
		return
	}
	res := l.opts.Publisher.Send(ctx, device, readings)
	if res.Success {
		l.publishErrors = 0
		return
	}
	l.publishErrors++
	l.opts.Logger.Warnw("telemetry not delivered", "device", device, "consecutive", l.publishErrors, "error", res.Err)
	if l.publishErrors > l.opts.PublishFailureLimit {
		l.opts.Logger.Errorw("publish failures past restart threshold", "consecutive", l.publishErrors)
		l.restartPending = true
	}
}

func (l *Loop) resetBus() {
	if l.opts.Bus == nil {
		return
	}
	l.opts.Metrics.ObserveBusReset()
	if err := l.opts.Bus.Reset(); err != nil {
		l.opts.Logger.Errorw("bus reset failed", "error", err)
	}
}

// sleepFor is the time until the next source or status is due, bounded by
// PollInterval so pollers keep running.
func (l *Loop) sleepFor() time.Duration {
	now := l.opts.Clock.Now()
	d := l.opts.PollInterval
	for _, s := range l.sources {
		if until := s.next.Sub(now); until < d {
			d = until
		}
	}
	for _, s := range l.status {
		if until := s.next.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Close shuts every driver down; BLE drivers disconnect here.
func (l *Loop) Close() error {
	var err error
	for _, s := range l.sources {
		err = multierr.Append(err, s.Driver.Close())
	}
	return err
}
