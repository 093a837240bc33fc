// Package tracking runs a driver's tracking session: samples flow through
// the detector, and the resulting location updates and stop events are
// handed to the durable delivery queue.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/database"
	"fleet-tracker/internal/detector"
	"fleet-tracker/internal/models"
	"fleet-tracker/internal/queue"
	"fleet-tracker/internal/sampler"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrAlreadyTracking  = errors.New("tracking already started")
	ErrNoDriver         = errors.New("driver name is required")
	ErrPermissionDenied = sampler.ErrPermissionDenied
	ErrNoGeolocation    = sampler.ErrUnsupported
)

// Config configures a tracking session
type Config struct {
	DriverName string
	Detection  detector.Config
	// DrainInterval is how often the queue is drained while tracking. Zero
	// disables the drain ticker.
	DrainInterval time.Duration
}

// Service owns one driver's detector, sampler and queue
type Service struct {
	cfg      Config
	db       *database.DB
	queue    *queue.Manager
	detector *detector.Detector
	sampler  *sampler.Sampler
	clock    clock.Clock

	// background context for enqueues that must not be cut short by Stop
	ctx context.Context

	mu       sync.Mutex
	tracking bool
	driver   string
	cancel   context.CancelFunc
	workers  *pool.ContextPool
}

// New creates a tracking service. Nothing runs until Start or Resume.
func New(cfg Config, db *database.DB, q *queue.Manager, source sampler.Source, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Service{
		cfg:      cfg,
		db:       db,
		queue:    q,
		detector: detector.New(cfg.Detection, clk),
		clock:    clk,
		ctx:      context.Background(),
	}
	s.sampler = sampler.New(source, s.onSample)
	s.detector.OnStopConfirmed(s.enqueueStop)
	return s
}

// Tracking reports whether a session is running
func (s *Service) Tracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracking
}

// DriverName returns the driver of the current or last session
func (s *Service) DriverName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// Start begins tracking. A source that refuses access returns its error
// unchanged and leaves the service stopped with nothing enqueued.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracking {
		return ErrAlreadyTracking
	}

	driver, err := s.resolveDriver(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	samples, errs, err := s.sampler.Open(runCtx)
	if err != nil {
		cancel()
		log.Warn().Err(err).Msg("[TRACK] Location source refused")
		return err
	}

	s.driver = driver
	if err := s.persist(ctx, driver, true); err != nil {
		s.db.Recover(err)
		log.Error().Err(err).Msg("[TRACK] Failed to persist settings")
	}
	if _, err := s.recoverPending(ctx, driver); err != nil {
		log.Error().Err(err).Msg("[TRACK] Failed to recover pending updates")
	}

	workers := pool.New().WithContext(runCtx)
	workers.Go(func(ctx context.Context) error {
		s.sampler.Forward(ctx, samples, errs)
		return nil
	})
	if s.cfg.DrainInterval > 0 {
		workers.Go(func(ctx context.Context) error {
			s.drain(ctx)
			return nil
		})
	}

	s.tracking = true
	s.cancel = cancel
	s.workers = workers

	log.Info().Str("driver", driver).Msg("[TRACK] Tracking started")
	return nil
}

// Stop ends tracking. The stop timer is cancelled and the in-memory route
// is cleared; queued items stay in the store.
func (s *Service) Stop(ctx context.Context) error {
	if !s.halt() {
		return nil
	}
	if err := s.db.Settings.Set(ctx, database.SettingTracking, "false"); err != nil {
		s.db.Recover(err)
		return fmt.Errorf("persist tracking flag: %w", err)
	}
	log.Info().Msg("[TRACK] Tracking stopped")
	return nil
}

// Close halts a running session like Stop but leaves the tracking flag set,
// so the next Resume picks tracking up again.
func (s *Service) Close() {
	if s.halt() {
		log.Info().Msg("[TRACK] Tracking suspended")
	}
}

func (s *Service) halt() bool {
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return false
	}
	cancel, workers := s.cancel, s.workers
	s.tracking = false
	s.cancel = nil
	s.workers = nil
	s.mu.Unlock()

	cancel()
	_ = workers.Wait()
	s.detector.Reset()
	return true
}

// Resume restarts tracking if the previous run was still tracking when it
// ended. It reports whether tracking was resumed.
func (s *Service) Resume(ctx context.Context) (bool, error) {
	flag, err := s.db.Settings.Get(ctx, database.SettingTracking)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read tracking flag: %w", err)
	}
	if flag != "true" {
		return false, nil
	}
	if err := s.Start(ctx); err != nil {
		return false, err
	}
	log.Info().Msg("[TRACK] Resumed previous session")
	return true, nil
}

// Clear discards the route and stop history
func (s *Service) Clear() {
	s.detector.Reset()
}

// History returns the route and every stop recorded this session
func (s *Service) History() ([]models.RoutePoint, []models.StopInterval) {
	return s.detector.Route(), s.detector.Stops()
}

// ValidStops returns the stops that lasted at least the detection time
func (s *Service) ValidStops() []models.StopInterval {
	return s.detector.ValidStops()
}

// RecoverPending enqueues location updates that were saved but never made
// it into the queue, for instance because the process died in between.
func (s *Service) RecoverPending(ctx context.Context) (int, error) {
	return s.recoverPending(ctx, "")
}

func (s *Service) recoverPending(ctx context.Context, driver string) (int, error) {
	pending, err := s.db.LocationUpdates.GetAll(ctx)
	if err != nil {
		s.db.Recover(err)
		return 0, fmt.Errorf("load pending updates: %w", err)
	}

	recovered := 0
	for _, update := range pending {
		if update.DriverName == "" {
			update.DriverName = driver
		}
		if _, err := s.queue.Enqueue(ctx, models.TypeLocationUpdate, update, models.PriorityLocation); err != nil {
			return recovered, fmt.Errorf("enqueue pending update %s: %w", update.ID, err)
		}
		if err := s.db.LocationUpdates.Remove(ctx, update.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return recovered, fmt.Errorf("remove pending update %s: %w", update.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		log.Info().Int("count", recovered).Msg("[TRACK] Recovered pending updates")
	}
	return recovered, nil
}

func (s *Service) resolveDriver(ctx context.Context) (string, error) {
	if s.cfg.DriverName != "" {
		return s.cfg.DriverName, nil
	}
	name, err := s.db.Settings.Get(ctx, database.SettingDriverName)
	if errors.Is(err, database.ErrNotFound) || (err == nil && name == "") {
		return "", ErrNoDriver
	}
	if err != nil {
		return "", fmt.Errorf("read driver name: %w", err)
	}
	return name, nil
}

func (s *Service) persist(ctx context.Context, driver string, tracking bool) error {
	if err := s.db.Settings.Set(ctx, database.SettingDriverName, driver); err != nil {
		return err
	}
	flag := "false"
	if tracking {
		flag = "true"
	}
	return s.db.Settings.Set(ctx, database.SettingTracking, flag)
}

func (s *Service) onSample(sample models.PositionSample) {
	res := s.detector.OnSample(sample)
	if res.Rejected {
		return
	}

	ts := sample.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	s.publishLocation(models.LocationUpdate{
		ID:         uuid.NewString(),
		DriverName: s.DriverName(),
		Position:   sample.LatLng(),
		Accuracy:   sample.AccuracyMeters,
		Timestamp:  ts,
	})

	if res.StopEvent != nil {
		s.enqueueStop(*res.StopEvent)
	}
}

// publishLocation saves the update before queueing it so a crash between
// the two steps is recovered on the next start.
func (s *Service) publishLocation(update models.LocationUpdate) {
	if err := s.db.LocationUpdates.Add(s.ctx, update); err != nil {
		s.db.Recover(err)
		log.Error().Err(err).Str("update_id", update.ID).Msg("[TRACK] Failed to save location update")
		return
	}
	if _, err := s.queue.Enqueue(s.ctx, models.TypeLocationUpdate, update, models.PriorityLocation); err != nil {
		log.Error().Err(err).Str("update_id", update.ID).Msg("[TRACK] Failed to queue location update")
		return
	}
	if err := s.db.LocationUpdates.Remove(s.ctx, update.ID); err != nil {
		s.db.Recover(err)
		log.Warn().Err(err).Str("update_id", update.ID).Msg("[TRACK] Failed to clear pending update")
	}
}

func (s *Service) enqueueStop(stop models.StopInterval) {
	event := models.StopEvent{DriverName: s.DriverName(), Stop: stop}
	if _, err := s.queue.Enqueue(s.ctx, models.TypeStopEvent, event, models.PriorityStop); err != nil {
		log.Error().Err(err).Str("stop_id", stop.ID).Msg("[TRACK] Failed to queue stop event")
		return
	}
	log.Info().Str("stop_id", stop.ID).Bool("open", stop.IsOpen()).Msg("[TRACK] Stop event queued")
}

func (s *Service) drain(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.queue.ProcessQueue(ctx)
		}
	}
}
