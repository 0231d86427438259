// Package supervisor wires every component together and owns the
// process's top-level lifecycle: startup order, periodic maintenance,
// and graceful shutdown.
package supervisor

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/primal-host/pushbridge/internal/classify"
	"github.com/primal-host/pushbridge/internal/config"
	"github.com/primal-host/pushbridge/internal/database"
	"github.com/primal-host/pushbridge/internal/firehose"
	"github.com/primal-host/pushbridge/internal/identity"
	"github.com/primal-host/pushbridge/internal/post"
	"github.com/primal-host/pushbridge/internal/push"
	"github.com/primal-host/pushbridge/internal/relationship"
	"github.com/primal-host/pushbridge/internal/server"
)

const (
	commitQueueCapacity       = 1000
	notificationQueueCapacity = 1000
	maintenanceInterval       = 1 * time.Hour
	registeredUsersRefresh    = 5 * time.Minute
)

// Supervisor owns every long-running component.
type Supervisor struct {
	cfg *config.Config
	log *zap.SugaredLogger

	db            *database.DB
	cursor        *firehose.CursorStore
	consumer      *firehose.Consumer
	handles       *identity.Resolver
	posts         *post.Resolver
	relationships *relationship.Manager
	devices       *push.DeviceStore
	dispatcher    *push.Dispatcher
	classifier    *classify.Classifier
	api           *server.Server
}

// New wires every component from configuration. The push gateway is
// optional: when APNSKeyPath is unset, notifications are classified
// and logged but not delivered, which is useful for running the
// firehose/classifier pipeline standalone.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*Supervisor, error) {
	maxConns := int32(2*runtime.NumCPU() + 1)
	if cfg.WorkerThreads > 0 {
		maxConns = int32(2*cfg.WorkerThreads + 1)
	}

	db, err := database.Open(ctx, cfg.DatabaseURL, maxConns)
	if err != nil {
		return nil, err
	}

	relationships := relationship.NewManager(db.Pool, log, cfg.UseHashedRelationships, cfg.ServerEncryptionSecret)
	handles := identity.NewResolver(cfg.PLCDirectoryURL, db.Pool, log)
	posts := post.NewResolver(ctx, cfg.BskyServiceURL, db.Pool, log)
	devices := push.NewDeviceStore(db.Pool)
	cursor := firehose.NewCursorStore(db.Pool)

	classifier := classify.NewClassifier(relationships, handles, posts)

	var dispatcher *push.Dispatcher
	if cfg.APNSKeyPath != "" {
		gw, err := push.NewGateway(push.GatewayConfig{
			KeyPath:    cfg.APNSKeyPath,
			KeyID:      cfg.APNSKeyID,
			TeamID:     cfg.APNSTeamID,
			Topic:      cfg.APNSTopic,
			Production: cfg.APNSProduction,
		})
		if err != nil {
			return nil, err
		}
		dispatcher = push.NewDispatcher(gw, devices, log)
	}

	api := server.New(cfg.AdminKey, devices, relationships, log)

	return &Supervisor{
		cfg:           cfg,
		log:           log,
		db:            db,
		cursor:        cursor,
		handles:       handles,
		posts:         posts,
		relationships: relationships,
		devices:       devices,
		dispatcher:    dispatcher,
		classifier:    classifier,
		api:           api,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or the
// consumer or management API exits; it logs that component's error,
// closes the database pool, and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	commits := make(chan *firehose.CommitEvent, commitQueueCapacity)
	notifications := make(chan classify.Notification, notificationQueueCapacity)

	s.consumer = firehose.NewConsumer(s.cfg.FirehoseURL, s.cursor, s.log, commits)

	errCh := make(chan error, 4)

	go func() { errCh <- s.consumer.Run(ctx) }()
	go s.runClassifyLoop(ctx, commits, notifications)
	if s.dispatcher != nil {
		go s.dispatcher.Run(ctx, notifications)
	} else {
		go s.drainAndLog(ctx, notifications)
	}
	go s.runMaintenanceLoop(ctx)
	go func() { errCh <- s.api.Start(ctx, s.cfg.ListenAddr) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.log.Errorw("component exited with error", "error", err)
		}
	}

	s.db.Close()
	return nil
}

// runClassifyLoop maintains the registered-user set (refreshed
// periodically rather than per-event, since the device table changes
// far less often than the firehose emits events) and classifies each
// commit as it arrives.
func (s *Supervisor) runClassifyLoop(ctx context.Context, commits <-chan *firehose.CommitEvent, notifications chan<- classify.Notification) {
	registered, err := s.devices.RegisteredDIDs(ctx)
	if err != nil {
		s.log.Errorw("failed to load registered dids", "error", err)
		registered = map[string]bool{}
	}

	ticker := time.NewTicker(registeredUsersRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if fresh, err := s.devices.RegisteredDIDs(ctx); err == nil {
				registered = fresh
			} else {
				s.log.Warnw("failed to refresh registered dids", "error", err)
			}

		case evt, ok := <-commits:
			if !ok {
				return
			}
			for _, n := range s.classifier.Classify(ctx, evt, registered) {
				enqueueNotification(ctx, notifications, n)
			}
		}
	}
}

// enqueueNotification applies kind-differentiated backpressure: likes,
// reposts, and quotes are high-volume and low-urgency, so a full queue
// silently drops them rather than stalling the classify loop. Mentions,
// replies, and follows are rarer and more user-visible, so a full queue
// gets one brief yield before falling back to a drop as well — never
// blocking indefinitely, since a stuck dispatcher must not stall
// firehose consumption.
func enqueueNotification(ctx context.Context, notifications chan<- classify.Notification, n classify.Notification) {
	switch n.Kind {
	case classify.KindLike, classify.KindRepost, classify.KindQuote:
		select {
		case notifications <- n:
		default:
		}
	default:
		select {
		case notifications <- n:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
		}
	}
}

// drainAndLog consumes notifications when no gateway is configured, so
// the channel never fills and blocks the classifier.
func (s *Supervisor) drainAndLog(ctx context.Context, notifications <-chan classify.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			s.log.Infow("notification (no gateway configured)", "recipient", n.RecipientDID, "kind", n.Kind, "title", n.Title)
		}
	}
}

// runMaintenanceLoop periodically sweeps expired cache entries from
// the handle and post resolver database tiers.
func (s *Supervisor) runMaintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.handles.CleanupExpired(ctx); err != nil {
				s.log.Warnw("handle cache cleanup failed", "error", err)
			} else {
				s.log.Infow("handle cache cleanup", "removed", n)
			}
			if n, err := s.posts.CleanupExpired(ctx); err != nil {
				s.log.Warnw("post cache cleanup failed", "error", err)
			} else {
				s.log.Infow("post cache cleanup", "removed", n)
			}
		}
	}
}
