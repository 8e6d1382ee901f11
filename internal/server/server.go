// Package server orchestrates all components: COMMS client, DB, endpoint cache, one engine per family, control API, HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/route-negotiator/internal/config"
	"github.com/morezero/route-negotiator/pkg/bootstrap"
	"github.com/morezero/route-negotiator/pkg/commsutil"
	"github.com/morezero/route-negotiator/pkg/control"
	"github.com/morezero/route-negotiator/pkg/db"
	"github.com/morezero/route-negotiator/pkg/dispatcher"
	"github.com/morezero/route-negotiator/pkg/endpoint"
	"github.com/morezero/route-negotiator/pkg/events"
	"github.com/morezero/route-negotiator/pkg/negotiation"
	"github.com/morezero/route-negotiator/pkg/semver"
	"github.com/morezero/route-negotiator/pkg/transport"
	"github.com/morezero/route-negotiator/pkg/voyage"
)

const logPrefix = "server:server"

// familyService is what the HTTP layer needs from one family. control.Service
// implements it for every route type.
type familyService interface {
	Family() string
	Health(ctx context.Context) *control.HealthOutput
	Dispatch(ctx context.Context, req *control.Request) *control.Response
}

// endpointView is the read side of the endpoint cache.
type endpointView interface {
	Endpoints() []endpoint.Endpoint
	RefreshedAt() time.Time
	ConsecutiveFailures() int64
}

// wiredFamily is a running engine with its subscriptions.
type wiredFamily struct {
	service familyService
	stats   func() dispatcher.Stats
	subs    []*comms.Subscription
	close   func()
}

// Server is the route-negotiator orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	endpoints  endpointView
	families   []*wiredFamily
	subs       []*comms.Subscription
	now        func() time.Time
}

// SetupLogging installs the default slog handler for level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	SetupLogging(cfg.LogLevel)

	slog.Info(fmt.Sprintf("%s - Starting route-negotiator for shore %s (families %v)", logPrefix, cfg.ShoreID, cfg.Families))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &Server{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	defer s.close()

	// Step 1: Load counterparty seeds
	seedCfg, err := bootstrap.LoadSeedConfig(cfg.EndpointSeedFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load seed config: %w", logPrefix, err)
	}
	seeds := bootstrap.CreateResolvedSeeds(seedCfg)
	slog.Info(fmt.Sprintf("%s - Seeds %s@%s: %d counterparties", logPrefix, seeds.Name(), seeds.Version(), len(seeds.Endpoints())))

	// Step 2: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Connect to database, migrate if enabled
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool
	if cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	// Step 4: Transport, presence and endpoint cache
	policy, err := semver.NewPolicy(cfg.ProtocolConstraint)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	gateway := transport.NewGateway(nc, transport.Options{
		SelfID:          cfg.ShoreID,
		Protocol:        cfg.ProtocolVersion,
		PresenceSubject: cfg.PresenceSubject,
		DiscoveryWindow: cfg.DiscoveryWindow,
		HandlerTimeout:  cfg.RequestTimeout,
	})
	cache := endpoint.NewCache(gateway, policy, seeds.Endpoints())
	s.endpoints = cache

	presence, err := gateway.ServePresence(s.announcement())
	if err != nil {
		return fmt.Errorf("%s - failed to announce presence: %w", logPrefix, err)
	}
	s.subs = append(s.subs, presence)

	// Step 5: One engine per family
	deps := familyDeps{
		cfg:       cfg,
		nc:        nc,
		gateway:   gateway,
		locator:   seedLocator{seeds: seeds, cache: cache},
		canonical: seeds.ResolveAlias,
		policy:    policy,
		voyages:   db.NewRepository(pool),
		listener:  events.NewListener(events.NewCommsPublisher(nc), cfg.RequestTimeout),
		checks:    s.dependencyChecks,
	}
	for _, family := range cfg.Families {
		var (
			wf  *wiredFamily
			err error
		)
		switch family {
		case config.FamilyStrategic:
			wf, err = startFamily[voyage.Route](ctx, family, deps)
		case config.FamilyTactical:
			wf, err = startFamily[voyage.RouteSuggestion](ctx, family, deps)
		default:
			err = fmt.Errorf("%s - unknown family %q", logPrefix, family)
		}
		if err != nil {
			return err
		}
		s.families = append(s.families, wf)
	}

	// Step 6: HTTP health server and background loops
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cache.Run(gctx, endpoint.Schedule{
			InitialDelay: cfg.RefreshInitialDelay,
			Interval:     cfg.RefreshInterval,
			Jitter:       cfg.RefreshJitter,
		})
		return nil
	})
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HealthCheckTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	slog.Info(fmt.Sprintf("%s - route-negotiator is ready", logPrefix))
	err = g.Wait()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

// announcement lists the inbound subject of every enabled family.
func (s *Server) announcement() transport.Announcement {
	subjects := make(map[string]string, len(s.cfg.Families))
	for _, f := range s.cfg.Families {
		subjects[f] = commsutil.BuildInboundSubject(s.cfg.ShoreID, f)
	}
	return transport.Announcement{
		CounterpartyID: s.cfg.ShoreID,
		Protocol:       s.cfg.ProtocolVersion,
		Subjects:       subjects,
	}
}

// dependencyChecks reports COMMS and database reachability.
func (s *Server) dependencyChecks(ctx context.Context) map[string]bool {
	checks := map[string]bool{
		"comms":    s.nc != nil && s.nc.IsConnected(),
		"database": false,
	}
	if s.pool != nil {
		checks["database"] = s.pool.Ping(ctx) == nil
	}
	return checks
}

// close releases everything Run acquired, in reverse order. Safe on a
// partially started server.
func (s *Server) close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	for _, wf := range s.families {
		for _, sub := range wf.subs {
			_ = sub.Unsubscribe()
		}
		wf.close()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			slog.Warn(fmt.Sprintf("%s - COMMS drain: %v", logPrefix, err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// seedLocator resolves seed aliases (call signs, MMSI) before giving up on
// a counterparty id.
type seedLocator struct {
	seeds *bootstrap.ResolvedSeeds
	cache dispatcher.Locator
}

func (l seedLocator) Locate(counterpartyID string) (endpoint.Endpoint, bool) {
	if ep, ok := l.cache.Locate(counterpartyID); ok {
		return ep, true
	}
	resolved := l.seeds.ResolveAlias(counterpartyID)
	if resolved == counterpartyID {
		return endpoint.Endpoint{}, false
	}
	return l.cache.Locate(resolved)
}

// familyDeps are the shared components every family engine is built on.
type familyDeps struct {
	cfg       *config.Config
	nc        *comms.Conn
	gateway   *transport.Gateway
	locator   dispatcher.Locator
	canonical func(counterpartyID string) string
	policy    *semver.Policy
	voyages   negotiation.VoyageRegistry
	listener  negotiation.Listener
	checks    control.CheckFunc
}

// startFamily builds the engine for one family and binds its inbound and
// control subjects.
func startFamily[R negotiation.Payload[R]](ctx context.Context, family string, d familyDeps) (*wiredFamily, error) {
	disp := dispatcher.NewDispatcher[R](d.locator, d.gateway, dispatcher.Options{
		Family:   family,
		ShoreID:  d.cfg.ShoreID,
		Protocol: d.cfg.ProtocolVersion,
		Policy:   d.policy,
	})

	engine, err := negotiation.NewEngine(negotiation.Config[R]{
		Family:  family,
		Sender:  disp,
		Voyages: d.voyages,
		Commit: negotiation.CommitPolicy{
			MaxAttempts:    d.cfg.CommitMaxAttempts,
			InitialBackoff: d.cfg.CommitInitialBackoff,
			MaxBackoff:     d.cfg.CommitMaxBackoff,
			Timeout:        d.cfg.CommitTimeout,
		},
		RetractTimeout: d.cfg.CommitTimeout,
		Canonical:      d.canonical,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - %s engine: %w", logPrefix, family, err)
	}
	disp.Bind(engine)
	unsubscribe := engine.Subscribe(d.listener)

	wf := &wiredFamily{
		stats: disp.Stats,
		close: func() {
			unsubscribe()
			engine.Close()
		},
	}

	inboundSubject := commsutil.BuildInboundSubject(d.cfg.ShoreID, family)
	inbound, err := d.gateway.Subscribe(inboundSubject, d.cfg.COMMSName, func(ctx context.Context, data []byte) {
		if err := disp.HandleInbound(ctx, data); err != nil && !errors.Is(err, dispatcher.ErrDropped) {
			slog.Warn(fmt.Sprintf("%s - %s inbound: %v", logPrefix, family, err))
		}
	})
	if err != nil {
		wf.close()
		return nil, err
	}
	wf.subs = append(wf.subs, inbound)

	svc := control.NewService[R](engine, d.checks)
	wf.service = svc
	ctl, err := control.Serve(ctx, d.nc, commsutil.BuildControlSubject(d.cfg.ShoreID, family), d.cfg.COMMSName, svc, d.cfg.RequestTimeout)
	if err != nil {
		_ = inbound.Unsubscribe()
		wf.close()
		return nil, err
	}
	wf.subs = append(wf.subs, ctl)

	slog.Info(fmt.Sprintf("%s - %s family ready on %s", logPrefix, family, inboundSubject))
	return wf, nil
}
