// Package api exposes the engine over HTTP: a JSON API for trading and
// account reads, a WebSocket stream of lifecycle events, and a gRPC health
// service that follows the provider's connection state.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"brokerd/internal/engine"
	"brokerd/internal/events"
)

// Server hosts the HTTP and gRPC endpoints of the daemon.
type Server struct {
	engine *engine.Engine
	bus    *events.Bus
	health *HealthReporter
	log    *slog.Logger
	now    func() time.Time

	// authSecret, when set, is the HS256 key bearer tokens must be signed
	// with on every route except status, capabilities and health.
	authSecret []byte
}

// NewServer creates a Server over eng. Lifecycle events are read from bus.
func NewServer(eng *engine.Engine, bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine: eng,
		bus:    bus,
		health: NewHealthReporter(eng.Provider().Name(), log),
		log:    log,
		now:    time.Now,
	}
}

// Health returns the gRPC health reporter.
func (s *Server) Health() *HealthReporter { return s.health }

// RequireToken protects the trading and account routes with HS256 bearer
// tokens signed with secret. An empty secret leaves them open.
func (s *Server) RequireToken(secret string) {
	if secret == "" {
		s.authSecret = nil
		return
	}
	s.authSecret = []byte(secret)
}

// Router returns the API routes with request-id, real-ip, recovery and CORS
// middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, corsMiddleware)

	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/capabilities", s.handleCapabilities)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireToken)
		protected.Get("/api/v1/quote", s.handleQuote)
		protected.Get("/api/v1/positions", s.handlePositions)
		protected.Get("/api/v1/balance", s.handleBalance)
		protected.Get("/api/v1/pnl", s.handlePnL)
		protected.Get("/api/v1/orders", s.handleOrders)
		protected.Post("/api/v1/orders", s.handlePlaceOrder)
		protected.Delete("/api/v1/orders", s.handleCancelOrder)
		protected.Get("/api/v1/orders/{client_order_id}/events", s.handleOrderEvents)
		protected.Get("/api/v1/fills", s.handleFills)
		protected.Get("/api/v1/events", s.handleEvents)
		protected.Get("/api/v1/connection-events", s.handleConnectionEvents)
		protected.Get("/ws/events", s.handleEventStream)
	})
	return r
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.Router()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves HTTP on httpAddr and gRPC health on grpcAddr until
// ctx is cancelled or a listener fails, then shuts both down. An empty
// grpcAddr disables gRPC.
func (s *Server) ListenAndServe(ctx context.Context, httpAddr, grpcAddr string) error {
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		gs  *grpc.Server
		lis net.Listener
		err error
	)
	if grpcAddr != "" {
		if lis, err = net.Listen("tcp", grpcAddr); err != nil {
			return err
		}
		gs = grpc.NewServer()
		s.health.RegisterGRPC(gs)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.health.Watch(gctx, s.bus, s.engine.Status().Connected)
		return nil
	})
	g.Go(func() error {
		s.log.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if gs != nil {
		g.Go(func() error {
			s.log.Info("grpc server listening", "addr", grpcAddr)
			return gs.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutting down http server", "error", err)
		}
		if gs != nil {
			gs.GracefulStop()
		}
		return nil
	})
	return g.Wait()
}
