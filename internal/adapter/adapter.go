// Package adapter accepts host WebSocket connections and resolves each one to
// the session Context named by its session header.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/config"
	"github.com/cory-johannsen/mrsync/internal/observability"
	"github.com/cory-johannsen/mrsync/internal/protocol"
	"github.com/cory-johannsen/mrsync/internal/session"
	"github.com/cory-johannsen/mrsync/internal/transport"
)

// DefaultSessionHeader carries the session id on the upgrade request.
const DefaultSessionHeader = "X-MRSync-Session-ID"

// ConnectionParams describes a successfully handshaken connection.
type ConnectionParams struct {
	SessionID string
	// Query is the upgrade request's query string, unmodified.
	Query      url.Values
	ClientAddr string
	// Reconnect is true when the session id resolved to an existing Context.
	Reconnect bool
}

// ConnectionHandler observes new connections.
type ConnectionHandler func(*session.Context, ConnectionParams)

// Options configures an Adapter.
type Options struct {
	SessionHeader  string
	TrustedProxies []netip.Prefix
	Transport      transport.Options
	// BaseContext bounds every session's sync loop. Defaults to context.Background().
	BaseContext context.Context
	// CheckOrigin is passed to the WebSocket upgrader; nil accepts every origin.
	CheckOrigin func(*http.Request) bool
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// OptionsFromConfig builds adapter options from configuration.
//
// Postcondition: Returns Options or an error if a trusted proxy entry does not parse.
func OptionsFromConfig(cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (Options, error) {
	proxies, err := ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return Options{}, err
	}
	return Options{
		SessionHeader:  cfg.Server.SessionHeader,
		TrustedProxies: proxies,
		Transport:      transport.OptionsFromConfig(cfg.Sync, metrics),
		Logger:         logger,
		Metrics:        metrics,
	}, nil
}

// Adapter is the http.Handler hosts connect to.
type Adapter struct {
	registry *session.Registry
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
	trusted  proxyMatcher

	mu        sync.Mutex
	observers []ConnectionHandler
}

// New creates an Adapter resolving sessions through registry.
//
// Precondition: registry must be non-nil.
// Postcondition: Returns an Adapter with no connection observers.
func New(registry *session.Registry, opts Options) *Adapter {
	if opts.SessionHeader == "" {
		opts.SessionHeader = DefaultSessionHeader
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Adapter{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.Named("adapter"),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		trusted:  proxyMatcher(opts.TrustedProxies),
	}
}

// OnConnection registers fn. Observers run synchronously, in registration
// order, once per successful handshake.
func (a *Adapter) OnConnection(fn ConnectionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// ServeHTTP upgrades the request, binds the new connection to its session
// Context and waits for the host's handshake.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get(a.opts.SessionHeader))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	addr := clientAddr(r, a.trusted)
	logger := observability.ForSession(a.logger, sessionID).With(zap.String(observability.FieldClientAddr, addr))

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.opts.Metrics.TransportError("upgrade")
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := transport.NewWSConn(ws, a.opts.Transport, logger)

	sctx, created := a.registry.GetOrCreate(sessionID)
	a.opts.Metrics.ConnectionAccepted(!created)
	if err := sctx.Bind(conn); err != nil {
		logger.Warn("binding connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := sctx.StartListening(r.Context()); err != nil {
		return
	}
	sctx.Start(a.opts.BaseContext)

	params := ConnectionParams{
		SessionID:  sessionID,
		Query:      r.URL.Query(),
		ClientAddr: addr,
		Reconnect:  !created,
	}
	logger.Info("host connected",
		zap.String(observability.FieldConnectionID, conn.ID()),
		zap.Bool("reconnect", params.Reconnect),
	)

	a.mu.Lock()
	observers := append([]ConnectionHandler(nil), a.observers...)
	a.mu.Unlock()
	for _, fn := range observers {
		fn(sctx, params)
	}
}

// Routes mounts the adapter at path next to /healthz and, when gatherer is
// non-nil, /metrics.
func (a *Adapter) Routes(path string, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get(path, a.ServeHTTP)
	return r
}

type health struct {
	Status   string `json:"status"`
	Protocol string `json:"protocol"`
	Sessions int    `json:"sessions"`
}

func (a *Adapter) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:   "ok",
		Protocol: protocol.Version,
		Sessions: a.registry.Len(),
	})
}
