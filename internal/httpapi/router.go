// Package httpapi exposes the CA and Publication Server façades over
// HTTP: an admin-authenticated REST surface for provisioning and
// inspection (spec.md §6), the RFC 6492 up-down responder for remote
// children, and the anonymous RFC 8182 RRDP read surface relying parties
// fetch from. Routing is chi, the same router the pack's other HTTP
// services reach for over the standard library's bare ServeMux.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/eventsourcing"
	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/logging"
	"github.com/rpki-io/krillgo/internal/metrics"
	"github.com/rpki-io/krillgo/internal/pubserver"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// Config configures the HTTP API surface.
type Config struct {
	JWTSecret     string
	RateLimitRPS  float64
	RateLimitBurst int
}

// Server wires the CA and Publication Server façades, the event stores
// behind them, and an admin JWT secret into a routed http.Handler.
type Server struct {
	router *chi.Mux
	feed   *eventFeed
}

// New builds the routed handler. caStore is registered for the live
// event feed in addition to being reachable through caFacade.
func New(
	caFacade *facade.CAServer,
	pubFacade *facade.PubServer,
	caStore eventsourcing.Store[*ca.CA, ca.Command, ca.Event, ca.Init],
	pubStore eventsourcing.Store[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init],
	pubHandle string,
	cfg Config,
	log *logging.Logger,
) *Server {
	feed := newEventFeed(log)
	caStore.AddListener(feed.Listener)

	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	h := &caHandlers{ca: caFacade, pub: pubFacade, pubHandle: pubHandle}
	p := &pubHandlers{pub: pubFacade, pubHandle: rpki.MustHandle(pubHandle)}
	rfc := &rfc6492Handlers{ca: caFacade}
	rrdp := &rrdpHandlers{pub: pubFacade, pubHandle: rpki.MustHandle(pubHandle)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(log.HTTPMiddleware)
	r.Use(metrics.InstrumentHandler)

	r.With(limiter.Middleware).Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.With(limiter.Middleware).Handle("/metrics", metrics.Handler())
	r.With(limiter.Middleware).Get("/rrdp/notification.xml", rrdp.notification)
	r.With(limiter.Middleware).Get("/rrdp/{session}/{serial}/snapshot.xml", rrdp.snapshot)
	r.With(limiter.Middleware).Get("/rrdp/{session}/{from}-{to}/delta.xml", rrdp.delta)
	r.With(limiter.Middleware).Post("/rfc6492/{parent}", rfc.handle)

	r.Group(func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(authMiddleware([]byte(cfg.JWTSecret)))
		}
		r.Use(limiter.Middleware)

		r.Get("/ws/events", feed.handle)

		r.Route("/cas", func(r chi.Router) {
			r.Post("/", h.create)
			r.Get("/", h.list)
			r.Route("/{handle}", func(r chi.Router) {
				r.Get("/", h.get)
				r.Post("/parents", h.addParent)
				r.Post("/children", h.addChild)
				r.Post("/entitlements/refresh", h.refreshEntitlements)
				r.Post("/publish", h.publish)
				r.Post("/key-roll/init", h.keyRollInit)
				r.Post("/key-roll/activate", h.keyRollActivate)
				r.Put("/routes", h.updateRoutes)
			})
		})

		r.Route("/publishers", func(r chi.Router) {
			r.Post("/", p.create)
			r.Route("/{handle}", func(r chi.Router) {
				r.Get("/", p.get)
				r.Post("/deactivate", p.deactivate)
			})
		})
	})

	return &Server{router: r, feed: feed}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// NewHTTPServer wraps Server into a *http.Server with the timeouts the
// rest of this corpus's HTTP services default to.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}
