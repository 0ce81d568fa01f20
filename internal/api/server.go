package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/aegisflux/analyzer/internal/analysis"
	"github.com/sgerhart/aegisflux/analyzer/internal/model"
	"github.com/sgerhart/aegisflux/analyzer/internal/session"
)

// MaxUploadBytes bounds a POST /records body
const MaxUploadBytes = 512 << 20

// viewTarget is the applier target of POST /filter
const viewTarget = "view"

// dataset is the currently loaded record set
type dataset struct {
	mu       sync.RWMutex
	records  []model.Record
	refs     []*model.Record
	identity string
	loadedAt time.Time
}

func (d *dataset) set(records []model.Record, identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = records
	d.refs = model.Refs(records)
	d.identity = identity
	d.loadedAt = time.Now().UTC()
}

func (d *dataset) get() ([]*model.Record, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refs, d.identity
}

// Server exposes the analyzer over HTTP
type Server struct {
	r              *chi.Mux
	svc            *analysis.Service
	session        *session.Session
	data           dataset
	gatherer       prometheus.Gatherer
	groupByService bool
	logger         *slog.Logger
}

// Options configures a Server
type Options struct {
	Service        *analysis.Service
	Session        *session.Session
	Gatherer       prometheus.Gatherer
	GroupByService bool
	Logger         *slog.Logger
}

// NewServer creates the HTTP server and its routes
func NewServer(opts Options) *Server {
	s := &Server{
		r:              chi.NewRouter(),
		svc:            opts.Service,
		session:        opts.Session,
		gatherer:       opts.Gatherer,
		groupByService: opts.GroupByService,
		logger:         opts.Logger,
	}
	if s.session == nil {
		s.session = session.New(opts.Logger)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	s.r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.r.Post("/records", s.handleRecords)
	s.r.Post("/filter", s.handleFilter)
	s.r.Post("/analyze", s.handleAnalyze)

	s.r.Get("/threats", s.handleThreats)
	s.r.Get("/threats/grouped", s.handleGroupedThreats)
	s.r.Get("/security-metrics", s.handleSecurityMetrics)
	s.r.Get("/quick-filters", s.handleQuickFilters)

	s.r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleClearSession)
		r.Post("/chips/{side}", s.handleAddChip)
		r.Delete("/chips/{side}/{index}", s.handleRemoveChip)
		r.Post("/groups/{side}", s.handleAddGroup)
		r.Delete("/groups/{side}/{index}", s.handleRemoveGroup)
		r.Put("/mode/{side}", s.handleSetMode)
		r.Put("/quick-filter-mode", s.handleSetQuickFilterMode)
		r.Put("/quick-filters/{code}", s.handleQuickFilterOn)
		r.Delete("/quick-filters/{code}", s.handleQuickFilterOff)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.r }

// SetRecords replaces the loaded record set
func (s *Server) SetRecords(records []model.Record, identity string) {
	s.data.set(records, identity)
}
