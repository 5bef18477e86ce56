// Package web serves the scan browser: a handful of HTML pages to create or drop
// the scan database, list hosts, search them and delete records.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/censys/scan-browser/pkg/config"
	"github.com/censys/scan-browser/pkg/logging"
	"github.com/censys/scan-browser/pkg/metrics"
	"github.com/censys/scan-browser/pkg/storage"
)

// Route paths.
const (
	pathIndex          = "/"
	pathCreateDatabase = "/create_database"
	pathDeleteDatabase = "/delete_db"
	pathIPSearch       = "/ip_search"
	pathFilterSearch   = "/filter_search"
	pathDeleteRecord   = "/delete_record"
	pathClearTables    = "/clear_tables"
	pathClearIP        = "/clear_ip"
	pathHealth         = "/healthz"
	pathMetrics        = "/metrics"
)

const defaultShutdownTimeout = 10 * time.Second

// Scanner is the data-access collaborator the pages delegate to.
type Scanner interface {
	Initialized(ctx context.Context) (bool, error)
	CreateDatabase(ctx context.Context) error
	DropDatabase(ctx context.Context) error
	ClearTables(ctx context.Context) error
	AllSummary(ctx context.Context) ([]storage.HostSummary, error)
	FilteredSummary(ctx context.Context, filter *storage.Filter) ([]storage.HostSummary, error)
	DeleteHost(ctx context.Context, ip string) (bool, error)
}

// Server represents the web server
type Server struct {
	Router *gin.Engine

	scanner   Scanner
	cfg       config.WebConfig
	log       *logrus.Logger
	metrics   *metrics.Metrics
	templates map[string]*template.Template
}

// NewServer builds the router and parses the page templates. m may be nil, in
// which case /metrics is not served.
func NewServer(scanner Scanner, cfg config.WebConfig, log *logrus.Logger, m *metrics.Metrics) (*Server, error) {
	if scanner == nil {
		return nil, errors.New("web: nil scanner")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("web: trusted proxies: %w", err)
	}

	secureConfig := secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}
	// Only send SSL headers when TLS terminates here rather than at a proxy.
	if cfg.SSL {
		secureConfig.SSLRedirect = true
		secureConfig.STSSeconds = 31536000
		secureConfig.STSIncludeSubdomains = true
	}

	router.Use(gin.Recovery(), logging.AccessLog(log), secure.New(secureConfig))
	if m != nil {
		router.Use(m.Middleware())
	}

	s := &Server{
		Router:    router,
		scanner:   scanner,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		templates: templates,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	exists := s.requireDatabase()
	absent := s.requireNoDatabase()

	s.Router.GET(pathIndex, exists, s.indexPage)
	s.handleForm(pathCreateDatabase, absent, s.createDatabasePage)
	s.handleForm(pathDeleteDatabase, exists, s.deleteDatabasePage)
	s.handleForm(pathIPSearch, exists, s.ipSearchPage)
	s.handleForm(pathFilterSearch, exists, s.filterSearchPage)
	s.handleForm(pathDeleteRecord, s.deleteRecord)
	s.handleForm(pathClearTables, exists, s.clearTablesPage)
	s.handleForm(pathClearIP, exists, s.clearIPPage)

	s.Router.GET(pathHealth, s.health)
	if s.metrics != nil {
		s.Router.GET(pathMetrics, gin.WrapH(s.metrics.Handler()))
	}
}

// handleForm registers handlers for both GET and POST on path.
func (s *Server) handleForm(path string, handlers ...gin.HandlerFunc) {
	s.Router.GET(path, handlers...)
	s.Router.POST(path, handlers...)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.SSL {
			s.log.Infof("starting HTTPS server on %s", srv.Addr)
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			s.log.Infof("starting HTTP server on %s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	initialized, err := s.scanner.Initialized(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "initialized": initialized})
}
