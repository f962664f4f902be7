// Package server assembles the FileFlow components behind the HTTP
// API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/core"
	"github.com/fileflow/fileflow/internal/logging/audit"
	"github.com/fileflow/fileflow/internal/metrics"
	"github.com/fileflow/fileflow/internal/notify"
	"github.com/fileflow/fileflow/internal/quota"
	"github.com/fileflow/fileflow/internal/search"
	"github.com/fileflow/fileflow/internal/storage"
	"github.com/fileflow/fileflow/internal/store"
	"github.com/fileflow/fileflow/internal/store/badgerstore"
	"github.com/fileflow/fileflow/internal/upload"
)

// Server is the FileFlow HTTP server and the owner of all background
// tasks.
type Server struct {
	cfg *config.Config
	mux *http.ServeMux

	store    store.Store
	backend  storage.Backend
	ledger   *quota.Ledger
	asm      *upload.Assembler
	hub      *notify.Hub
	notifier *notify.Dispatcher
	searcher *search.Coordinator
	svc      *core.Service
	metrics  *metrics.Metrics
	fulltext search.FullText
	audit    *audit.Logger
	signer   *storage.URLSigner

	httpSrv *http.Server
	cancel  context.CancelFunc

	// Users that already have a quota record, to skip the store
	// lookup on every request.
	provisioned sync.Map
}

// registerBackends installs the backend factories and returns the
// signer the local backend mints /files URLs with. The server serves
// those URLs itself, so it needs the same signer to verify them.
func registerBackends(cfg *config.Config) *storage.URLSigner {
	signer := storage.NewURLSigner([]byte(cfg.Storage.URLSecret), "/files")
	storage.Register("local", func(ctx context.Context) (storage.Backend, error) {
		return storage.NewLocal(osfs.New(cfg.Storage.RootDir), signer), nil
	})
	storage.Register("object-store", func(ctx context.Context) (storage.Backend, error) {
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
	})
	return signer
}

// NewServer wires the full component graph from configuration.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	signer := registerBackends(cfg)

	backend, err := storage.Select(ctx, cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}

	st, err := badgerstore.Open(filepath.Join(cfg.DataDir, "meta"))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	m := metrics.Init(nil)

	ledger := quota.NewLedger(st, cfg.Quota.MinQuota.Bytes(), config.Duration(cfg.Quota.ReservationTTL))
	asm := upload.NewAssembler(backend, config.Duration(cfg.Upload.SessionTTL))

	var presence notify.Presence
	if cfg.Notify.RedisAddr != "" {
		presence = notify.NewRedisPresence(redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
		}))
		log.Info().Str("addr", cfg.Notify.RedisAddr).Msg("using redis presence cache")
	} else {
		presence = notify.NewMemoryPresence()
	}

	hub := notify.NewHub(st, presence)
	notifier := notify.NewDispatcher(st, hub, presence, config.Duration(cfg.Notify.RetryBackoff))

	var ft search.FullText
	if cfg.Search.IndexDir != "" {
		ft, err = search.NewBleveIndex(cfg.Search.IndexDir)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open full-text index, degrading to structured search")
			ft = nil
		}
	}
	searcher := search.NewCoordinator(ctx, st, ft)

	svc := core.NewService(st, backend, ledger, asm, notifier, searcher, m)

	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		store:    st,
		backend:  backend,
		ledger:   ledger,
		asm:      asm,
		hub:      hub,
		notifier: notifier,
		searcher: searcher,
		svc:      svc,
		metrics:  m,
		fulltext: ft,
		audit:    audit.NewLogger(log.Logger),
		signer:   signer,
	}
	s.setupRoutes()

	log.Info().Str("backend", backend.Name()).
		Bool("fulltext", searcher.Available()).
		Msg("server assembled")
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/ws", s.withUser(s.handleWS))
	s.mux.HandleFunc("/files", s.handleSignedFile)

	s.mux.HandleFunc("/api/v1/files", s.withUser(s.handleFiles))
	s.mux.HandleFunc("/api/v1/files/", s.withUser(s.handleFileByID))
	s.mux.HandleFunc("/api/v1/uploads", s.withUser(s.handleOpenUpload))
	s.mux.HandleFunc("/api/v1/uploads/", s.withUser(s.handleUploadSession))
	s.mux.HandleFunc("/api/v1/search", s.withUser(s.handleSearch))
	s.mux.HandleFunc("/api/v1/search/content", s.withUser(s.handleSearchContent))
	s.mux.HandleFunc("/api/v1/search/tag", s.withUser(s.handleSearchTag))
	s.mux.HandleFunc("/api/v1/search/type", s.withUser(s.handleSearchType))
	s.mux.HandleFunc("/api/v1/usage", s.withUser(s.handleUsage))
	s.mux.HandleFunc("/api/v1/subscriptions", s.withUser(s.handleSubscriptions))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens on the configured address and launches the background
// sweepers. It blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.ledger.RunSweeper(ctx, config.Duration(s.cfg.Quota.SweepInterval))
	go s.asm.RunSweeper(ctx, config.Duration(s.cfg.Upload.SweepInterval))
	go s.notifier.RunRetrySweeper(ctx, config.Duration(s.cfg.Notify.SweepInterval))

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("listen", s.cfg.Listen).Msg("server started")
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, background tasks, and closes stores.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}
	if s.fulltext != nil {
		if err := s.fulltext.Close(); err != nil {
			log.Warn().Err(err).Msg("close full-text index")
		}
	}
	return s.store.Close()
}
