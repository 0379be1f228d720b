// Package api is the HTTP surface of the scheduling service: job
// intake and approval, scheduling runs, capacity and validation views.
// All times cross this boundary in the configured display timezone;
// everything behind it stays UTC.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/pressline/internal/calendar"
	"github.com/zulandar/pressline/internal/config"
	"github.com/zulandar/pressline/internal/localtime"
	"github.com/zulandar/pressline/internal/notify"
	"github.com/zulandar/pressline/internal/scheduler"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB       *gorm.DB
	Config   *config.Config
	Calendar *calendar.Calendar
	Port     int
	Notifier *notify.Notifier // optional
	Out      io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with all routes registered. Split out
// of Start so tests can drive it with httptest.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("api: config is required")
	}
	if opts.Calendar == nil {
		return nil, fmt.Errorf("api: calendar is required")
	}
	conv, err := localtime.New(opts.Config.Calendar.Timezone)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &server{
		db:       opts.DB,
		cfg:      opts.Config,
		engine:   scheduler.New(opts.DB, opts.Calendar),
		conv:     conv,
		notifier: opts.Notifier,
	}
	s.registerRoutes(router)
	return router, nil
}

// server bundles the handler dependencies.
type server struct {
	db       *gorm.DB
	cfg      *config.Config
	engine   *scheduler.Engine
	conv     *localtime.Converter
	notifier *notify.Notifier
}
