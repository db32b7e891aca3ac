// Package dashboard serves the read-only query API, the SSE event
// stream, and the build control surface over HTTP.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
)

// Control is the build control surface backed by the running master.
// Every operation goes through the same claim/complete primitives the
// scheduler uses; there is no separate code path.
type Control interface {
	StopBuild(ctx context.Context, buildID uint, reason string) error
	Rebuild(ctx context.Context, brid uint) (uint, error)
	ForceBuild(ctx context.Context, builderName, reason string, stamps models.StampSet) (uint, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	DB      *gorm.DB
	Port    int
	Control Control
	Out     io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("dashboard: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8010
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, opts.DB, opts.Control)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
