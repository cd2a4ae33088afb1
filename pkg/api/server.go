package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	echolog "github.com/labstack/gommon/log"
	"github.com/rs/zerolog"

	"github.com/comfycord/comfycord/pkg/engine"
)

// NewServer builds the echo instance: an unauthenticated health probe plus
// a JWT-gated /api group exposing the generation engine.
func NewServer(jwtSecret string, eng *engine.Engine, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Logger.SetLevel(echolog.INFO)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	r := e.Group("/api")
	r.Use(middleware.JWT([]byte(jwtSecret)))
	r.POST("/task", CreateTask(eng, logger))
	r.GET("/status", TaskStatus(eng))
	return e
}

// StartApiServer serves until ctx is done, then shuts down gracefully.
func StartApiServer(ctx context.Context, jwtSecret string, listen string, eng *engine.Engine, logger zerolog.Logger) error {
	e := NewServer(jwtSecret, eng, logger)
	go func() {
		<-ctx.Done()
		shutdownctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(shutdownctx)
	}()
	logger.Info().Str("listen", listen).Msg("api: server starting")
	err := e.Start(listen)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
