package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forummod/embedwatch/embedcheck"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
)

type Server struct {
	checker *embedcheck.Checker
	echo    *echo.Echo
	httpd   *http.Server
	logger  *slog.Logger
}

type Config struct {
	Logger *slog.Logger
	Bind   string
}

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func NewServer(checker *embedcheck.Checker, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		checker: checker,
		echo:    e,
		logger:  logger,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/xrpc/embedwatch.enqueueBatch", srv.HandleEnqueueBatch)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("embedwatch-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "embedwatch", Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "embedwatch"})
}

// HandleEnqueueBatch accepts the embeds extracted from one post. The request blocks while the
// checker queue is full.
func (srv *Server) HandleEnqueueBatch(c echo.Context) error {
	var b embedcheck.Batch
	if err := json.NewDecoder(c.Request().Body).Decode(&b); err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{
			Error:   "InvalidRequest",
			Message: err.Error(),
		})
	}
	err := srv.checker.Enqueue(c.Request().Context(), &b)
	if errors.Is(err, embedcheck.ErrClosed) {
		return c.JSON(http.StatusServiceUnavailable, GenericError{
			Error:   "ShuttingDown",
			Message: "embed checker is not accepting batches",
		})
	} else if err != nil {
		return fmt.Errorf("enqueueing batch: %w", err)
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "embedwatch"})
}

// RunAPI serves HTTP until SIGINT or SIGTERM, then shuts down gracefully.
func (srv *Server) RunAPI(shutdownTimeout time.Duration) error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	// Wait for a signal to exit.
	srv.logger.Info("registering OS exit signal handler")
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exitSignals
	srv.logger.Info("received OS exit signal", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Shutdown stops accepting requests, then waits for queued batches to be processed.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.logger.Info("shutting down")

	var errs []error
	if err := srv.httpd.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	if err := srv.checker.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("embed checker shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
