// Package frontend implements the application-service HTTP endpoints
// the home server pushes to.
package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/endl-ch/pumaduct/internal/config"
	"github.com/endl-ch/pumaduct/matrix"
)

const errcodePrefix = "CH.ENDL.PUMADUCT_"

var errcodes = map[int]string{
	http.StatusBadRequest:   errcodePrefix + "BAD_REQUEST",
	http.StatusNotFound:     errcodePrefix + "NOT_FOUND",
	http.StatusUnauthorized: errcodePrefix + "UNAUTHORIZED",
	http.StatusForbidden:    errcodePrefix + "FORBIDDEN",
}

// Backend is the part of the bridge the frontend talks to.
type Backend interface {
	ProcessTransaction(txnID string, txn *matrix.Transaction)
	HasContact(contact string) bool
}

// Frontend is the AS-side HTTP server.
type Frontend struct {
	echo    *echo.Echo
	addr    string
	token   string
	backend Backend
}

func New(conf *config.Config, backend Backend) *Frontend {
	f := &Frontend{
		echo:    echo.New(),
		addr:    fmt.Sprintf("%s:%d", conf.BindAddress, conf.Port),
		token:   conf.HSAccessToken,
		backend: backend,
	}
	f.echo.HideBanner = true
	f.echo.HidePort = true
	f.echo.Use(f.enforceAccess)

	f.echo.GET("/users/:user_id", f.handleUser)
	f.echo.PUT("/transactions/:txn_id", f.handleTransaction)
	f.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// The home server retries on errors, so unknown paths get the
	// domain errcode rather than echo's default error page.
	f.echo.RouteNotFound("/*", func(c echo.Context) error {
		return jsonError(c, http.StatusNotFound,
			fmt.Sprintf("Unrecognized URL: '%s'", c.Request().URL.Path))
	})
	return f
}

// Start serves in a background goroutine until Shutdown.
func (f *Frontend) Start() {
	go func() {
		if err := f.echo.Start(f.addr); err != nil && err != http.ErrServerClosed {
			slog.Error("frontend server failed", "error", err)
		}
	}()
}

func (f *Frontend) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return f.echo.Shutdown(ctx)
}

// Handler exposes the routing tree; used by tests.
func (f *Frontend) Handler() http.Handler {
	return f.echo
}

// enforceAccess checks the home server's access token on every route
// except metrics scraping.
func (f *Frontend) enforceAccess(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().URL.Path == "/metrics" {
			return next(c)
		}
		token := c.QueryParam("access_token")
		if token == "" {
			return jsonError(c, http.StatusUnauthorized, "Missing access_token in request")
		}
		if token != f.token {
			return jsonError(c, http.StatusForbidden, "Incorrect access_token value")
		}
		return next(c)
	}
}

// handleUser answers existence queries for puppet users.
func (f *Frontend) handleUser(c echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return jsonError(c, http.StatusBadRequest, "Failed to extract 'user_id' from the request")
	}
	if !f.backend.HasContact(userID) {
		return jsonError(c, http.StatusNotFound,
			fmt.Sprintf("user_id '%s' doesn't exist", userID))
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// handleTransaction accepts an event batch. It always answers 200 once
// parsed: processing is asynchronous and the AS API has no channel for
// per-event errors anyway.
func (f *Frontend) handleTransaction(c echo.Context) error {
	txnID := c.Param("txn_id")
	if txnID == "" {
		return jsonError(c, http.StatusBadRequest, "Failed to extract 'transaction_id' from the request")
	}
	if c.Request().ContentLength < 0 {
		return jsonError(c, http.StatusBadRequest,
			fmt.Sprintf("No 'content-length' received for the request '%s'", c.Request().URL.Path))
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "Failed to read request body")
	}
	txn := &matrix.Transaction{}
	if err := json.Unmarshal(body, txn); err != nil {
		return jsonError(c, http.StatusBadRequest,
			fmt.Sprintf("Failed to process transaction '%s'", txnID))
	}
	f.backend.ProcessTransaction(txnID, txn)
	return c.JSON(http.StatusOK, map[string]any{})
}

func jsonError(c echo.Context, code int, message string) error {
	errcode := errcodes[code]
	slog.Error("frontend request rejected", "errcode", errcode, "error", message)
	return c.JSON(code, map[string]any{"errcode": errcode, "error": message})
}
