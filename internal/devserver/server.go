// Package devserver hosts an in-memory rendition of the host content API:
// the versioned thread endpoints the engine writes through, plus a
// server-sent-events change feed that backs the live-update transport.
// It exists for local development and integration-style tests.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/datocms/commentsync/internal/comments"
	"github.com/datocms/commentsync/internal/remote"
)

// Server wraps an echo instance over a MemoryStore.
type Server struct {
	echo  *echo.Echo
	store *remote.MemoryStore
	log   zerolog.Logger
}

// New builds the server around an existing store so callers can seed data.
func New(store *remote.MemoryStore, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, store: store, log: log}

	e.GET("/v1/threads/:key", s.getThread)
	e.PUT("/v1/threads/:key", s.putThread)
	e.GET("/v1/threads/:key/comments", s.listComments)
	e.GET("/v1/threads/:key/events", s.streamEvents)

	return s
}

// Handler exposes the underlying handler for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("Dev server listening")
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type threadBody struct {
	Data    comments.ThreadData `json:"data"`
	Version string              `json:"version"`
}

func parseKey(c echo.Context) (comments.ThreadKey, error) {
	raw, err := url.PathUnescape(c.Param("key"))
	if err != nil {
		return comments.ThreadKey{}, echo.NewHTTPError(http.StatusBadRequest, "malformed thread key")
	}
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return comments.ThreadKey{}, echo.NewHTTPError(http.StatusBadRequest, "thread key must be model/record")
	}
	return comments.ThreadKey{ModelID: parts[0], RecordID: parts[1]}, nil
}

func (s *Server) getThread(c echo.Context) error {
	key, err := parseKey(c)
	if err != nil {
		return err
	}

	payload, err := s.store.ReadVersioned(c.Request().Context(), key)
	if err != nil {
		return err
	}

	c.Response().Header().Set("ETag", payload.Version)
	return c.JSON(http.StatusOK, threadBody{Data: payload.Data, Version: payload.Version})
}

func (s *Server) putThread(c echo.Context) error {
	key, err := parseKey(c)
	if err != nil {
		return err
	}

	var data comments.ThreadData
	if err := c.Bind(&data); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid thread payload")
	}

	version := c.Request().Header.Get("If-Match")
	payload, err := s.store.WriteVersioned(c.Request().Context(), key, version, data)
	if err != nil {
		var conflict *comments.ConflictError
		if errors.As(err, &conflict) {
			c.Response().Header().Set("ETag", conflict.CurrentVersion)
			return c.JSON(http.StatusPreconditionFailed, map[string]string{
				"current_version": conflict.CurrentVersion,
			})
		}
		return err
	}

	c.Response().Header().Set("ETag", payload.Version)
	return c.JSON(http.StatusOK, threadBody{Data: payload.Data, Version: payload.Version})
}

func (s *Server) listComments(c echo.Context) error {
	key, err := parseKey(c)
	if err != nil {
		return err
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	list, err := s.store.List(c.Request().Context(), key, page)
	if err != nil {
		return err
	}
	if list == nil {
		list = []comments.Comment{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"comments": list})
}

// streamEvents pushes one SSE "change" event per remote write to the key,
// with periodic keepalive comments so idle proxies keep the stream open.
func (s *Server) streamEvents(c echo.Context) error {
	key, err := parseKey(c)
	if err != nil {
		return err
	}

	changes, cancel := s.store.Subscribe(key)
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	fmt.Fprint(resp, "event: open\ndata: {}\n\n")
	resp.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			fmt.Fprint(resp, "event: change\ndata: {}\n\n")
			resp.Flush()
		case <-keepalive.C:
			fmt.Fprint(resp, ": keepalive\n\n")
			resp.Flush()
		}
	}
}
