// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the administrative HTTP interface for managing
// utility rules at runtime.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bcem/mailrelay/internal/config"
)

// Server is the admin API. Reads are open; mutations require the admin
// token and trigger a subscription reconciliation pass.
type Server struct {
	echo     *echo.Echo
	rules    *config.RuleStore
	token    string
	onMutate func()
	port     int
}

// NewServer creates the admin API server. onMutate is called after any
// successful create, update, or delete, so subscription state follows
// rule changes without waiting for the renewal timer.
func NewServer(rules *config.RuleStore, token string, port int, onMutate func()) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, rules: rules, token: token, onMutate: onMutate, port: port}

	g := e.Group("/api/utilities")
	g.GET("", s.list)
	g.GET("/:id", s.get)

	mut := g.Group("", s.requireToken)
	mut.POST("", s.create)
	mut.PUT("/:id", s.update)
	mut.DELETE("/:id", s.remove)

	return s
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutCtx); err != nil {
			slog.Error("admin API shutdown", "error", err)
		}
	}()

	slog.Info("admin API listening", "port", s.port)
	err := s.echo.Start(fmt.Sprintf(":%d", s.port))
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin API: %w", err)
	}
	return nil
}

func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get("X-Admin-Token")
		if s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
		}
		return next(c)
	}
}

func (s *Server) list(c echo.Context) error {
	return c.JSON(http.StatusOK, s.rules.All())
}

func (s *Server) get(c echo.Context) error {
	u := s.rules.Get(c.Param("id"))
	if u == nil {
		return echo.NewHTTPError(http.StatusNotFound, "utility not found")
	}
	return c.JSON(http.StatusOK, u)
}

func (s *Server) create(c echo.Context) error {
	var u config.UtilityRule
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := config.ValidateRule(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.rules.Create(u); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	s.mutated("created", u.ID)
	return c.JSON(http.StatusCreated, u)
}

func (s *Server) update(c echo.Context) error {
	var u config.UtilityRule
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u.ID = c.Param("id")
	if err := config.ValidateRule(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.rules.Update(u); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	s.mutated("updated", u.ID)
	return c.JSON(http.StatusOK, u)
}

func (s *Server) remove(c echo.Context) error {
	id := c.Param("id")
	if err := s.rules.Delete(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	s.mutated("deleted", id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) mutated(action, id string) {
	slog.Info("utility "+action, "utility", id)
	if s.onMutate != nil {
		s.onMutate()
	}
}
