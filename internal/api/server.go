// Package api serves loaded networks over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/pdc/internal/batch"
	"github.com/samcharles93/pdc/internal/egnn"
	"github.com/samcharles93/pdc/internal/version"
)

type Server struct {
	provider ModelProvider
	metrics  *metrics
	clock    func() time.Time
}

func NewServer(provider ModelProvider) *Server {
	s := &Server{
		provider: provider,
		metrics:  newMetrics(),
		clock:    time.Now,
	}
	if p, ok := provider.(interface{ OnCacheChange(func(int)) }); ok {
		p.OnCacheChange(func(n int) { s.metrics.cachedModels.Set(float64(n)) })
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/forward", s.handleForward)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/models/:name", s.handleGetModel)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.metrics.handler())
}

// ForwardRequest is a graph batch addressed to a model.
type ForwardRequest struct {
	Model string `json:"model,omitempty"`
	batch.Request
}

type ForwardResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Graphs  []batch.Result `json:"graphs"`
}

type ModelInfo struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Depth     int    `json:"depth,omitempty"`
	Dim       int    `json:"dim,omitempty"`
	NumParams int    `json:"num_params,omitempty"`
	EdgeDim   int    `json:"edge_dim,omitempty"`
	NumTokens int    `json:"num_tokens,omitempty"`
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		s.metrics.observeStatus(req.Model, http.StatusBadRequest)
		return writeBadRequest(c, err.Error())
	}
	if len(req.Graphs) == 0 {
		s.metrics.observeStatus(req.Model, http.StatusBadRequest)
		return writeBadRequest(c, "graphs is required and must not be empty")
	}

	var (
		model string
		resp  *batch.Response
	)
	err = s.provider.WithModel(c.Request().Context(), req.Model, func(name string, net *egnn.Network) error {
		model = name
		start := s.clock()
		out, err := batch.Run(c.Request().Context(), net, &req.Request, egnn.Options{})
		s.metrics.forwardDuration.WithLabelValues(name).Observe(s.clock().Sub(start).Seconds())
		s.metrics.forwardNodes.Observe(float64(len(req.Graphs) * req.MaxNodes()))
		resp = out
		return err
	})
	if err != nil {
		if model == "" {
			model = req.Model
		}
		status := errorStatus(err)
		s.metrics.observeStatus(model, status)
		switch status {
		case http.StatusBadRequest:
			return writeBadRequest(c, err.Error())
		case http.StatusNotFound:
			return writeNotFound(c, err.Error())
		default:
			return writeError(c, status, "server_error", err.Error(), "", "")
		}
	}

	s.metrics.observeStatus(model, http.StatusOK)
	return c.JSON(http.StatusOK, ForwardResponse{
		ID:      newForwardID(),
		Object:  "forward",
		Created: s.clock().Unix(),
		Model:   model,
		Graphs:  resp.Graphs,
	})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, batch.ErrInvalidBatch),
		errors.Is(err, egnn.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListModels(c *echo.Context) error {
	ids, err := s.provider.ListModels()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	data := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		data = append(data, ModelInfo{ID: id, Object: "model"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleGetModel(c *echo.Context) error {
	var info ModelInfo
	err := s.provider.WithModel(c.Request().Context(), c.Param("name"), func(name string, net *egnn.Network) error {
		cfg := net.Config()
		info = ModelInfo{
			ID:        name,
			Object:    "model",
			Depth:     net.Depth(),
			Dim:       cfg.Dim,
			NumParams: net.Params().NumElements(),
			EdgeDim:   cfg.EdgeDim,
			NumTokens: cfg.NumTokens,
		}
		return nil
	})
	if err != nil {
		if errorStatus(err) == http.StatusNotFound {
			return writeNotFound(c, err.Error())
		}
		return writeError(c, errorStatus(err), "server_error", err.Error(), "", "")
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}
