// Package server embeds the forecasting facade in an HTTP host. The core
// prescribes no wire protocol; this is the hosting application surface.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
	"github.com/esemsc-ss2524/p3-edge/internal/telemetry"
)

// Catalog is the descriptor table the HTTP layer reads and writes.
type Catalog interface {
	forecast.DescriptorSource
	Upsert(ctx context.Context, d forecast.ItemDescriptor) error
	List(ctx context.Context) ([]forecast.ItemDescriptor, error)
}

// Server wires the facade, the item catalog and the metrics registry into
// an echo instance.
type Server struct {
	svc     *forecast.Service
	catalog Catalog
	metrics *telemetry.Metrics
	logger  *log.Logger
}

func New(svc *forecast.Service, catalog Catalog, metrics *telemetry.Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &Server{svc: svc, catalog: catalog, metrics: metrics, logger: logger}
}

// Echo builds the configured echo instance.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s: %v", code, req.Method, req.URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := e.Group("/api")
	api.PUT("/items/:id", s.putItem)
	api.GET("/items", s.listItems)
	api.POST("/items/:id/observations", s.postObservation)
	api.GET("/items/:id/forecast", s.getForecast)
	api.POST("/forecasts/batch", s.postBatchForecast)
	api.GET("/low-stock", s.getLowStock)
	api.POST("/items/:id/actual-runout", s.postActualRunout)
	api.GET("/items/:id/performance", s.getPerformance)
	return e
}

func (s *Server) putItem(c echo.Context) error {
	var d forecast.ItemDescriptor
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.ItemID = c.Param("id")
	if err := s.catalog.Upsert(c.Request().Context(), d); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) listItems(c echo.Context) error {
	items, err := s.catalog.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

type observationRequest struct {
	Quantity  float64    `json:"quantity"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Source    string     `json:"source,omitempty"`
}

func (s *Server) postObservation(c echo.Context) error {
	ctx := c.Request().Context()
	itemID := c.Param("id")

	var req observationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	desc, ok, err := s.catalog.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown item")
	}

	obs := forecast.Observation{ItemID: itemID, Quantity: req.Quantity, Source: req.Source}
	if obs.Source == "" {
		obs.Source = forecast.SourceManual
	}
	if req.Timestamp != nil {
		obs.Timestamp = *req.Timestamp
	}

	start := time.Now()
	res, err := s.svc.Ingest(ctx, obs, desc)
	if s.metrics != nil {
		s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObservationsTotal.WithLabelValues("rejected").Inc()
		}
		return httpError(err)
	}
	if s.metrics != nil {
		s.metrics.ObservationsTotal.WithLabelValues("accepted").Inc()
	}

	// Keep the catalog's current quantity in step with the stream.
	desc.QuantityCurrent = req.Quantity
	if err := s.catalog.Upsert(ctx, desc); err != nil {
		s.logger.Printf("catalog sync failed for %s: %v", itemID, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) getForecast(c echo.Context) error {
	ctx := c.Request().Context()
	itemID := c.Param("id")

	horizon := 14
	if raw := c.QueryParam("horizon"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &horizon); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid horizon")
		}
	}
	desc, ok, err := s.catalog.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown item")
	}

	start := time.Now()
	f, err := s.svc.Forecast(ctx, itemID, horizon, desc)
	if s.metrics != nil {
		s.metrics.ForecastDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.ForecastsTotal.WithLabelValues("failed").Inc()
		}
		return httpError(err)
	}
	if s.metrics != nil {
		s.metrics.ForecastsTotal.WithLabelValues("ok").Inc()
	}
	return c.JSON(http.StatusOK, f)
}

type batchRequest struct {
	ItemIDs     []string `json:"item_ids"`
	HorizonDays int      `json:"horizon_days"`
}

func (s *Server) postBatchForecast(c echo.Context) error {
	ctx := c.Request().Context()

	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.HorizonDays == 0 {
		req.HorizonDays = 14
	}

	var items []forecast.BatchItem
	if len(req.ItemIDs) == 0 {
		descs, err := s.catalog.List(ctx)
		if err != nil {
			return err
		}
		for _, d := range descs {
			items = append(items, forecast.BatchItem{ItemID: d.ItemID, Descriptor: d})
		}
	} else {
		for _, id := range req.ItemIDs {
			desc, ok, err := s.catalog.Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			items = append(items, forecast.BatchItem{ItemID: id, Descriptor: desc})
		}
	}

	results := s.svc.BatchForecast(ctx, items, req.HorizonDays)
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		entry := map[string]interface{}{"item_id": r.ItemID}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		} else {
			entry["forecast"] = r.Forecast
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getLowStock(c echo.Context) error {
	within := 7
	if raw := c.QueryParam("within"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &within); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid window")
		}
	}
	ids, err := s.svc.LowStock(c.Request().Context(), within)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"item_ids": ids, "within_days": within})
}

type actualRunoutRequest struct {
	Date time.Time `json:"date"`
}

func (s *Server) postActualRunout(c echo.Context) error {
	var req actualRunoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.svc.RecordActualRunout(c.Request().Context(), c.Param("id"), req.Date); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getPerformance(c echo.Context) error {
	stats, ok := s.svc.Performance(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no model for item")
	}
	return c.JSON(http.StatusOK, stats)
}

// httpError maps the core's typed errors to HTTP statuses.
func httpError(err error) error {
	switch {
	case forecast.IsKind(err, forecast.KindInvalidObservation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case forecast.IsKind(err, forecast.KindHorizonExceeded):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case forecast.IsKind(err, forecast.KindUnknownItem):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case forecast.IsKind(err, forecast.KindCancelled):
		return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
	case forecast.IsKind(err, forecast.KindStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
