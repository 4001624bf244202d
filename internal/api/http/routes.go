package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/valyala/fasthttp"

	"github.com/i474232898/weather-station-fusion/internal/app"
	"github.com/i474232898/weather-station-fusion/internal/router"
	"github.com/i474232898/weather-station-fusion/internal/store"
	"github.com/i474232898/weather-station-fusion/internal/supervisor"
	"github.com/i474232898/weather-station-fusion/internal/transport"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

var validate = validator.New()

// heartbeat keeps idle event streams alive and detects gone clients.
const heartbeat = 15 * time.Second

// Service is what the handlers need from the application.
type Service interface {
	State() (weather.FusionState, error)
	Subscribe() *store.Subscription
	Unsubscribe(id string)

	Stations(ctx context.Context) ([]weather.Station, error)
	Station() (weather.Station, error)
	StationStatus() app.StationStatus
	SelectStation(ctx context.Context, id int) (weather.Station, error)

	Overrides() ([]router.Override, error)
	SetOverride(ctx context.Context, f weather.Field, serial string) (router.Override, error)
	ClearOverride(ctx context.Context, f weather.Field) error

	Health() []supervisor.Health
	SetUDPPort(port int) error
	SetPollInterval(d time.Duration) error
	SetCredentials(token string) error

	MetricsHandler() http.Handler
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(fa *fiber.App, svc Service) {
	fa.Get("/health", func(c *fiber.Ctx) error {
		status := "ok"
		station := svc.StationStatus()
		if station.Pending {
			status = "degraded"
		}
		return c.JSON(fiber.Map{
			"status":  status,
			"service": "weather-station-fusion",
			"station": station,
		})
	})
	fa.Get("/metrics", adaptor.HTTPHandler(svc.MetricsHandler()))

	v1 := fa.Group("/api/v1")

	v1.Get("/state", func(c *fiber.Ctx) error {
		state, err := svc.State()
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(state)
	})

	v1.Get("/state/stream", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")

		sub := svc.Subscribe()
		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer svc.Unsubscribe(sub.ID)
			streamStates(w, sub.C, heartbeat)
		}))
		return nil
	})

	v1.Get("/stations", func(c *fiber.Ctx) error {
		stations, err := svc.Stations(c.UserContext())
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(stations)
	})

	v1.Get("/station", func(c *fiber.Ctx) error {
		st, err := svc.Station()
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(st)
	})

	v1.Put("/station", func(c *fiber.Ctx) error {
		var req selectStationRequest
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		st, err := svc.SelectStation(c.UserContext(), req.StationID)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(st)
	})

	v1.Get("/overrides", func(c *fiber.Ctx) error {
		pins, err := svc.Overrides()
		if err != nil {
			return toHTTPError(err)
		}
		if pins == nil {
			pins = []router.Override{}
		}
		return c.JSON(pins)
	})

	v1.Put("/overrides/:field", func(c *fiber.Ctx) error {
		f, err := weather.ParseField(c.Params("field"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		var req overrideRequest
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		o, err := svc.SetOverride(c.UserContext(), f, req.Serial)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(o)
	})

	v1.Delete("/overrides/:field", func(c *fiber.Ctx) error {
		f, err := weather.ParseField(c.Params("field"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := svc.ClearOverride(c.UserContext(), f); err != nil {
			return toHTTPError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	v1.Get("/transports", func(c *fiber.Ctx) error {
		return c.JSON(svc.Health())
	})

	v1.Put("/transports/udp", func(c *fiber.Ctx) error {
		var req udpPortRequest
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		if err := svc.SetUDPPort(*req.Port); err != nil {
			return toHTTPError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	v1.Put("/transports/rest", func(c *fiber.Ctx) error {
		var req pollIntervalRequest
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		d, err := time.ParseDuration(req.Interval)
		if err != nil || d < time.Minute {
			return fiber.NewError(fiber.StatusBadRequest, "interval must be a duration of at least 1m")
		}
		if err := svc.SetPollInterval(d); err != nil {
			return toHTTPError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	v1.Put("/credentials", func(c *fiber.Ctx) error {
		var req credentialsRequest
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		if err := svc.SetCredentials(strings.TrimSpace(req.Token)); err != nil {
			return toHTTPError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// ErrorHandler renders every error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

type selectStationRequest struct {
	StationID int `json:"stationId" validate:"required,gt=0"`
}

type overrideRequest struct {
	Serial string `json:"serial" validate:"required"`
}

type udpPortRequest struct {
	Port *int `json:"port" validate:"required,min=0,max=65535"`
}

type pollIntervalRequest struct {
	Interval string `json:"interval" validate:"required"`
}

type credentialsRequest struct {
	Token string `json:"token" validate:"required"`
}

func bindJSON(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// toHTTPError maps service errors onto status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "no state published yet")
	case errors.Is(err, app.ErrNoStation):
		return fiber.NewError(fiber.StatusConflict, "no station selected")
	case errors.Is(err, app.ErrUnroutableField), errors.Is(err, app.ErrDeviceCannotSupply):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case transport.IsAuth(err):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	var te *transport.TransportError
	if errors.As(err, &te) {
		if te.Kind == transport.KindNotFound {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}

// streamStates writes each state as a server-sent event until the
// subscription closes or the client goes away.
func streamStates(w *bufio.Writer, states <-chan weather.FusionState, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case state, ok := <-states:
			if !ok {
				return
			}
			data, err := json.Marshal(state)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: state\ndata: %s\n\n", state.Version, data)
		case <-ticker.C:
			_, _ = w.WriteString(": ping\n\n")
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
