package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	// plugin panels connect from a sandboxed origin; the relay does no
	// origin based auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHTTP wires the relay into an echo server: the websocket endpoint on
// the root path, prometheus metrics and a health probe. Plain HTTP
// requests, CORS preflight included, get a simple acknowledgement with
// permissive CORS headers.
func NewHTTP(s *RelayServer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"*"},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.Any("/*", WsHandler(s))
	return e
}

// WsHandler upgrades websocket requests and hands the connection to the
// relay; anything else is acknowledged so probes and preflights succeed.
func WsHandler(s *RelayServer) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !websocket.IsWebSocketUpgrade(c.Request()) {
			return c.String(http.StatusOK, "relay server running")
		}
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = ws.Close()
		}()
		s.Listen(ws)
		log.Debug().Msg("exiting listener")
		return nil
	}
}
