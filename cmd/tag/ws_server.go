package main

import (
	"net/http"

	"golang.org/x/exp/slog"
	"golang.org/x/net/websocket"
)

func (h *hub) wsHandler(log *slog.Logger) websocket.Handler {
	return func(ws *websocket.Conn) {
		log.Info("ws client", slog.String("remote", ws.Request().RemoteAddr))
		defer ws.Close()
		c := h.subscribe()
		defer h.unsubscribe(c)
		go h.watch(ws, c)
		for p := range c {
			if _, err := ws.Write([]byte(line(p))); err != nil {
				log.Info("ws client gone", slog.Any("err", err))
				return
			}
		}
	}
}

func (h *hub) wsService(addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/pos", h.wsHandler(log))
	return http.ListenAndServe(addr, mux)
}
