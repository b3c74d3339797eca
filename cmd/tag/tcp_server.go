package main

import (
	"net"
	"time"

	"golang.org/x/exp/slog"
)

func (h *hub) tcpService(addr string, log *slog.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			continue
		}
		go h.handleClient(conn, log)
	}
}

// handleClient 等客户端先发一行请求, 然后持续推送坐标
func (h *hub) handleClient(conn net.Conn, log *slog.Logger) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	request := make([]byte, 128) // 请求最长128字节
	n, err := conn.Read(request)
	if err != nil {
		log.Info("tcp client", slog.Any("err", err))
		return
	}
	log.Info("tcp client", slog.String("remote", conn.RemoteAddr().String()), slog.String("hello", string(request[:n])))
	conn.SetReadDeadline(time.Time{})

	c := h.subscribe()
	defer h.unsubscribe(c)
	go h.watch(conn, c)
	for p := range c {
		if _, err := conn.Write([]byte(line(p))); err != nil {
			log.Info("tcp client gone", slog.Any("err", err))
			return
		}
	}
}
