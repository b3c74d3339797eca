package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/IndoorPosSquad/dw1000-twr/position"
)

// hub 把解算出的坐标分发给所有连接, 慢的连接会丢掉旧坐标
type hub struct {
	mu   sync.Mutex
	subs map[chan position.Node]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan position.Node]struct{})}
}

func (h *hub) subscribe() chan position.Node {
	c := make(chan position.Node, 8)
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// unsubscribe 关闭 c, 重复调用没有影响
func (h *hub) unsubscribe(c chan position.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[c]; ok {
		delete(h.subs, c)
		close(c)
	}
}

// close 关闭所有订阅, 各个连接的写协程随之退出
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		delete(h.subs, c)
		close(c)
	}
}

// watch 读到连接出错(一般是对方关闭)时取消订阅
func (h *hub) watch(r io.Reader, c chan position.Node) {
	io.Copy(io.Discard, r)
	h.unsubscribe(c)
}

func (h *hub) publish(p position.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		select {
		case c <- p:
		default:
		}
	}
}

// line 是发给客户端的一行文本
func line(p position.Node) string {
	return fmt.Sprintf("%3.2f,%3.2f,%3.2f\n", p.X, p.Y, p.Z)
}
