// Package backend 根据命令行选项打开一个DW1000节点: periph.io SPI、串口桥或模拟
package backend

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/periphbus"
	"github.com/IndoorPosSquad/dw1000-twr/serialbus"
	"github.com/IndoorPosSquad/dw1000-twr/sim"
)

// 后端名称
const (
	Periph = "periph"
	Serial = "serial"
	Sim    = "sim"
)

// simEvents bounds one simulated exchange.
const simEvents = 10000

// ErrWaitTimeout 表示等待测距结果超时
var ErrWaitTimeout = errors.New("backend: no result")

// Options 是打开节点所需的参数, 只有对应后端的字段会被使用
type Options struct {
	Backend string

	// periph
	SPI, IRQ, CS, Reset string
	// serial
	SerialPort string

	// sim
	Air    *sim.Air
	Name   string
	Pos    [3]float64
	Offset uint64

	Logger *slog.Logger
}

// Node 是一个初始化好的设备以及它的中断来源
type Node struct {
	Dev   *dw1000.Device
	Radio *sim.Radio // sim only

	air     *sim.Air
	irq     dw1000.IRQ
	closers []io.Closer
	log     *slog.Logger
}

// Open 打开总线并初始化设备
func Open(o Options, c dw1000.Config) (*Node, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if c.Logger == nil {
		c.Logger = o.Logger
	}
	n := &Node{log: o.Logger}
	var bus dw1000.Bus
	switch o.Backend {
	case Periph, "":
		b, err := periphbus.Open(periphbus.Config{Port: o.SPI, IRQ: o.IRQ, CS: o.CS, Reset: o.Reset, Logger: o.Logger})
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, b)
		if o.Reset != "" {
			if err := b.Reset(); err != nil {
				n.Close()
				return nil, err
			}
		}
		bus, n.irq = b, b
	case Serial:
		b, err := serialbus.Open(&serialbus.Config{SerialPort: o.SerialPort, Logger: o.Logger})
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, b)
		bus, n.irq = b, b
	case Sim:
		if o.Air == nil {
			return nil, errors.New("backend: sim needs an Air")
		}
		n.air = o.Air
		n.Radio = o.Air.NewRadio(o.Name, o.Pos, o.Offset)
		bus = n.Radio
	default:
		return nil, errors.Errorf("backend: unknown backend %q", o.Backend)
	}
	n.Dev = dw1000.New(bus, c)
	if n.Radio != nil {
		n.Radio.Attach(n.Dev.HandleInterrupt)
	}
	if err := n.Dev.Init(); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Serve 在后台处理中断直到 ctx 结束; 模拟节点的中断由 Wait 驱动
func (n *Node) Serve(ctx context.Context) {
	if n.irq == nil {
		return
	}
	go func() {
		if err := n.Dev.Serve(ctx, n.irq); err != nil && err != context.Canceled {
			n.log.Error("serve", slog.Any("err", err))
		}
	}()
}

// Wait 等待 done 被关闭或收到信号, 模拟节点在这里推进虚拟时间
func (n *Node) Wait(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	if n.air != nil {
		var ok bool
		if err := n.air.RunUntil(func() bool {
			select {
			case <-done:
				ok = true
			default:
			}
			return ok
		}, simEvents); err != nil {
			return err
		}
		if !ok {
			return ErrWaitTimeout
		}
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭总线
func (n *Node) Close() error {
	var first error
	for _, c := range n.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
