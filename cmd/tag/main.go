// tag 依次与三个基站做双边测距, 解算自身坐标并通过WebSocket(:8080/pos)和TCP(:1200)推送
//
// 例如:
// tag -anchor 0x0002@0,0,0 -anchor 0x0003@4,0,0 -anchor 0x0004@0,3,0
// tag -b sim -sim-pos 1,1,1.5 -discover
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/internal/backend"
	"github.com/IndoorPosSquad/dw1000-twr/position"
	"github.com/IndoorPosSquad/dw1000-twr/record"
	"github.com/IndoorPosSquad/dw1000-twr/rng"
	"github.com/IndoorPosSquad/dw1000-twr/sim"
	"github.com/IndoorPosSquad/dw1000-twr/slots"
)

// anchor 是一个基站: 地址、坐标以及它在活动掩码中的位
type anchor struct {
	addr uint16
	pos  position.Node
	bit  uint32
}

type anchorList []anchor

func (l *anchorList) String() string {
	var s []string
	for _, a := range *l {
		s = append(s, fmt.Sprintf("%#04x@%v", a.addr, a.pos))
	}
	return strings.Join(s, " ")
}

// Set 解析 addr@x,y,z
func (l *anchorList) Set(v string) error {
	at := strings.IndexByte(v, '@')
	if at < 0 {
		return errors.Errorf("want addr@x,y,z, got %q", v)
	}
	a, err := strconv.ParseUint(v[:at], 0, 16)
	if err != nil {
		return err
	}
	p, err := parseNode(v[at+1:])
	if err != nil {
		return err
	}
	*l = append(*l, anchor{addr: uint16(a), pos: p, bit: 1 << uint(len(*l))})
	return nil
}

func parseNode(s string) (position.Node, error) {
	f := strings.Split(s, ",")
	if len(f) != 3 {
		return position.Node{}, errors.Errorf("want x,y,z, got %q", s)
	}
	var v [3]float64
	for i := range f {
		var err error
		if v[i], err = strconv.ParseFloat(strings.TrimSpace(f[i]), 64); err != nil {
			return position.Node{}, err
		}
	}
	return position.Node{X: v[0], Y: v[1], Z: v[2]}, nil
}

var (
	anchors  anchorList
	be       = flag.String("b", backend.Periph, "backend: periph, serial or sim")
	spiPort  = flag.String("spi", "", "SPI port")
	irqPin   = flag.String("irq", "GPIO25", "IRQ pin")
	csPin    = flag.String("cs", "", "chip select pin")
	rstPin   = flag.String("rst", "", "reset pin")
	d        = flag.String("d", "/dev/ttyUSB0", "Serial port.")
	addr     = flag.Uint("addr", 0x0001, "tag short address")
	discover = flag.Bool("discover", false, "run a provisioning round before ranging")
	interval = flag.Duration("i", 30*time.Millisecond, "pause between position fixes")
	rounds   = flag.Int("n", 0, "number of fixes, 0 for no limit")
	wsAddr   = flag.String("ws", ":8080", "websocket listen address, empty to disable")
	tcpAddr  = flag.String("tcp", ":1200", "tcp listen address, empty to disable")
	logfile  = flag.String("log", "", "CBOR result log")
	verbose  = flag.Bool("v", false, "debug logging")
	simPos   = flag.String("sim-pos", "1,1,1.5", "simulated tag position")
)

func init() {
	flag.Var(&anchors, "anchor", "anchor as addr@x,y,z, repeat three times")
}

// fixer 收集一轮测距结果
type fixer struct {
	mu      sync.Mutex
	ranges  map[uint16]float64
	members []uint16
	done    chan struct{}
}

func (f *fixer) signal() {
	select {
	case f.done <- struct{}{}:
	default:
	}
}

func (f *fixer) complete(r rng.Result) {
	f.mu.Lock()
	f.ranges[r.Peer] = r.Range
	f.mu.Unlock()
	f.signal()
}

func (f *fixer) provisioned(r rng.Result) {
	f.mu.Lock()
	f.members = r.Members
	f.mu.Unlock()
	f.signal()
}

func (f *fixer) take() map[uint16]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.ranges
	f.ranges = make(map[uint16]float64)
	return r
}

func main() {
	flag.Parse()
	level := new(slog.LevelVar)
	if *verbose {
		level.Set(slog.LevelDebug)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *be == backend.Sim && len(anchors) == 0 {
		anchors.Set("0x0002@0,0,0")
		anchors.Set("0x0003@4,0,0")
		anchors.Set("0x0004@0,3,0")
	}
	if len(anchors) != 3 {
		log.Error("need exactly three anchors", slog.Int("got", len(anchors)))
		os.Exit(1)
	}
	var mask uint32
	for _, a := range anchors {
		mask |= a.bit
	}
	// 按时隙顺序排列基站, 与provision应答的顺序一致
	ordered := make([]anchor, len(anchors))
	for _, a := range anchors {
		i, err := slots.Ordinal(mask, a.bit, slots.SlotPosition)
		if err != nil {
			log.Error("slot", slog.Any("err", err))
			os.Exit(1)
		}
		ordered[i] = a
	}
	solver, err := position.NewSolver(ordered[0].pos, ordered[1].pos, ordered[2].pos)
	if err != nil {
		log.Error("anchors", slog.Any("err", err))
		os.Exit(1)
	}

	c := dw1000.DefaultConfig()
	c.ShortAddress = uint16(*addr)
	c.Logger = log
	o := backend.Options{
		Backend:    *be,
		SPI:        *spiPort,
		IRQ:        *irqPin,
		CS:         *csPin,
		Reset:      *rstPin,
		SerialPort: *d,
		Logger:     log,
	}
	if *be == backend.Sim {
		p, err := parseNode(*simPos)
		if err != nil {
			log.Error("bad flag", slog.Any("err", err))
			os.Exit(1)
		}
		o.Air = sim.NewAir(log)
		o.Name = "tag"
		o.Pos = [3]float64{p.X, p.Y, p.Z}
		for _, a := range anchors {
			if err := simAnchor(o.Air, a, mask, log); err != nil {
				log.Error("sim anchor", slog.Any("err", err))
				os.Exit(1)
			}
		}
	}
	n, err := backend.Open(o, c)
	if err != nil {
		log.Error("open", slog.Any("err", err))
		os.Exit(1)
	}
	defer n.Close()

	var w *record.Writer
	if *logfile != "" {
		f, err := os.Create(*logfile)
		if err != nil {
			log.Error("log file", slog.Any("err", err))
			os.Exit(1)
		}
		defer f.Close()
		w = record.NewWriter(f, "tag")
	}

	fx := &fixer{ranges: make(map[uint16]float64), done: make(chan struct{}, 1)}
	s := rng.New(n.Dev, rng.DefaultConfig(), 2,
		rng.WithLogger(log),
		rng.WithCompleteCallback(func(r rng.Result) {
			if w != nil {
				if err := w.WriteResult(r, nil); err != nil {
					log.Error("result log", slog.Any("err", err))
				}
			}
			if r.Mode == rng.ProvisionStart {
				fx.provisioned(r)
				return
			}
			fx.complete(r)
		}),
		rng.WithErrorCallback(func(err error) {
			log.Warn("exchange failed", slog.Any("err", err))
			fx.signal()
		}),
	)
	defer s.Free()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	n.Serve(ctx)

	h := newHub()
	defer h.close()
	if *wsAddr != "" {
		go func() {
			if err := h.wsService(*wsAddr, log); err != nil {
				log.Error("ws", slog.Any("err", err))
			}
		}()
	}
	if *tcpAddr != "" {
		go func() {
			if err := h.tcpService(*tcpAddr, log); err != nil {
				log.Error("tcp", slog.Any("err", err))
			}
		}()
	}

	if *discover {
		if err := s.Request(rng.Broadcast, rng.ProvisionStart); err != nil {
			log.Error("provision", slog.Any("err", err))
		} else if err := n.Wait(ctx, fx.done, time.Second); err != nil {
			log.Warn("provision", slog.Any("err", err))
		}
		fx.mu.Lock()
		log.Info("anchors answering", slog.Any("members", fx.members))
		fx.mu.Unlock()
	}

	for i := 0; *rounds == 0 || i < *rounds; i++ {
		for _, a := range ordered {
			if err := s.Request(a.addr, rng.DSTWR); err != nil {
				log.Error("request", slog.Any("err", err))
				continue
			}
			if err := n.Wait(ctx, fx.done, time.Second); err != nil {
				log.Warn("wait", slog.Any("anchor", a.addr), slog.Any("err", err))
			}
		}
		r := fx.take()
		d1, ok1 := r[ordered[0].addr]
		d2, ok2 := r[ordered[1].addr]
		d3, ok3 := r[ordered[2].addr]
		if ok1 && ok2 && ok3 {
			p, err := solver.Solve(d1, d2, d3)
			if err != nil {
				log.Warn("solve", slog.Any("err", err))
			} else {
				log.Info("fix", slog.String("pos", p.String()),
					slog.Float64("d1", d1), slog.Float64("d2", d2), slog.Float64("d3", d3))
				h.publish(p)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

// simAnchor 在模拟空间里放置一个自动应答的基站
func simAnchor(air *sim.Air, a anchor, mask uint32, log *slog.Logger) error {
	name := fmt.Sprintf("%04x", a.addr)
	l := log.With(slog.String("node", name))
	c := dw1000.DefaultConfig()
	c.ShortAddress = a.addr
	c.Logger = l
	n, err := backend.Open(backend.Options{
		Backend: backend.Sim,
		Air:     air,
		Name:    name,
		Pos:     [3]float64{a.pos.X, a.pos.Y, a.pos.Z},
		Offset:  uint64(a.addr) << 30,
		Logger:  l,
	}, c)
	if err != nil {
		return err
	}
	s := rng.New(n.Dev, rng.DefaultConfig(), 2, rng.WithLogger(l), rng.WithAutoListen(), rng.WithSlot(mask, a.bit))
	return s.Listen()
}
