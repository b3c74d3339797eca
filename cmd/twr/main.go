// twr 是一个测距节点, 可以作为发起方周期性地测距, 也可以作为应答方等待请求
//
// 例如:
// twr -addr 0x0001 -peer 0x0002 -mode ds -n 10 -log a.cbor
// twr -b serial -d /dev/ttyUSB0 -addr 0x0002 -respond
// twr -b sim -sim-dist 4.2 -mode ext
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/internal/backend"
	"github.com/IndoorPosSquad/dw1000-twr/record"
	"github.com/IndoorPosSquad/dw1000-twr/rng"
	"github.com/IndoorPosSquad/dw1000-twr/sim"
)

var (
	be       = flag.String("b", backend.Periph, "backend: periph, serial or sim")
	spiPort  = flag.String("spi", "", "SPI port, first available if empty")
	irqPin   = flag.String("irq", "GPIO25", "IRQ pin")
	csPin    = flag.String("cs", "", "chip select pin driven by hand, needed to wake the chip")
	rstPin   = flag.String("rst", "", "reset pin")
	d        = flag.String("d", "/dev/ttyUSB0", "Serial port.")
	addr     = flag.String("addr", "0x0001", "short address")
	peer     = flag.String("peer", "0x0002", "responder address")
	channel  = flag.Int("ch", 5, "channel")
	mode     = flag.String("mode", "ds", "ss, ds, ext or provision")
	count    = flag.Int("n", 0, "number of exchanges, 0 for no limit")
	interval = flag.Duration("i", 100*time.Millisecond, "interval between exchanges")
	respond  = flag.Bool("respond", false, "act as responder")
	slotMask = flag.Uint("slot-mask", 0, "provisioning activity mask")
	slotBit  = flag.Uint("slot-bit", 0, "own provisioning slot bit")
	bias     = flag.String("bias", "", "comma separated bias polynomial coefficients, lowest order first")
	logfile  = flag.String("log", "", "CBOR result log")
	verbose  = flag.Bool("v", false, "debug logging")
	simDist  = flag.Float64("sim-dist", 3.0, "simulated distance to the responder in meters")
)

var modes = map[string]rng.Mode{
	"ss":        rng.SSTWR,
	"ds":        rng.DSTWR,
	"ext":       rng.DSTWRExt,
	"provision": rng.ProvisionStart,
}

func parseAddr(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "address %q", s)
	}
	return uint16(v), nil
}

func parseBias(s string) (rng.BiasFunc, error) {
	if s == "" {
		return nil, nil
	}
	var coeffs []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bias coefficient %q", f)
		}
		coeffs = append(coeffs, v)
	}
	return rng.PolyBias(coeffs...), nil
}

// logResult 把结果写入日志文件, w 为 nil 时什么都不做
func logResult(w *record.Writer, log *slog.Logger, r rng.Result, failure error) {
	if w == nil {
		return
	}
	if err := w.WriteResult(r, failure); err != nil {
		log.Error("result log", slog.Any("err", err))
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.Any("err", err))
	os.Exit(1)
}

func main() {
	flag.Parse()
	level := new(slog.LevelVar)
	if *verbose {
		level.Set(slog.LevelDebug)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	local, err := parseAddr(*addr)
	if err != nil {
		fatal(log, "bad flag", err)
	}
	dst, err := parseAddr(*peer)
	if err != nil {
		fatal(log, "bad flag", err)
	}
	m, ok := modes[*mode]
	if !ok {
		fatal(log, "bad flag", errors.Errorf("unknown mode %q", *mode))
	}
	bf, err := parseBias(*bias)
	if err != nil {
		fatal(log, "bad flag", err)
	}

	c := dw1000.DefaultConfig()
	c.ShortAddress = local
	c.Phy.Channel = uint8(*channel)
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
		if *respond {
			fatal(log, "bad flag", errors.New("-respond needs real hardware"))
		}
		o.Air = sim.NewAir(log)
		o.Name = fmt.Sprintf("%04x", local)
		if err := simPeer(o.Air, dst, log); err != nil {
			fatal(log, "sim peer", err)
		}
	}
	n, err := backend.Open(o, c)
	if err != nil {
		fatal(log, "open", err)
	}
	defer n.Close()

	var w *record.Writer
	if *logfile != "" {
		f, err := os.Create(*logfile)
		if err != nil {
			fatal(log, "log file", err)
		}
		defer f.Close()
		w = record.NewWriter(f, fmt.Sprintf("%04x", local))
	}

	done := make(chan struct{}, 1)
	notify := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}
	rc := rng.DefaultConfig()
	opts := []rng.Option{
		rng.WithLogger(log),
		rng.WithCompleteCallback(func(r rng.Result) {
			log.Info("range", slog.String("mode", r.Mode.String()), slog.String("peer", fmt.Sprintf("%04x", r.Peer)),
				slog.Float64("m", r.Range), slog.Float64("dbm", r.RxPower), slog.Any("members", r.Members))
			logResult(w, log, r, nil)
			notify()
		}),
		rng.WithErrorCallback(func(err error) {
			log.Warn("exchange failed", slog.Any("err", err))
			logResult(w, log, rng.Result{Mode: m, Local: local, Peer: dst}, err)
			notify()
		}),
	}
	if bf != nil {
		rc.BiasCorrection = true
		opts = append(opts, rng.WithBias(bf))
	}
	if *slotMask != 0 {
		opts = append(opts, rng.WithSlot(uint32(*slotMask), uint32(*slotBit)))
	}
	if *respond {
		opts = append(opts, rng.WithAutoListen())
	}
	s := rng.New(n.Dev, rc, 2, opts...)
	defer s.Free()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	n.Serve(ctx)

	if *respond {
		if err := s.Listen(); err != nil {
			fatal(log, "listen", err)
		}
		log.Info("listening", slog.String("addr", fmt.Sprintf("%04x", local)))
		<-ctx.Done()
		return
	}

	if m == rng.ProvisionStart {
		dst = rng.Broadcast
	}
	for i := 0; *count == 0 || i < *count; i++ {
		if err := s.Request(dst, m); err != nil {
			log.Error("request", slog.Any("err", err))
		} else if err := n.Wait(ctx, done, time.Second); err != nil {
			log.Warn("wait", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

// simPeer 在 -sim-dist 处放置一个自动应答的节点
func simPeer(air *sim.Air, addr uint16, log *slog.Logger) error {
	c := dw1000.DefaultConfig()
	c.ShortAddress = addr
	c.Logger = log.With(slog.String("node", "peer"))
	// 本地时钟与发起方不同步
	p, err := backend.Open(backend.Options{
		Backend: backend.Sim,
		Air:     air,
		Name:    fmt.Sprintf("%04x", addr),
		Pos:     [3]float64{*simDist, 0, 0},
		Offset:  1 << 36,
		Logger:  c.Logger,
	}, c)
	if err != nil {
		return err
	}
	s := rng.New(p.Dev, rng.DefaultConfig(), 2, rng.WithLogger(c.Logger), rng.WithAutoListen(),
		rng.WithCompleteCallback(func(r rng.Result) {
			c.Logger.Debug("range", slog.Float64("m", r.Range))
		}))
	return s.Listen()
}
