package backend

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"golang.org/x/exp/slog"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/rng"
	"github.com/IndoorPosSquad/dw1000-twr/sim"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func openSim(t *testing.T, air *sim.Air, name string, addr uint16, pos [3]float64) *Node {
	t.Helper()
	c := dw1000.DefaultConfig()
	c.ShortAddress = addr
	n, err := Open(Options{Backend: Sim, Air: air, Name: name, Pos: pos, Logger: quiet}, c)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return n
}

func TestSimExchange(t *testing.T) {
	air := sim.NewAir(quiet)
	a := openSim(t, air, "a", 1, [3]float64{0, 0, 0})
	b := openSim(t, air, "b", 2, [3]float64{6, 8, 0})
	if a.Radio == nil || a.Dev.ShortAddress() != 1 {
		t.Fatalf("node %+v", a)
	}
	sb := rng.New(b.Dev, rng.DefaultConfig(), 2, rng.WithLogger(quiet), rng.WithAutoListen())
	if err := sb.Listen(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{}, 1)
	var got []rng.Result
	sa := rng.New(a.Dev, rng.DefaultConfig(), 2, rng.WithLogger(quiet),
		rng.WithCompleteCallback(func(r rng.Result) {
			got = append(got, r)
			done <- struct{}{}
		}))
	ctx := context.Background()
	a.Serve(ctx) // no-op for sim
	if err := sa.Request(2, rng.DSTWR); err != nil {
		t.Fatal(err)
	}
	if err := a.Wait(ctx, done, time.Second); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || math.Abs(got[0].Range-10) > rng.TicksToMeters(1) {
		t.Errorf("results %+v", got)
	}
	if err := a.Close(); err != nil {
		t.Error(err)
	}
}

func TestWaitTimeout(t *testing.T) {
	air := sim.NewAir(quiet)
	n := openSim(t, air, "a", 1, [3]float64{})
	if err := n.Wait(context.Background(), make(chan struct{}), time.Millisecond); err != ErrWaitTimeout {
		t.Errorf("sim Wait = %v", err)
	}

	// without an Air the timeout is wall clock
	n.air = nil
	if err := n.Wait(context.Background(), make(chan struct{}), time.Millisecond); err != ErrWaitTimeout {
		t.Errorf("Wait = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Wait(ctx, make(chan struct{}), time.Minute); err != context.Canceled {
		t.Errorf("cancelled Wait = %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	c := dw1000.DefaultConfig()
	if _, err := Open(Options{Backend: "usb", Logger: quiet}, c); err == nil {
		t.Error("unknown backend accepted")
	}
	if _, err := Open(Options{Backend: Sim, Logger: quiet}, c); err == nil {
		t.Error("sim without Air accepted")
	}
}
