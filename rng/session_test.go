package rng_test

import (
	"io"
	"math"
	"reflect"
	"testing"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/rng"
	"github.com/IndoorPosSquad/dw1000-twr/sim"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type node struct {
	dev     *dw1000.Device
	radio   *sim.Radio
	results []rng.Result
	errs    []error
}

func newNode(t *testing.T, air *sim.Air, name string, pos [3]float64, offset uint64, addr uint16) *node {
	t.Helper()
	r := air.NewRadio(name, pos, offset)
	c := dw1000.DefaultConfig()
	c.ShortAddress = addr
	c.Logger = quiet
	d := dw1000.New(r, c)
	r.Attach(d.HandleInterrupt)
	if err := d.Init(); err != nil {
		t.Fatalf("%s: init: %v", name, err)
	}
	return &node{dev: d, radio: r}
}

func (n *node) session(cfg rng.Config, opts ...rng.Option) *rng.Session {
	opts = append(opts,
		rng.WithLogger(quiet),
		rng.WithCompleteCallback(func(r rng.Result) { n.results = append(n.results, r) }),
		rng.WithErrorCallback(func(err error) { n.errs = append(n.errs, err) }),
	)
	return rng.New(n.dev, cfg, 2, opts...)
}

const (
	addrA = 0x0001
	addrB = 0x0002
	addrC = 0x0003
	addrD = 0x0004
)

func checkRange(t *testing.T, who string, got, want float64) {
	t.Helper()
	if tick := rng.TicksToMeters(1); math.Abs(got-want) > tick {
		t.Errorf("%s: range %.4f m, want %.4f m within %.4f", who, got, want, tick)
	}
}

func TestExchange(t *testing.T) {
	tests := []struct {
		mode rng.Mode
		end  rng.Mode
	}{
		{rng.SSTWR, rng.SSTWREnd},
		{rng.DSTWR, rng.DSTWREnd},
		{rng.DSTWRExt, rng.DSTWRExtEnd},
	}
	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			air := sim.NewAir(quiet)
			a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
			// b's clock is about to wrap around
			b := newNode(t, air, "b", [3]float64{3, 4, 0}, 0xFFFF000000, addrB)
			sa := a.session(rng.DefaultConfig())
			sb := b.session(rng.DefaultConfig(), rng.WithAutoListen())
			if err := sb.Listen(); err != nil {
				t.Fatal(err)
			}
			if err := sa.Request(addrB, tc.mode); err != nil {
				t.Fatal(err)
			}
			if err := sa.Request(addrB, tc.mode); !errors.Is(err, rng.ErrBusy) {
				t.Errorf("second request: %v, want ErrBusy", err)
			}
			if err := air.Run(1000); err != nil {
				t.Fatal(err)
			}
			if len(a.errs)+len(b.errs) != 0 {
				t.Fatalf("errors: a %v, b %v", a.errs, b.errs)
			}
			if len(a.results) != 1 || len(b.results) != 1 {
				t.Fatalf("results: a %d, b %d", len(a.results), len(b.results))
			}
			want := sim.Distance(a.radio, b.radio)
			checkRange(t, "initiator", a.results[0].Range, want)
			checkRange(t, "responder", b.results[0].Range, want)
			if got := a.results[0]; got.Mode != tc.mode || got.Peer != addrB || got.Local != addrA {
				t.Errorf("initiator result %+v", got)
			}
			if got := b.results[0].Peer; got != addrA {
				t.Errorf("responder peer %#04x", got)
			}
			if sa.Busy() || sb.Busy() {
				t.Error("session still busy")
			}
			if got := sa.Stage(); got != tc.end {
				t.Errorf("initiator stage %v, want %v", got, tc.end)
			}
		})
	}
}

func TestExtendedRecords(t *testing.T) {
	air := sim.NewAir(quiet)
	a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
	b := newNode(t, air, "b", [3]float64{0, 2, 0}, 1<<32, addrB)
	pos := [3]float32{1, 2, 3}
	sa := a.session(rng.DefaultConfig(), rng.WithRecord(func() rng.Record {
		return rng.Record{Cartesian: pos}
	}))
	sb := b.session(rng.DefaultConfig())
	if err := sb.Listen(); err != nil {
		t.Fatal(err)
	}
	if err := sa.Request(addrB, rng.DSTWRExt); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(1000); err != nil {
		t.Fatal(err)
	}
	if len(a.results) != 1 || len(b.results) != 1 {
		t.Fatalf("results: a %d, b %d, errors %v %v", len(a.results), len(b.results), a.errs, b.errs)
	}
	rb := b.results[0]
	if rb.Remote == nil || rb.Remote.Cartesian != pos {
		t.Errorf("responder got remote record %+v", rb.Remote)
	}
	ra := a.results[0]
	if ra.Remote == nil {
		t.Fatal("initiator got no record")
	}
	if got := float64(ra.Remote.Spherical[0]); math.Abs(got-rb.Range) > 1e-3 {
		t.Errorf("record range %v, responder measured %v", got, rb.Range)
	}
	if ra.Remote.UTime != rb.Time {
		t.Errorf("record utime %#x, responder rx time %#x", ra.Remote.UTime, rb.Time)
	}
}

func TestProvision(t *testing.T) {
	air := sim.NewAir(quiet)
	a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
	const mask = 1<<1 | 1<<2 | 1<<4
	// started in reverse so the member order comes from the slots
	var responders []*node
	for i, r := range []struct {
		name string
		addr uint16
		bit  uint32
	}{
		{"d", addrD, 1 << 4},
		{"c", addrC, 1 << 2},
		{"b", addrB, 1 << 1},
	} {
		n := newNode(t, air, r.name, [3]float64{float64(i + 1), 1, 0}, uint64(i)<<36, r.addr)
		s := n.session(rng.DefaultConfig(), rng.WithAutoListen(), rng.WithSlot(mask, r.bit))
		if err := s.Listen(); err != nil {
			t.Fatal(err)
		}
		responders = append(responders, n)
	}
	sa := a.session(rng.DefaultConfig())
	if err := sa.Request(rng.Broadcast, rng.ProvisionStart); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(1000); err != nil {
		t.Fatal(err)
	}
	if len(a.results) != 1 {
		t.Fatalf("initiator results %d, errors %v", len(a.results), a.errs)
	}
	want := []uint16{addrB, addrC, addrD}
	if got := a.results[0].Members; !reflect.DeepEqual(got, want) {
		t.Errorf("members %#04x, want %#04x", got, want)
	}
	for _, n := range responders {
		if len(n.results) != 1 || n.results[0].Mode != rng.ProvisionResp {
			t.Errorf("responder results %+v", n.results)
		}
	}
}

// send puts a raw frame on the air from n.
func (n *node) send(t *testing.T, payload []byte, ranging bool) {
	t.Helper()
	flen := uint16(len(payload) + 2)
	if err := n.dev.WriteTx(payload, 0, flen); err != nil {
		t.Fatal(err)
	}
	if err := n.dev.SetTxFrameControl(flen, 0, ranging); err != nil {
		t.Fatal(err)
	}
	if err := n.dev.SetWaitForResponse(false, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := n.dev.StartTx(); err != nil {
		t.Fatal(err)
	}
}

// A responder keeps listening after frames that are not ranging requests.
func TestListenAfterStrayFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		ranging bool
	}{
		{"data frame", []byte{0x41, 0x88, 1, 0xCA, 0xDE, 0xFF, 0xFF, 0x03, 0x00, 'h', 'i'}, false},
		{"short ranging frame", []byte{0x41, 0x88, 1, 0xCA}, true},
		{"foreign ranging frame", []byte{0x41, 0x98, 1, 0xCA, 0xDE, 0x02, 0x00, 0x03, 0x00, 0x00, 0x00}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			air := sim.NewAir(quiet)
			a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
			b := newNode(t, air, "b", [3]float64{2, 0, 0}, 0, addrB)
			c := newNode(t, air, "c", [3]float64{0, 2, 0}, 0, addrC)
			sa := a.session(rng.DefaultConfig())
			sb := b.session(rng.DefaultConfig(), rng.WithAutoListen())
			if err := sb.Listen(); err != nil {
				t.Fatal(err)
			}
			c.send(t, tc.payload, tc.ranging)
			if err := air.Run(1000); err != nil {
				t.Fatal(err)
			}
			if _, got := b.radio.Counts(); got != 1 {
				t.Fatalf("responder received %d frames", got)
			}
			if got := b.dev.State(); got != dw1000.RxActive {
				t.Fatalf("responder state %v after stray frame", got)
			}

			if err := sa.Request(addrB, rng.DSTWR); err != nil {
				t.Fatal(err)
			}
			if err := air.Run(1000); err != nil {
				t.Fatal(err)
			}
			if len(a.results) != 1 || len(a.errs) != 0 {
				t.Fatalf("results %+v, errors %v", a.results, a.errs)
			}
			checkRange(t, "initiator", a.results[0].Range, 2)
		})
	}
}

func TestTimeout(t *testing.T) {
	air := sim.NewAir(quiet)
	a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
	b := newNode(t, air, "b", [3]float64{1, 0, 0}, 0, addrB)
	sa := a.session(rng.DefaultConfig())
	sb := b.session(rng.DefaultConfig(), rng.WithAutoListen())
	if err := sb.Listen(); err != nil {
		t.Fatal(err)
	}
	// nobody answers to 0x0009
	if err := sa.Request(0x0009, rng.DSTWR); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(1000); err != nil {
		t.Fatal(err)
	}
	if len(a.errs) != 1 || !errors.Is(a.errs[0], rng.ErrTimeout) {
		t.Fatalf("errors %v, want one ErrTimeout", a.errs)
	}
	if sa.Busy() {
		t.Error("session busy after timeout")
	}
	if sa.Status()&rng.MACError == 0 {
		t.Error("MACError not set")
	}
	if len(b.results) != 0 {
		t.Errorf("bystander produced results %+v", b.results)
	}
}

// b answers a DS request with a single sided response.
func TestUnexpectedCode(t *testing.T) {
	air := sim.NewAir(quiet)
	a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
	b := newNode(t, air, "b", [3]float64{1, 0, 0}, 0, addrB)
	b.dev.SetCallbacks(nil, func(d *dw1000.Device, ev dw1000.Event) {
		buf := make([]byte, ev.FrameLen-2)
		if err := d.ReadRx(buf, 0); err != nil {
			t.Error(err)
			return
		}
		var f rng.Frame
		if err := f.Decode(buf); err != nil {
			t.Error(err)
			return
		}
		rx, err := d.ReadRxTimestamp()
		if err != nil {
			t.Error(err)
			return
		}
		out := rng.Frame{
			FrameControl: rng.FrameControl,
			Seq:          f.Seq,
			PANID:        f.PANID,
			Dst:          f.Src,
			Src:          f.Dst,
			Code:         rng.SSTWRT1,
		}
		var tx [rng.ExtendedLen]byte
		n, err := out.Encode(tx[:])
		if err != nil {
			t.Error(err)
			return
		}
		if err := d.WriteTx(tx[:n], 0, uint16(n+2)); err != nil {
			t.Error(err)
		}
		if err := d.SetTxFrameControl(uint16(n+2), 0, true); err != nil {
			t.Error(err)
		}
		if err := d.StartTxDelayed(rx + 0x0C00<<16); err != nil {
			t.Error(err)
		}
	}, nil, nil)
	if err := b.dev.StartRx(); err != nil {
		t.Fatal(err)
	}
	sa := a.session(rng.DefaultConfig())
	if err := sa.Request(addrB, rng.DSTWR); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(1000); err != nil {
		t.Fatal(err)
	}
	if len(a.errs) != 1 || !errors.Is(a.errs[0], rng.ErrUnexpectedCode) {
		t.Fatalf("errors %v, want one ErrUnexpectedCode", a.errs)
	}
	if len(a.results) != 0 {
		t.Errorf("results %+v", a.results)
	}
	if sa.Busy() || sa.Status()&rng.InvalidCodeError == 0 {
		t.Errorf("busy %v, status %#x", sa.Busy(), sa.Status())
	}
	if got := a.dev.State(); got != dw1000.Idle {
		t.Errorf("device state %v, want idle", got)
	}
}

func TestBiasCorrection(t *testing.T) {
	air := sim.NewAir(quiet)
	a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
	b := newNode(t, air, "b", [3]float64{5, 0, 0}, 0, addrB)
	cfg := rng.DefaultConfig()
	cfg.BiasCorrection = true
	sa := a.session(cfg, rng.WithBias(rng.PolyBias(0.1)))
	sb := b.session(rng.DefaultConfig())
	if err := sb.Listen(); err != nil {
		t.Fatal(err)
	}
	if err := sa.Request(addrB, rng.DSTWR); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(1000); err != nil {
		t.Fatal(err)
	}
	if len(a.results) != 1 {
		t.Fatalf("results %d, errors %v", len(a.results), a.errs)
	}
	res := a.results[0]
	if res.RxPower > -60 || res.RxPower < -85 {
		t.Errorf("rx power %v dBm", res.RxPower)
	}
	checkRange(t, "corrected", res.Range, 5-0.1)
}

func TestRequestDelayStart(t *testing.T) {
	air := sim.NewAir(quiet)
	a := newNode(t, air, "a", [3]float64{0, 0, 0}, 12345, addrA)
	b := newNode(t, air, "b", [3]float64{0, 0, 1}, 0, addrB)
	sa := a.session(rng.DefaultConfig())
	sb := b.session(rng.DefaultConfig())
	if err := sb.Listen(); err != nil {
		t.Fatal(err)
	}
	now, err := a.dev.ReadSystemTime()
	if err != nil {
		t.Fatal(err)
	}
	if err := sa.RequestDelayStart(addrB, now+0x1000<<16, rng.SSTWR); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(1000); err != nil {
		t.Fatal(err)
	}
	if len(a.results) != 1 {
		t.Fatalf("results %d, errors %v", len(a.results), a.errs)
	}
	checkRange(t, "delayed", a.results[0].Range, 1)
	if air.Now() < 0x1000<<16 {
		t.Errorf("exchange finished at %d, before the requested start", air.Now())
	}
}

func TestSessionLifecycle(t *testing.T) {
	air := sim.NewAir(quiet)
	a := newNode(t, air, "a", [3]float64{0, 0, 0}, 0, addrA)
	s := a.session(rng.DefaultConfig())
	if err := s.Request(addrB, rng.SSTWRT1); !errors.Is(err, rng.ErrInvalidMode) {
		t.Errorf("request with a reply code: %v", err)
	}
	if err := s.SetFrames(make([]rng.Frame, 3)); !errors.Is(err, rng.ErrFrameCount) {
		t.Errorf("SetFrames: %v", err)
	}
	if err := s.SetFrames(make([]rng.Frame, 2)); err != nil {
		t.Errorf("SetFrames: %v", err)
	}
	cfg := rng.DefaultConfig()
	cfg.TxGuardDelay = 0x2000
	if err := s.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if got := s.Config(rng.DSTWR); got != cfg {
		t.Errorf("Config(DSTWR) = %+v", got)
	}
	if got := s.Config(rng.ProvisionStart).RxTimeoutPeriod; got != 0x4000 {
		t.Errorf("provision rx timeout %#x, want %#x", got, 0x4000)
	}
	s.Free()
	if err := s.Request(addrB, rng.SSTWR); !errors.Is(err, rng.ErrClosed) {
		t.Errorf("request after Free: %v", err)
	}
}
