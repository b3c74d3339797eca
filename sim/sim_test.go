package sim_test

import (
	"io"
	"testing"

	"golang.org/x/exp/slog"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/sim"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func device(t *testing.T, air *sim.Air, name string, pos [3]float64) (*dw1000.Device, *sim.Radio) {
	t.Helper()
	r := air.NewRadio(name, pos, 0)
	c := dw1000.DefaultConfig()
	c.Logger = quiet
	d := dw1000.New(r, c)
	r.Attach(d.HandleInterrupt)
	if err := d.Init(); err != nil {
		t.Fatalf("%s: init: %v", name, err)
	}
	return d, r
}

// Configure starts and aborts a transmission in one write to load the SFD.
func TestConfigureSendsNothing(t *testing.T) {
	air := sim.NewAir(quiet)
	a, ra := device(t, air, "a", [3]float64{})
	b, rb := device(t, air, "b", [3]float64{1, 0, 0})
	if err := b.StartRx(); err != nil {
		t.Fatal(err)
	}
	if err := a.Configure(dw1000.DefaultConfig().Phy); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(100); err != nil {
		t.Fatal(err)
	}
	if sent, _ := ra.Counts(); sent != 0 {
		t.Errorf("a sent %d frames", sent)
	}
	if _, got := rb.Counts(); got != 0 {
		t.Errorf("b received %d frames", got)
	}
	if got := b.State(); got != dw1000.RxActive {
		t.Errorf("b state %v, want rx-active", got)
	}
}

func TestDataFrame(t *testing.T) {
	air := sim.NewAir(quiet)
	a, ra := device(t, air, "a", [3]float64{})
	b, rb := device(t, air, "b", [3]float64{3, 4, 0})
	var got []dw1000.Event
	b.SetCallbacks(nil, func(d *dw1000.Device, ev dw1000.Event) { got = append(got, ev) }, nil, nil)
	if err := b.StartRx(); err != nil {
		t.Fatal(err)
	}
	payload := []byte{0x41, 0x88, 1, 0xCA, 0xDE, 0xFF, 0xFF, 3, 0, 'h', 'i'}
	if err := a.WriteTx(payload, 0, uint16(len(payload)+2)); err != nil {
		t.Fatal(err)
	}
	if err := a.SetTxFrameControl(uint16(len(payload)+2), 0, false); err != nil {
		t.Fatal(err)
	}
	if err := a.StartTx(); err != nil {
		t.Fatal(err)
	}
	if err := air.Run(100); err != nil {
		t.Fatal(err)
	}
	if sent, _ := ra.Counts(); sent != 1 {
		t.Errorf("a sent %d frames", sent)
	}
	if _, n := rb.Counts(); n != 1 || len(got) != 1 {
		t.Fatalf("b received %d frames, %d events", n, len(got))
	}
	if ev := got[0]; ev.Ranging || int(ev.FrameLen) != len(payload)+2 {
		t.Errorf("event %+v", ev)
	}
	if d := sim.Distance(ra, rb); d != 5 {
		t.Errorf("distance %v", d)
	}
}
