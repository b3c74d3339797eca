package dw1000

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestInit(t *testing.T) {
	bus := newFakeBus()
	bus.set(DevIDID, 0, DevID, 4)
	d, _ := testDevice(t, bus)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if got := bus.get(PANADRID, PANADRPANOffset, 2); got != 0xDECA {
		t.Errorf("PAN ID register %#x", got)
	}
	if got := bus.get(SysMaskID, 0, 4); got != IntDefault {
		t.Errorf("SYS_MASK %#x, want %#x", got, IntDefault)
	}
	if got := bus.get(SysCfgID, 0, 4); got&SysCfgDisDRXB != 0 {
		t.Errorf("double buffering not enabled, SYS_CFG %#x", got)
	}
	if s := d.Status(); !s.Has(DoubleBuffer) || s.Has(LongFrames) {
		t.Errorf("status %v", s)
	}
	if d.State() != Idle {
		t.Errorf("state %v", d.State())
	}
}

func TestInitBadDeviceID(t *testing.T) {
	bus := newFakeBus()
	bus.set(DevIDID, 0, 0xDECA0129, 4)
	d, _ := testDevice(t, bus)
	if err := d.Init(); !errors.Is(err, ErrBadDeviceID) {
		t.Fatalf("Init = %v", err)
	}
	if n := len(bus.writes(SysCfgID)); n != 0 {
		t.Errorf("%d SYS_CFG writes after failed probe", n)
	}
}

func TestConfigureRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(p *PhyConfig)
	}{
		{"channel 0", func(p *PhyConfig) { p.Channel = 0 }},
		{"channel 6", func(p *PhyConfig) { p.Channel = 6 }},
		{"channel 8", func(p *PhyConfig) { p.Channel = 8 }},
		{"16MHz code 9", func(p *PhyConfig) { p.PRF = PRF16M }},
		{"64MHz code 4", func(p *PhyConfig) { p.TxCode, p.RxCode = 4, 4 }},
		{"code 25", func(p *PhyConfig) { p.RxCode = 25 }},
		{"preamble", func(p *PhyConfig) { p.PreambleLength = 0x05 }},
		{"prf", func(p *PhyConfig) { p.PRF = 3 }},
		{"rate", func(p *PhyConfig) { p.DataRate = 3 }},
		{"pac", func(p *PhyConfig) { p.PAC = 4 }},
		{"phr", func(p *PhyConfig) { p.PHRMode = 1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bus := newFakeBus()
			d, _ := testDevice(t, bus)
			p := DefaultConfig().Phy
			tc.mod(&p)
			if err := d.Configure(p); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Configure = %v", err)
			}
			if len(bus.log) != 0 {
				t.Errorf("%d bus transactions on invalid config", len(bus.log))
			}
		})
	}
}

func TestConfigureTxFrameControl(t *testing.T) {
	plens := []PreambleLength{PLen64, PLen128, PLen256, PLen512, PLen1024, PLen1536, PLen2048, PLen4096}
	for _, prf := range []PRF{PRF16M, PRF64M} {
		for _, rate := range []DataRate{Rate110K, Rate850K, Rate6M8} {
			for _, plen := range plens {
				bus := newFakeBus()
				d, _ := testDevice(t, bus)
				p := DefaultConfig().Phy
				p.PRF, p.DataRate, p.PreambleLength = prf, rate, plen
				if prf == PRF16M {
					p.TxCode, p.RxCode = 3, 3
				}
				if err := d.Configure(p); err != nil {
					t.Fatalf("%v %v %#x: %v", prf, rate, plen, err)
				}
				fc := d.TxFrameControl()
				if PRF(fc>>TxFctrlTxPRFShift&0x3) != prf ||
					PreambleLength(fc>>TxFctrlTxPRFShift&^0x3) != plen ||
					DataRate(fc>>TxFctrlTxBRShift&0x3) != rate {
					t.Errorf("%v %v %#x: TX_FCTRL %#x", prf, rate, plen, fc)
				}
				if got := bus.get(TxFctrlID, 0, 4); got != uint64(fc) {
					t.Errorf("TX_FCTRL register %#x, shadow %#x", got, fc)
				}
				cfg := bus.get(SysCfgID, 0, 4)
				if (cfg&SysCfgRXM110K != 0) != (rate == Rate110K) {
					t.Errorf("%v: SYS_CFG %#x", rate, cfg)
				}
			}
		}
	}
}

func TestConfigureChannel(t *testing.T) {
	tests := []struct {
		ch   uint8
		rxbw uint64
	}{
		{1, RFRxCtrlHNBW},
		{2, RFRxCtrlHNBW},
		{3, RFRxCtrlHNBW},
		{4, RFRxCtrlHWBW},
		{5, RFRxCtrlHNBW},
		{7, RFRxCtrlHWBW},
	}
	for _, tc := range tests {
		bus := newFakeBus()
		d, _ := testDevice(t, bus)
		p := DefaultConfig().Phy
		p.Channel = tc.ch
		if err := d.Configure(p); err != nil {
			t.Fatal(err)
		}
		if got := bus.get(RFConfID, RFRxCtrlHOffset, 1); got != tc.rxbw {
			t.Errorf("channel %d: RF_RXCTRLH %#x, want %#x", tc.ch, got, tc.rxbw)
		}
		cc := bus.get(ChanCtrlID, 0, 4)
		if cc&ChanCtrlTxChanMask != uint64(tc.ch) || cc&ChanCtrlRxChanMask>>ChanCtrlRxChanShift != uint64(tc.ch) {
			t.Errorf("channel %d: CHAN_CTRL %#x", tc.ch, cc)
		}
	}
}

func TestConfigureNonStdSFD(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	p := DefaultConfig().Phy
	p.NonStdSFD = true
	p.DataRate = Rate850K
	p.SFDTimeout = 0
	if err := d.Configure(p); err != nil {
		t.Fatal(err)
	}
	if got := bus.get(UsrSFDID, 0, 1); got != 16 {
		t.Errorf("USR_SFD length %d", got)
	}
	cc := bus.get(ChanCtrlID, 0, 4)
	if cc&(ChanCtrlDWSFD|ChanCtrlTNSSFD|ChanCtrlRNSSFD) != ChanCtrlDWSFD|ChanCtrlTNSSFD|ChanCtrlRNSSFD {
		t.Errorf("CHAN_CTRL %#x", cc)
	}
	if got := bus.get(DrxConfID, DrxSFDTOCOffset, 2); got != SFDTOCDefault {
		t.Errorf("SFD timeout %#x", got)
	}
}

func TestWriteTx(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	frame := make([]byte, 40)
	for i := range frame {
		frame[i] = byte(i + 1)
	}

	err := d.WriteTx(frame, 1000, 30)
	if !errors.Is(err, ErrTxBufferOverflow) {
		t.Fatalf("WriteTx overflow = %v", err)
	}
	if !d.Status().Has(TxFrameError) {
		t.Error("frame error not set")
	}
	if n := len(bus.writes(TxBufferID)); n != 0 {
		t.Fatalf("%d TX buffer writes on overflow", n)
	}

	if err := d.WriteTx(frame, 994, 30); err != nil {
		t.Fatal(err)
	}
	if d.Status().Has(TxFrameError) {
		t.Error("frame error not cleared")
	}
	ws := bus.writes(TxBufferID)
	if len(ws) != 1 || ws[0].sub != 994 || !bytes.Equal(ws[0].data, frame[:28]) {
		t.Errorf("TX buffer writes %+v", ws)
	}

	if err := d.WriteTx(frame[:3], 0, 12); err == nil {
		t.Error("short source accepted")
	}
}

func TestSetTxFrameControl(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	if err := d.SetTxFrameControl(128, 0, false); !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("128 byte frame: %v", err)
	}
	if err := d.SetTxFrameControl(127, 2, true); err != nil {
		t.Fatal(err)
	}
	reg := bus.get(TxFctrlID, 0, 4)
	if reg&TxFctrlFlenMask != 127 || reg&TxFctrlTR == 0 || reg>>TxFctrlBoffShift != 2 {
		t.Errorf("TX_FCTRL %#x", reg)
	}
	if !d.Status().Has(TxRanging) {
		t.Error("tx ranging flag not set")
	}

	p := DefaultConfig().Phy
	p.PHRMode = PHRExtended
	if err := d.Configure(p); err != nil {
		t.Fatal(err)
	}
	if err := d.SetTxFrameControl(1023, 0, false); err != nil {
		t.Errorf("long frame: %v", err)
	}
	if d.Status().Has(TxRanging) {
		t.Error("tx ranging flag kept")
	}
}

func TestStartTxDelayedLate(t *testing.T) {
	bus := newFakeBus()
	d, logs := testDevice(t, bus)
	bus.set(SysStatusID, 0, SysStatusHPDWarn, 4)
	err := d.StartTxDelayed(0x12_3456_7800)
	if err != ErrStartTx {
		t.Fatalf("StartTxDelayed = %v", err)
	}
	if got := bus.get(DxTimeID, 1, 4); got != 0x12_3456_78 {
		t.Errorf("DX_TIME %#x", got)
	}
	ws := bus.writes(SysCtrlID)
	if len(ws) != 2 || ws[0].value() != SysCtrlTxStrt|SysCtrlTxDlys || ws[1].value() != SysCtrlTrxOff {
		t.Errorf("SYS_CTRL writes %+v", ws)
	}
	if !d.Status().Has(StartTxError) || d.State() != Idle {
		t.Errorf("status %v state %v", d.Status(), d.State())
	}
	if !bytes.Contains(logs.Bytes(), []byte("delayed tx start failed")) {
		t.Error("late start not logged")
	}

	bus.set(SysStatusID, 0, 0, 5)
	if err := d.StartTxDelayed(0x12_3456_7800); err != nil {
		t.Fatal(err)
	}
	if d.Status().Has(StartTxError) || d.State() != TxArmed {
		t.Errorf("status %v state %v", d.Status(), d.State())
	}
}

func TestStartTxWait4Resp(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	if err := d.SetWaitForResponse(true, 100, 0x400); err != nil {
		t.Fatal(err)
	}
	if got := bus.get(AckRespTID, 0, 4); got&AckRespTW4RTimMask != 100 {
		t.Errorf("ACK_RESP_T %#x", got)
	}
	if got := bus.get(RxFwtoID, 0, 2); got != 0x400 {
		t.Errorf("RX_FWTO %#x", got)
	}
	if got := bus.get(SysCfgID, 0, 4); got&SysCfgRXWTOE == 0 {
		t.Errorf("SYS_CFG %#x", got)
	}
	bus.reset()
	if err := d.StartTx(); err != nil {
		t.Fatal(err)
	}
	ws := bus.writes(SysCtrlID)
	if len(ws) != 2 || ws[0].value() != SysCtrlWait4Resp || ws[1].value() != SysCtrlTxStrt|SysCtrlWait4Resp {
		t.Errorf("SYS_CTRL writes %+v", ws)
	}
	if d.State() != TxActive {
		t.Errorf("state %v", d.State())
	}
}

func TestStartRxDelayedLate(t *testing.T) {
	bus := newFakeBus()
	d, logs := testDevice(t, bus)
	bus.set(SysStatusID, 0, SysStatusHPDWarn, 4)
	if err := d.StartRxDelayed(0x10_0000_0000); err != nil {
		t.Fatalf("StartRxDelayed = %v", err)
	}
	var enables []uint64
	for _, w := range bus.writes(SysCtrlID) {
		if w.value()&SysCtrlRxEnab != 0 {
			enables = append(enables, w.value())
		}
	}
	want := []uint64{SysCtrlRxEnab | SysCtrlRxDlye, SysCtrlRxEnab}
	if len(enables) != len(want) || enables[0] != want[0] || enables[1] != want[1] {
		t.Errorf("rx enables %#x, want %#x", enables, want)
	}
	if !d.Status().Has(StartRxError) {
		t.Error("start rx error not set")
	}
	if d.State() != RxActive {
		t.Errorf("state %v", d.State())
	}
	if !bytes.Contains(logs.Bytes(), []byte("level=ERROR")) {
		t.Errorf("late start not logged as error:\n%s", logs)
	}
}

func TestStartRxDoubleBuffer(t *testing.T) {
	tests := []struct {
		name   string
		status uint64
		toggle bool
	}{
		{"aligned", 0, false},
		{"both set", SysStatusICRBP | SysStatusHSRBP, false},
		{"host behind", SysStatusICRBP, true},
		{"host ahead", SysStatusHSRBP, true},
	}
	for _, tc := range tests {
		bus := newFakeBus()
		d, _ := testDevice(t, bus)
		if err := d.SetDoubleBuffer(true); err != nil {
			t.Fatal(err)
		}
		bus.set(SysStatusID, 0, tc.status, 4)
		bus.reset()
		if err := d.StartRx(); err != nil {
			t.Fatal(err)
		}
		var toggled bool
		for _, w := range bus.writes(SysCtrlID) {
			if w.sub == SysCtrlHRBTOffset {
				toggled = true
			}
		}
		if toggled != tc.toggle {
			t.Errorf("%s: HRBT toggled %v", tc.name, toggled)
		}
	}
}

func TestForceTRxOffRestoresMask(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	bus.set(SysMaskID, 0, IntDefault, 4)
	bus.set(SysStatusID, 0, SysStatusAllTx|SysStatusAllRxGood, 4)
	if err := d.StartRx(); err != nil {
		t.Fatal(err)
	}
	bus.reset()
	if err := d.ForceTRxOff(); err != nil {
		t.Fatal(err)
	}
	masks := bus.writes(SysMaskID)
	if len(masks) != 2 || masks[0].value() != 0 || masks[1].value() != IntDefault {
		t.Errorf("SYS_MASK writes %+v", masks)
	}
	if got := bus.get(SysStatusID, 0, 4); got != 0 {
		t.Errorf("events left in SYS_STATUS %#x", got)
	}
	if d.State() != Idle {
		t.Errorf("state %v", d.State())
	}
}

func TestSleepWake(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	var delays []time.Duration
	d.delay = func(dt time.Duration) { delays = append(delays, dt) }

	if err := d.Sleep(); err != nil {
		t.Fatal(err)
	}
	if d.State() != Sleeping || !d.Status().Has(SleepEnabled) {
		t.Fatalf("state %v status %v", d.State(), d.Status())
	}
	if got := bus.get(AONID, AONCfg0Offset, 1); got != AONCfg0Sleep|AONCfg0WakeSP {
		t.Errorf("AON_CFG0 %#x", got)
	}
	bus.reset()
	calls := []struct {
		name string
		f    func() error
	}{
		{"StartRx", d.StartRx},
		{"StartTx", d.StartTx},
		{"WriteTx", func() error { return d.WriteTx([]byte{1, 2}, 0, 4) }},
		{"Configure", func() error { return d.Configure(DefaultConfig().Phy) }},
		{"SetRxTimeout", func() error { return d.SetRxTimeout(1) }},
		{"HandleInterrupt", d.HandleInterrupt},
		{"Sleep", d.Sleep},
	}
	for _, c := range calls {
		if err := c.f(); err != ErrSleeping {
			t.Errorf("%s while sleeping: %v", c.name, err)
		}
	}
	if _, err := d.ReadSystemTime(); err != ErrSleeping {
		t.Errorf("ReadSystemTime while sleeping: %v", err)
	}
	if len(bus.log) != 0 {
		t.Errorf("%d bus transactions while sleeping", len(bus.log))
	}

	if err := d.Wake(); err != nil {
		t.Fatal(err)
	}
	if len(bus.selects) != 2 || !bus.selects[0] || bus.selects[1] {
		t.Errorf("chip select sequence %v", bus.selects)
	}
	if len(delays) != 2 || delays[0] < 500*time.Microsecond {
		t.Errorf("wake delays %v", delays)
	}
	if d.State() != Idle || d.Status().Has(SleepEnabled) {
		t.Errorf("state %v status %v", d.State(), d.Status())
	}
	if err := d.StartRx(); err != nil {
		t.Errorf("StartRx after wake: %v", err)
	}
}

func TestAutoAckRequiresFrameFilter(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	if err := d.SetAutoAckDelay(5); err != ErrFrameFilterDisabled {
		t.Fatalf("SetAutoAckDelay = %v", err)
	}
	if err := d.SetFrameFilter(FFData | FFAck); err != nil {
		t.Fatal(err)
	}
	cfg := bus.get(SysCfgID, 0, 4)
	if cfg&SysCfgFFE == 0 || cfg&SysCfgFFAllEn != FFData|FFAck {
		t.Errorf("SYS_CFG %#x", cfg)
	}
	if err := d.SetAutoAckDelay(5); err != nil {
		t.Fatal(err)
	}
	if got := bus.get(AckRespTID, AckRespTAckTimOffset, 1); got != 5 {
		t.Errorf("ACK_TIM %d", got)
	}
	if got := bus.get(SysCfgID, 0, 4); got&SysCfgAutoAck == 0 {
		t.Errorf("SYS_CFG %#x", got)
	}
	if s := d.Status(); !s.Has(FrameFilter | AutoAckDelay) {
		t.Errorf("status %v", s)
	}
}

func TestRxPower(t *testing.T) {
	bus := newFakeBus()
	d, _ := testDevice(t, bus)
	if _, err := d.RxPower(); err != ErrNoDiagnostics {
		t.Fatalf("RxPower without diagnostics: %v", err)
	}
	bus.set(RxFinfoID, 0, 64<<RxFinfoRxPACCShift|20, 4)
	bus.set(RxFqualID, RxFqualCIRPwrOffset, 1000, 2)
	got, err := d.RxPower()
	if err != nil {
		t.Fatal(err)
	}
	if want := RxPowerDBm(1000, 64, 121.74); got != want || got > -60 || got < -100 {
		t.Errorf("RxPower = %v, want %v", got, want)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{0, "none"},
		{DoubleBuffer, "dblbuff"},
		{Wait4Resp | StartRxError, "wait4resp|start_rx_error"},
		{RxTimeoutError, "rx_timeout_error"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("%#x.String() = %q, want %q", uint32(tc.s), got, tc.want)
		}
	}
	if !(Wait4Resp | LongFrames).Has(LongFrames) || Status(0).Has(LongFrames) {
		t.Error("Has")
	}
}
