// Package sim 模拟若干个共享同一空间的DW1000
//
// 每个 Radio 在寄存器层面实现 dw1000.Bus, 发送的帧按距离换算成飞行时间
// 送到其它正在接收的 Radio。时间是虚拟的, 由 Air.Run 逐个事件推进,
// 中断处理函数在 Run 所在的协程里同步调用。
package sim

import (
	"container/heap"
	"encoding/binary"
	"math"
	"sync"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/rng"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrAsleep 表示访问了休眠中的 Radio
	ErrAsleep = errors.New("sim: radio asleep")
	// ErrEventLimit 表示 Run 处理的事件数达到了上限
	ErrEventLimit = errors.New("sim: event limit reached")
)

const (
	mask40 = 1<<40 - 1
	half40 = 1 << 39
	// one W4R_TIM / RX_FWTO unit
	usTicks = 1 << 16

	// TxPowerDBm 是发射功率
	TxPowerDBm = -10.0
	// Ch5Hz 是信道5的中心频率
	Ch5Hz = 6489.6e6
	// preamble symbols accumulated, reported in RX_FINFO
	rxPACC = 64
)

// Air 是模拟的无线空间
type Air struct {
	mu     sync.Mutex
	now    uint64
	seq    uint64
	q      queue
	radios []*Radio
	log    *slog.Logger
}

// NewAir 创建一个空的空间, 虚拟时间从0开始
func NewAir(log *slog.Logger) *Air {
	if log == nil {
		log = slog.Default()
	}
	return &Air{log: log.With(slog.String("svc", "sim"))}
}

// Now 返回全局虚拟时间, 单位为时钟节拍
func (a *Air) Now() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now
}

// NewRadio 在 pos(米)处放置一个收发器, 本地时钟比全局时钟快 offset 个节拍
func (a *Air) NewRadio(name string, pos [3]float64, offset uint64) *Radio {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := &Radio{
		air:    a,
		name:   name,
		pos:    pos,
		offset: offset,
		regs:   make(map[dw1000.RegID][]byte),
	}
	r.put(dw1000.DevIDID, 0, dw1000.DevID, 4)
	r.put(dw1000.SysCfgID, 0, dw1000.SysCfgDisDRXB, 4)
	a.radios = append(a.radios, r)
	return r
}

func (a *Air) push(ev *event) {
	a.seq++
	ev.seq = a.seq
	heap.Push(&a.q, ev)
}

// Run 按时间顺序处理事件, 直到没有事件或处理了 limit 个事件
func (a *Air) Run(limit int) error {
	return a.RunUntil(nil, limit)
}

// RunUntil 与 Run 相同, 但每个事件之后 done 返回 true 时提前结束
func (a *Air) RunUntil(done func() bool, limit int) error {
	for i := 0; i < limit; i++ {
		a.mu.Lock()
		if a.q.Len() == 0 {
			a.mu.Unlock()
			return nil
		}
		ev := heap.Pop(&a.q).(*event)
		a.now = ev.at
		fire := ev.r.apply(ev)
		a.mu.Unlock()

		if fire && ev.r.handler != nil {
			if err := ev.r.handler(); err != nil {
				return errors.Wrapf(err, "sim: %s interrupt", ev.r.name)
			}
		}
		if done != nil && done() {
			return nil
		}
	}
	return ErrEventLimit
}

// Radio 是一个模拟的DW1000
type Radio struct {
	air     *Air
	name    string
	pos     [3]float64
	offset  uint64
	regs    map[dw1000.RegID][]byte
	handler func() error

	asleep   bool
	selected bool

	txGen, rxGen uint64
	txPending    bool
	w4rArmed     bool
	rxOn         bool
	rxFrom       uint64

	sent, received int
}

// Attach 设置中断处理函数, 一般是 (*dw1000.Device).HandleInterrupt
func (r *Radio) Attach(h func() error) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	r.handler = h
}

// Name 返回名字
func (r *Radio) Name() string { return r.name }

// Local 返回本地40位时钟
func (r *Radio) Local() uint64 {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	return r.local()
}

// Asleep 报告是否在休眠
func (r *Radio) Asleep() bool {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	return r.asleep
}

// Counts 返回发送和接收到的帧数
func (r *Radio) Counts() (sent, received int) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	return r.sent, r.received
}

// Distance 返回两个 Radio 之间的距离, 单位米
func Distance(a, b *Radio) float64 {
	var s float64
	for i := range a.pos {
		d := a.pos[i] - b.pos[i]
		s += d * d
	}
	return math.Sqrt(s)
}

func (r *Radio) local() uint64 {
	return (r.air.now + r.offset) & mask40
}

// global 把未来的本地时间换算成全局时间
func (r *Radio) global(t uint64) uint64 {
	return r.air.now + ((t - r.local()) & mask40)
}

func (r *Radio) reg(id dw1000.RegID, end int) []byte {
	b := r.regs[id]
	if len(b) < end {
		n := make([]byte, end)
		copy(n, b)
		b = n
		r.regs[id] = b
	}
	return b
}

func (r *Radio) get(id dw1000.RegID, sub, n int) uint64 {
	var tmp [8]byte
	copy(tmp[:n], r.reg(id, sub+n)[sub:])
	return binary.LittleEndian.Uint64(tmp[:])
}

func (r *Radio) put(id dw1000.RegID, sub int, v uint64, n int) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(r.reg(id, sub+n)[sub:], tmp[:n])
}

func (r *Radio) setStatus(bits uint64) {
	r.put(dw1000.SysStatusID, 0, r.get(dw1000.SysStatusID, 0, 5)|bits, 5)
}

func (r *Radio) clearStatus(bits uint64) {
	r.put(dw1000.SysStatusID, 0, r.get(dw1000.SysStatusID, 0, 5)&^bits, 5)
}

func (r *Radio) pending() bool {
	return r.get(dw1000.SysStatusID, 0, 4)&r.get(dw1000.SysMaskID, 0, 4) != 0
}

// Tx 实现 dw1000.Bus
func (r *Radio) Tx(w, rd []byte) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if r.asleep {
		return ErrAsleep
	}
	if len(w) == 0 {
		return errors.New("sim: empty transaction")
	}
	h := w[0]
	id := dw1000.RegID(h & 0x3F)
	sub, n := 0, 1
	if h&0x40 != 0 {
		if len(w) < 2 {
			return errors.New("sim: truncated header")
		}
		sub = int(w[1] & 0x7F)
		n = 2
		if w[1]&0x80 != 0 {
			if len(w) < 3 {
				return errors.New("sim: truncated header")
			}
			sub |= int(w[2]) << 7
			n = 3
		}
	}
	if h&0x80 != 0 {
		r.write(id, sub, w[n:])
		return nil
	}
	if id == dw1000.SysTimeID {
		r.put(id, 0, r.local(), dw1000.TimestampLen)
	}
	copy(rd, r.reg(id, sub+len(rd))[sub:])
	return nil
}

// Select 实现 dw1000.Bus, 拉低片选可以唤醒休眠的芯片
func (r *Radio) Select(active bool) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if active && r.asleep {
		r.asleep = false
		r.air.log.Debug("wake", slog.String("radio", r.name))
	}
	r.selected = active
	return nil
}

func (r *Radio) write(id dw1000.RegID, sub int, data []byte) {
	switch id {
	case dw1000.SysStatusID:
		b := r.reg(id, sub+len(data))
		for i, v := range data {
			b[sub+i] &^= v
		}
		return
	case dw1000.SysCtrlID:
		copy(r.reg(id, sub+len(data))[sub:], data)
		v := r.get(id, 0, 4)
		r.put(id, 0, 0, 4)
		r.control(v)
		return
	}
	copy(r.reg(id, sub+len(data))[sub:], data)
	if id == dw1000.AONID && sub == dw1000.AONCtrlOffset && data[0]&dw1000.AONCtrlSave != 0 &&
		r.get(id, dw1000.AONCfg0Offset, 1)&dw1000.AONCfg0Sleep != 0 {
		r.off()
		r.asleep = true
		r.air.log.Debug("sleep", slog.String("radio", r.name))
	}
}

func (r *Radio) control(v uint64) {
	if v&dw1000.SysCtrlTrxOff != 0 {
		r.off()
	}
	if v&dw1000.SysCtrlWait4Resp != 0 && v&dw1000.SysCtrlTxStrt == 0 {
		r.w4rArmed = true
	}
	// TXSTRT together with TRXOFF only resets the transmitter, nothing is sent
	if v&dw1000.SysCtrlTxStrt != 0 && v&dw1000.SysCtrlTrxOff == 0 {
		r.startTx(v&dw1000.SysCtrlTxDlys != 0, v&dw1000.SysCtrlWait4Resp != 0 || r.w4rArmed)
	}
	if v&dw1000.SysCtrlRxEnab != 0 {
		r.startRx(v&dw1000.SysCtrlRxDlye != 0)
	}
	if v&(1<<(8*dw1000.SysCtrlHRBTOffset)) != 0 {
		st := r.get(dw1000.SysStatusID, 0, 5)
		r.put(dw1000.SysStatusID, 0, st^dw1000.SysStatusHSRBP, 5)
	}
}

func (r *Radio) off() {
	r.txGen++
	r.rxGen++
	r.txPending = false
	r.rxOn = false
	r.w4rArmed = false
	r.clearStatus(dw1000.SysStatusHPDWarn)
}

// late 报告本地时间 t 是否已经错过
func (r *Radio) late(t uint64) bool {
	d := (t - r.local()) & mask40
	return d == 0 || d >= half40
}

func (r *Radio) startTx(delayed, w4r bool) {
	r.off()
	start := r.local()
	if delayed {
		start = r.get(dw1000.DxTimeID, 0, dw1000.DxTimeLen) &^ 0x1FF
		if r.late(start) {
			r.setStatus(dw1000.SysStatusHPDWarn)
			return
		}
	}
	stamp := (start + r.get(dw1000.TxAntdID, 0, 2)) & mask40
	r.put(dw1000.TxTimeID, 0, stamp, dw1000.TimestampLen)

	fctrl := r.get(dw1000.TxFctrlID, 0, 4)
	flen := int(fctrl & dw1000.TxFctrlFleMask)
	boff := int(fctrl>>dw1000.TxFctrlBoffShift) & 0x3FF
	frame := make([]byte, 0, flen)
	if flen >= 2 {
		frame = append(frame, r.reg(dw1000.TxBufferID, boff+flen-2)[boff:boff+flen-2]...)
	}
	r.txPending = true
	r.air.push(&event{
		at:      r.global(stamp),
		kind:    evTx,
		r:       r,
		gen:     r.txGen,
		frame:   frame,
		ranging: fctrl&dw1000.TxFctrlTR != 0,
		w4r:     w4r,
	})
}

func (r *Radio) startRx(delayed bool) {
	r.rxGen++
	r.clearStatus(dw1000.SysStatusHPDWarn)
	from := r.air.now
	if delayed {
		t := r.get(dw1000.DxTimeID, 0, dw1000.DxTimeLen) &^ 0x1FF
		if r.late(t) {
			r.rxOn = false
			r.setStatus(dw1000.SysStatusHPDWarn)
			return
		}
		from = r.global(t)
	}
	r.enableRx(from)
}

func (r *Radio) enableRx(from uint64) {
	r.rxOn = true
	r.rxFrom = from
	if r.get(dw1000.SysCfgID, 0, 4)&dw1000.SysCfgRXWTOE == 0 {
		return
	}
	to := r.get(dw1000.RxFwtoID, 0, 2)
	if to == 0 {
		return
	}
	r.air.push(&event{at: from + to*usTicks, kind: evTimeout, r: r, gen: r.rxGen})
}

// apply 在持有 Air 锁的情况下处理事件, 返回是否产生中断
func (r *Radio) apply(ev *event) bool {
	switch ev.kind {
	case evTx:
		if ev.gen != r.txGen || !r.txPending {
			return false
		}
		r.txPending = false
		r.sent++
		r.setStatus(dw1000.SysStatusTxFRB | dw1000.SysStatusTxPRS | dw1000.SysStatusTxPHS | dw1000.SysStatusTxFRS)
		for _, o := range r.air.radios {
			if o == r {
				continue
			}
			d := Distance(r, o)
			r.air.push(&event{
				at:      r.air.now + uint64(math.Round(rng.MetersToTicks(d))),
				kind:    evRx,
				r:       o,
				frame:   ev.frame,
				ranging: ev.ranging,
				power:   TxPowerDBm - rng.PathLoss(math.Max(d, 0.1), Ch5Hz),
			})
		}
		if ev.w4r {
			r.w4rArmed = false
			r.rxGen++
			r.enableRx(r.air.now + r.get(dw1000.AckRespTID, 0, 3)&dw1000.AckRespTW4RTimMask*usTicks)
		}
		return r.pending()

	case evRx:
		if r.asleep || r.txPending || !r.rxOn || r.rxFrom > r.air.now {
			return false
		}
		r.rxOn = false
		r.rxGen++
		r.received++
		copy(r.reg(dw1000.RxBufferID, len(ev.frame)), ev.frame)
		finfo := uint64(len(ev.frame)+2)&dw1000.RxFinfoFlenMask1023 | uint64(rxPACC)<<dw1000.RxFinfoRxPACCShift
		if ev.ranging {
			finfo |= dw1000.RxFinfoRNG
		}
		r.put(dw1000.RxFinfoID, 0, finfo, 4)
		r.put(dw1000.RxTimeID, 0, r.local(), dw1000.TimestampLen)
		r.put(dw1000.RxFqualID, dw1000.RxFqualCIRPwrOffset, cirPower(ev.power), 2)
		r.setStatus(dw1000.SysStatusAllRxGood)
		if r.get(dw1000.SysCfgID, 0, 4)&dw1000.SysCfgDisDRXB == 0 {
			st := r.get(dw1000.SysStatusID, 0, 5)
			r.put(dw1000.SysStatusID, 0, st^dw1000.SysStatusICRBP, 5)
		}
		return r.pending()

	case evTimeout:
		if ev.gen != r.rxGen || !r.rxOn {
			return false
		}
		r.rxOn = false
		r.setStatus(dw1000.SysStatusRxRFTO)
		return r.pending()
	}
	return false
}

// cirPower 是使接收功率估计等于 p 的CIR_PWR值(PRF 64MHz)
func cirPower(p float64) uint64 {
	c := math.Pow(10, (p+121.74)/10) * rxPACC * rxPACC / (1 << 17)
	switch {
	case c < 1:
		return 1
	case c > 0xFFFF:
		return 0xFFFF
	}
	return uint64(math.Round(c))
}
