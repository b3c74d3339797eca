// Package rng 是基于DW1000的双向测距(TWR)协议
//
// 支持单边(SS)、双边(DS)、带测量记录的双边(DS EXT)测距以及时隙分配(provision)。
// 每一步都由中断分发驱动, 会话本身从不轮询。
package rng

import (
	"sync"

	dw1000 "github.com/IndoorPosSquad/dw1000-twr"
	"github.com/IndoorPosSquad/dw1000-twr/slots"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrBusy 表示已经有一次测距正在进行
	ErrBusy = errors.New("rng: exchange in flight")
	// ErrUnexpectedCode 表示收到的帧不是当前阶段期待的帧, 本次测距被中止
	ErrUnexpectedCode = errors.New("rng: unexpected frame code")
	// ErrTimeout 表示等待应答超时
	ErrTimeout = errors.New("rng: response timeout")
	// ErrRxFailed 表示等待应答时接收出错
	ErrRxFailed = errors.New("rng: receive error")
	// ErrInvalidMode 表示不能用该编码发起测距
	ErrInvalidMode = errors.New("rng: invalid request mode")
	// ErrFrameCount 表示 SetFrames 的帧数与缓冲深度不一致
	ErrFrameCount = errors.New("rng: frame count does not match pool depth")
	// ErrClosed 表示会话已经释放
	ErrClosed = errors.New("rng: session freed")
)

// Config 是测距的时间参数
type Config struct {
	// RxHoldoffDelay 是发送完成到打开接收机的时间, 约1us为单位
	RxHoldoffDelay uint32
	// TxGuardDelay 是相邻时隙的间隔, 单位为UWB微秒(1<<16个时钟节拍)
	TxGuardDelay uint32
	// TxHoldoffDelay 是收到帧到发出应答的时间, 单位为UWB微秒
	TxHoldoffDelay uint32
	// RxTimeoutPeriod 是等待应答的超时, 约1us为单位
	RxTimeoutPeriod uint16
	BiasCorrection  bool
}

// DefaultConfig 返回适用于6.8Mbps、前导码128的时间参数
func DefaultConfig() Config {
	return Config{
		RxHoldoffDelay:  0x0600,
		TxGuardDelay:    0x0400,
		TxHoldoffDelay:  0x0C00,
		RxTimeoutPeriod: 0x1000,
	}
}

// Status 是会话的错误标志
type Status uint8

const (
	MACError Status = 1 << iota
	InvalidCodeError
)

// Result 是一次测距的结果
type Result struct {
	Mode  Mode   `cbor:"1,keyasint"`
	Seq   uint8  `cbor:"2,keyasint"`
	Local uint16 `cbor:"3,keyasint"`
	Peer  uint16 `cbor:"4,keyasint"`
	// Time is the local 40-bit timestamp of the last frame received.
	Time    uint64  `cbor:"5,keyasint"`
	Tof     float64 `cbor:"6,keyasint"` // ticks
	Range   float64 `cbor:"7,keyasint"` // meters
	RxPower float64 `cbor:"8,keyasint,omitempty"`
	// Remote is the record carried by the peer's extended frame.
	Remote *Record `cbor:"9,keyasint,omitempty"`
	// Members lists the responders collected by a provisioning round.
	Members []uint16 `cbor:"10,keyasint,omitempty"`
}

// Option 是 New 的可选参数
type Option func(*Session)

// WithLogger 设置日志对象
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithCompleteCallback 设置测距完成回调, 调用时会话已经空闲
func WithCompleteCallback(f func(Result)) Option {
	return func(s *Session) { s.onComplete = f }
}

// WithErrorCallback 设置测距出错回调
func WithErrorCallback(f func(error)) Option {
	return func(s *Session) { s.onError = f }
}

// WithAutoListen 每次测距结束后重新打开接收机
func WithAutoListen() Option {
	return func(s *Session) { s.autoListen = true }
}

// WithSlot 设置本站在活动掩码中的位, 用于provision应答的时隙
func WithSlot(mask, bit uint32) Option {
	return func(s *Session) { s.slotMask, s.slotBit = mask, bit }
}

// WithBias 设置距离偏差修正函数, Config.BiasCorrection 打开时生效
func WithBias(f BiasFunc) Option {
	return func(s *Session) { s.bias = f }
}

// WithRecord 设置本站的测量记录来源, 填入扩展帧
func WithRecord(f func() Record) Option {
	return func(s *Session) { s.local = f }
}

// Session 是一个设备上的测距会话, 同一时间只有一次测距
type Session struct {
	mu  sync.Mutex
	dev *dw1000.Device
	cfg Config
	log *slog.Logger

	frames []Frame
	idx    int
	seq    uint8
	buf    [ExtendedLen]byte

	busy   bool
	mode   Mode // exchange in flight
	stage  Mode // last code sent or received
	expect Mode
	peer   uint16
	finish bool // the frame being sent ends the exchange
	status Status

	// 40-bit local timestamps of the exchange
	tRx, tTx       uint64
	round1, reply1 uint64
	reply2         uint64
	pending        Result
	members        []uint16

	slotMask, slotBit uint32
	onComplete        func(Result)
	onError           func(error)
	autoListen        bool
	bias              BiasFunc
	local             func() Record
	freed             bool
}

// New 创建测距会话并注册为设备的测距订阅者, nframes 是帧缓冲深度, 0表示2
func New(dev *dw1000.Device, cfg Config, nframes int, opts ...Option) *Session {
	if nframes <= 0 {
		nframes = 2
	}
	s := &Session{
		dev:    dev,
		cfg:    cfg,
		frames: make([]Frame, nframes),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = dev.Logger()
	}
	s.log = s.log.With(slog.String("svc", "rng"))
	dev.SetRangingSubscriber(s)
	return s
}

// Free 取消注册, 之后会话不能再使用
func (s *Session) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return
	}
	s.freed = true
	s.dev.SetRangingSubscriber(nil)
}

// Configure 更新时间参数, 测距进行中返回 ErrBusy
func (s *Session) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.cfg = cfg
	return nil
}

// Config 返回以 mode 发起或应答时使用的时间参数
//
// provision 的接收窗口至少要覆盖两个时隙间隔。
func (s *Session) Config(mode Mode) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configFor(mode)
}

func (s *Session) configFor(mode Mode) Config {
	c := s.cfg
	if mode == ProvisionStart || mode == ProvisionResp {
		floor := uint64(c.TxGuardDelay) * 2
		if floor > 0xFFFF {
			floor = 0xFFFF
		}
		if uint64(c.RxTimeoutPeriod) < floor {
			c.RxTimeoutPeriod = uint16(floor)
		}
	}
	return c
}

// SetFrames 替换帧缓冲的内容, 帧数必须等于缓冲深度
func (s *Session) SetFrames(frames []Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(frames) != len(s.frames) {
		return errors.Wrapf(ErrFrameCount, "%d != %d", len(frames), len(s.frames))
	}
	if s.busy {
		return ErrBusy
	}
	copy(s.frames, frames)
	return nil
}

// Busy 报告是否有测距正在进行
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Stage 返回最近一次发送或接收的帧编码, 测距结束后为对应的END编码
func (s *Session) Stage() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Status 返回错误标志
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Listen 打开接收机等待测距请求, 不设超时
func (s *Session) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return ErrClosed
	}
	return s.listen()
}

// Request 立即向 dst 发起一次测距
func (s *Session) Request(dst uint16, mode Mode) error {
	return s.request(dst, mode, 0, false)
}

// RequestDelayStart 在收发器时间 at 向 dst 发起一次测距
func (s *Session) RequestDelayStart(dst uint16, at uint64, mode Mode) error {
	return s.request(dst, mode, at, true)
}

func (s *Session) request(dst uint16, mode Mode, at uint64, delayed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return ErrClosed
	}
	if s.busy {
		return ErrBusy
	}
	var expect Mode
	switch mode {
	case SSTWR:
		expect = SSTWRT1
	case DSTWR:
		expect = DSTWRT1
	case DSTWRExt:
		expect = DSTWRExtT1
	case ProvisionStart:
		expect = ProvisionResp
	default:
		return errors.Wrapf(ErrInvalidMode, "%v", mode)
	}
	s.seq++
	f := s.nextFrame()
	*f = Frame{
		FrameControl: FrameControl,
		Seq:          s.seq,
		PANID:        s.dev.PANID(),
		Dst:          dst,
		Src:          s.dev.ShortAddress(),
		Code:         mode,
	}
	s.begin(mode, dst)
	s.expect = expect
	if err := s.transmit(f, true, at, delayed); err != nil {
		s.reset()
		return err
	}
	s.log.Debug("request", slog.String("mode", mode.String()), slog.Any("dst", dst), slog.Any("seq", s.seq))
	return nil
}

func (s *Session) nextFrame() *Frame {
	s.idx = (s.idx + 1) % len(s.frames)
	return &s.frames[s.idx]
}

func (s *Session) begin(mode Mode, peer uint16) {
	s.busy = true
	s.mode = mode
	s.peer = peer
	s.finish = false
	s.status = 0
	s.members = nil
	s.pending = Result{}
}

func (s *Session) reset() {
	s.busy = false
	s.expect = Invalid
	s.finish = false
}

// transmit 写入并发送帧 f, w4r 表示发送完成后等待应答
func (s *Session) transmit(f *Frame, w4r bool, at uint64, delayed bool) error {
	n, err := f.Encode(s.buf[:])
	if err != nil {
		return err
	}
	flen := uint16(n + 2)
	if err := s.dev.WriteTx(s.buf[:n], 0, flen); err != nil {
		return err
	}
	if err := s.dev.SetTxFrameControl(flen, 0, true); err != nil {
		return err
	}
	if w4r {
		c := s.configFor(s.mode)
		err = s.dev.SetWaitForResponse(true, c.RxHoldoffDelay, c.RxTimeoutPeriod)
	} else {
		err = s.dev.SetWaitForResponse(false, 0, 0)
	}
	if err != nil {
		return err
	}
	s.stage = f.Code
	if delayed {
		return s.dev.StartTxDelayed(at)
	}
	return s.dev.StartTx()
}

// replyAt 返回收到时间为 rx 的帧的应答发送时间, 以及应答的发送时间戳
func (s *Session) replyAt(rx uint64, extra uint64) (sched, stamp uint64) {
	sched = (rx + (uint64(s.cfg.TxHoldoffDelay)+extra)<<16) & mask40
	sched &^= 0x1FF
	stamp = (sched + uint64(s.dev.TxAntennaDelay())) & mask40
	return sched, stamp
}

func (s *Session) listen() error {
	if err := s.dev.SetRxTimeout(0); err != nil {
		return err
	}
	return s.dev.StartRx()
}

func (s *Session) relisten() {
	var err error
	switch {
	case s.busy:
		err = s.dev.StartRx()
	case s.autoListen:
		err = s.listen()
	}
	if err != nil {
		s.log.Error("receiver not enabled", slog.Any("err", err))
	}
}

// Rearm 实现 dw1000.Rearmer: 收到不属于测距的帧之后, 测距中或自动监听时继续接收
func (s *Session) Rearm(d *dw1000.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return
	}
	s.relisten()
}

// HandleEvent 实现 dw1000.Subscriber
func (s *Session) HandleEvent(d *dw1000.Device, ev dw1000.Event) bool {
	var (
		handled bool
		notify  func()
	)
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return false
	}
	switch ev.Kind {
	case dw1000.RxComplete:
		handled, notify = s.rxComplete(ev)
	case dw1000.TxComplete:
		handled, notify = s.txComplete()
	case dw1000.RxTimeout:
		handled, notify = s.rxFault(ErrTimeout)
	case dw1000.RxFailed:
		handled, notify = s.rxFault(ErrRxFailed)
	}
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return handled
}

func (s *Session) rxComplete(ev dw1000.Event) (bool, func()) {
	n := int(ev.FrameLen) - 2
	if n < RequestLen || n > ExtendedLen {
		return false, nil
	}
	if err := s.dev.ReadRx(s.buf[:n], 0); err != nil {
		return true, s.fail(err)
	}
	var f Frame
	if err := f.Decode(s.buf[:n]); err != nil || f.FrameControl != FrameControl {
		return false, nil
	}
	self := s.dev.ShortAddress()
	if f.Src == self || (f.Dst != self && f.Dst != Broadcast) {
		s.relisten()
		return true, nil
	}
	rx, err := s.dev.ReadRxTimestamp()
	if err != nil {
		return true, s.fail(err)
	}
	if !s.busy {
		return true, s.respond(&f, rx)
	}
	if f.Code != s.expect || (s.peer != Broadcast && f.Src != s.peer) {
		s.status |= InvalidCodeError
		err := errors.Wrapf(ErrUnexpectedCode, "%v from %#04x while waiting for %v from %#04x",
			f.Code, f.Src, s.expect, s.peer)
		return true, s.fail(err)
	}
	s.stage = f.Code
	return true, s.advance(&f, rx)
}

// respond 处理空闲时收到的请求
func (s *Session) respond(f *Frame, rx uint64) func() {
	var (
		reply Mode
		w4r   = true
		extra uint64
	)
	switch f.Code {
	case SSTWR:
		reply = SSTWRT1
		s.begin(SSTWR, f.Src)
		s.expect = SSTWRFinal
	case DSTWR:
		reply = DSTWRT1
		s.begin(DSTWR, f.Src)
		s.expect = DSTWRT2
	case DSTWRExt:
		reply = DSTWRExtT1
		s.begin(DSTWRExt, f.Src)
		s.expect = DSTWRExtT2
	case ProvisionStart:
		slot := 0
		if s.slotBit != 0 {
			var err error
			if slot, err = slots.Ordinal(s.slotMask, s.slotBit, slots.SlotPosition); err != nil {
				s.log.Error("no provision slot", slog.Any("err", err))
				s.relisten()
				return nil
			}
		}
		reply = ProvisionResp
		w4r = false
		extra = uint64(slot) * uint64(s.cfg.TxGuardDelay)
		s.begin(ProvisionResp, f.Src)
		s.finish = true
		s.pending = Result{Mode: ProvisionResp, Seq: f.Seq, Local: s.dev.ShortAddress(), Peer: f.Src, Time: rx}
	default:
		s.log.Debug("ignoring frame", slog.String("code", f.Code.String()), slog.Any("src", f.Src))
		s.relisten()
		return nil
	}
	s.stage = f.Code
	sched, stamp := s.replyAt(rx, extra)
	s.tRx, s.tTx = rx, stamp
	out := s.nextFrame()
	*out = Frame{
		FrameControl: FrameControl,
		Seq:          f.Seq,
		PANID:        f.PANID,
		Dst:          f.Src,
		Src:          s.dev.ShortAddress(),
		Code:         reply,
		Reception:    uint32(rx),
		Transmission: uint32(stamp),
	}
	if err := s.transmit(out, w4r, sched, true); err != nil {
		return s.fail(err)
	}
	return nil
}

// advance 处理测距进行中收到的期待的帧
func (s *Session) advance(f *Frame, rx uint64) func() {
	switch f.Code {
	case SSTWRT1:
		t1, err := s.dev.ReadTxTimestamp()
		if err != nil {
			return s.fail(err)
		}
		tof := TofSS(Sub40(rx, t1), Sub32(f.Transmission, f.Reception))
		s.pending = s.result(f, tof, rx)
		sched, _ := s.replyAt(rx, 0)
		out := s.reply(f, SSTWRFinal)
		out.Request, out.Response = uint32(t1), uint32(rx)
		out.Reception, out.Transmission = f.Reception, f.Transmission
		s.finish = true
		if err := s.transmit(out, false, sched, true); err != nil {
			return s.fail(err)
		}
		return nil

	case SSTWRFinal:
		tof := TofSS(Sub32(f.Response, f.Request), Sub32(f.Transmission, f.Reception))
		return s.end(SSTWREnd, s.result(f, tof, rx))

	case DSTWRT1, DSTWRExtT1:
		t1, err := s.dev.ReadTxTimestamp()
		if err != nil {
			return s.fail(err)
		}
		sched, t5 := s.replyAt(rx, 0)
		s.round1 = Sub40(rx, t1)
		s.reply1 = Sub32(f.Transmission, f.Reception)
		s.reply2 = Sub40(t5, rx)
		code, next := DSTWRT2, DSTWRFinal
		if f.Code == DSTWRExtT1 {
			code, next = DSTWRExtT2, DSTWRExtFinal
		}
		out := s.reply(f, code)
		out.Request, out.Response = uint32(t1), uint32(rx)
		out.Reception, out.Transmission = uint32(rx), uint32(t5)
		if code == DSTWRExtT2 && s.local != nil {
			out.SetRecord(s.local())
		}
		s.expect = next
		if err := s.transmit(out, true, sched, true); err != nil {
			return s.fail(err)
		}
		return nil

	case DSTWRT2, DSTWRExtT2:
		t2, t3 := s.tRx, s.tTx
		tof := TofDS(Sub32(f.Response, f.Request), Sub40(t3, t2), Sub40(rx, t3), Sub32(f.Transmission, f.Reception))
		res := s.result(f, tof, rx)
		sched, _ := s.replyAt(rx, 0)
		code := DSTWRFinal
		if f.Code == DSTWRExtT2 {
			code = DSTWRExtFinal
			r := f.Record()
			res.Remote = &r
		}
		out := s.reply(f, code)
		out.Request, out.Response = uint32(t3), uint32(rx)
		out.Reception, out.Transmission = uint32(t2), uint32(t3)
		if code == DSTWRExtFinal {
			out.SetRecord(s.measurement(res))
		}
		s.pending = res
		s.finish = true
		if err := s.transmit(out, false, sched, true); err != nil {
			return s.fail(err)
		}
		return nil

	case DSTWRFinal, DSTWRExtFinal:
		round2 := Sub32(f.Response, f.Request)
		reply1 := Sub32(f.Transmission, f.Reception)
		res := s.result(f, TofDS(s.round1, reply1, round2, s.reply2), rx)
		end := DSTWREnd
		if f.Code == DSTWRExtFinal {
			end = DSTWRExtEnd
			r := f.Record()
			res.Remote = &r
		}
		return s.end(end, res)

	case ProvisionResp:
		s.members = append(s.members, f.Src)
		if err := s.dev.StartRx(); err != nil {
			return s.fail(err)
		}
		return nil
	}
	return s.fail(errors.Wrapf(ErrUnexpectedCode, "%v", f.Code))
}

func (s *Session) reply(f *Frame, code Mode) *Frame {
	out := s.nextFrame()
	*out = Frame{
		FrameControl: FrameControl,
		Seq:          f.Seq,
		PANID:        f.PANID,
		Dst:          f.Src,
		Src:          f.Dst,
		Code:         code,
	}
	return out
}

func (s *Session) result(f *Frame, tof float64, rx uint64) Result {
	r := Result{
		Mode:  s.mode,
		Seq:   f.Seq,
		Local: s.dev.ShortAddress(),
		Peer:  s.peer,
		Time:  rx,
		Tof:   tof,
		Range: TicksToMeters(tof),
	}
	if s.cfg.BiasCorrection && s.bias != nil {
		p, err := s.dev.RxPower()
		if err != nil {
			s.log.Warn("no rx power for bias correction", slog.Any("err", err))
			return r
		}
		r.RxPower = p
		r.Range -= s.bias(p)
	}
	return r
}

// measurement 是响应方放进扩展结束帧的记录
func (s *Session) measurement(res Result) Record {
	var r Record
	if s.local != nil {
		r = s.local()
	}
	r.UTime = res.Time
	r.Spherical = [3]float32{float32(res.Range), 0, 0}
	r.SphericalVariance = [3]float32{}
	return r
}

func (s *Session) txComplete() (bool, func()) {
	if !s.busy {
		return false, nil
	}
	if !s.finish {
		return true, nil
	}
	end := map[Mode]Mode{
		SSTWR:         SSTWREnd,
		DSTWR:         DSTWREnd,
		DSTWRExt:      DSTWRExtEnd,
		ProvisionResp: ProvisionResp,
	}[s.mode]
	return true, s.end(end, s.pending)
}

func (s *Session) rxFault(cause error) (bool, func()) {
	if !s.busy {
		if s.autoListen {
			s.relisten()
			return true, nil
		}
		return false, nil
	}
	if s.mode == ProvisionStart {
		if cause == ErrTimeout {
			res := Result{
				Mode:    ProvisionStart,
				Seq:     s.seq,
				Local:   s.dev.ShortAddress(),
				Peer:    s.peer,
				Members: s.members,
			}
			return true, s.end(ProvisionResp, res)
		}
		// a collision between two slots, keep collecting
		s.log.Warn("provision response lost")
		if err := s.dev.StartRx(); err != nil {
			return true, s.fail(err)
		}
		return true, nil
	}
	s.status |= MACError
	return true, s.fail(errors.Wrapf(cause, "%v waiting for %v", s.mode, s.expect))
}

// end 结束本次测距, 返回调用完成回调的函数
func (s *Session) end(stage Mode, res Result) func() {
	s.stage = stage
	s.reset()
	if s.autoListen {
		if err := s.listen(); err != nil {
			s.log.Error("receiver not enabled", slog.Any("err", err))
		}
	}
	s.log.Debug("complete", slog.String("mode", res.Mode.String()), slog.Any("peer", res.Peer),
		slog.Float64("range", res.Range))
	cb := s.onComplete
	return func() {
		if cb != nil {
			cb(res)
		}
	}
}

// fail 中止本次测距, 返回调用错误回调的函数
func (s *Session) fail(err error) func() {
	if ferr := s.dev.ForceTRxOff(); ferr != nil {
		s.log.Error("force trx off", slog.Any("err", ferr))
	}
	s.reset()
	if s.autoListen {
		if lerr := s.listen(); lerr != nil {
			s.log.Error("receiver not enabled", slog.Any("err", lerr))
		}
	}
	s.log.Warn("exchange aborted", slog.Any("err", err))
	cb := s.onError
	return func() {
		if cb != nil {
			cb(err)
		}
	}
}
