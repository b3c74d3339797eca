package dw1000

import (
	"context"
	"fmt"

	"golang.org/x/exp/slog"
)

// EventKind 是分发给订阅者的事件类别
type EventKind uint8

const (
	RxComplete EventKind = iota
	TxComplete
	RxTimeout
	RxFailed
)

func (k EventKind) String() string {
	switch k {
	case RxComplete:
		return "rx_complete"
	case TxComplete:
		return "tx_complete"
	case RxTimeout:
		return "rx_timeout"
	case RxFailed:
		return "rx_error"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event 描述一次中断中的一个事件
type Event struct {
	Kind EventKind
	// Status is the SYS_STATUS snapshot taken at the start of the dispatch.
	Status uint64
	// FrameLen and FrameControl are only set for RxComplete.
	FrameLen     uint16
	FrameControl uint16
	// Ranging reports the RNG bit of a received frame or the TR bit of a
	// transmitted one.
	Ranging bool
}

// Subscriber 接收中断事件, 返回 false 表示不处理该事件, 交给下一个订阅者
//
// HandleEvent is called without the device lock held, so it may call any
// Device method.
type Subscriber interface {
	HandleEvent(d *Device, ev Event) bool
}

// Rearmer 可以由测距订阅者实现: 接收类事件没有任何订阅者处理时调用 Rearm,
// 由它决定是否重新打开接收机
type Rearmer interface {
	Rearm(d *Device)
}

// Callback 是通用回调
type Callback func(d *Device, ev Event)

// Callbacks 是通用订阅者, 未设置的回调对应的事件不被处理
type Callbacks struct {
	TxComplete Callback
	RxComplete Callback
	RxTimeout  Callback
	RxError    Callback
}

// HandleEvent 实现 Subscriber
func (c *Callbacks) HandleEvent(d *Device, ev Event) bool {
	var cb Callback
	switch ev.Kind {
	case TxComplete:
		cb = c.TxComplete
	case RxComplete:
		cb = c.RxComplete
	case RxTimeout:
		cb = c.RxTimeout
	case RxFailed:
		cb = c.RxError
	}
	if cb == nil {
		return false
	}
	cb(d, ev)
	return true
}

// SetCallbacks 注册通用回调, 传 nil 表示不处理对应事件
func (d *Device) SetCallbacks(txComplete, rxComplete, rxTimeout, rxError Callback) {
	d.Lock()
	defer d.Unlock()
	d.generic = &Callbacks{
		TxComplete: txComplete,
		RxComplete: rxComplete,
		RxTimeout:  rxTimeout,
		RxError:    rxError,
	}
}

// SetRangingSubscriber 注册测距订阅者, 它优先于通用回调; 传 nil 取消注册
func (d *Device) SetRangingSubscriber(s Subscriber) {
	d.Lock()
	defer d.Unlock()
	d.ranging = s
}

// HandleInterrupt 处理一次中断, 调用者保证不会并发调用
//
// 状态寄存器只读一次, 接收成功、发送完成、接收超时、接收错误四类条件
// 各自独立地清除并分发, 同一次中断可能触发多个事件
func (d *Device) HandleInterrupt() error {
	d.Lock()
	if err := d.awake(); err != nil {
		d.Unlock()
		return err
	}
	st, err := d.readReg(SysStatusID, 0, SysStatusLen)
	if err == nil {
		d.sysStatus = st
	}
	d.Unlock()
	if err != nil {
		return err
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if st&SysStatusRxFCG != 0 {
		var err error
		st, err = d.handleRxGood(st)
		keep(err)
	}
	if st&SysStatusTxFRS != 0 {
		keep(d.handleTxDone(st))
	}
	if st&SysStatusAllRxTO != 0 {
		keep(d.handleRxFault(st, RxTimeout, SysStatusAllRxTO))
	}
	if st&SysStatusAllRxErr != 0 {
		keep(d.handleRxFault(st, RxFailed, SysStatusAllRxErr))
	}
	return first
}

func (d *Device) handleRxGood(st uint64) (uint64, error) {
	d.Lock()
	ev, err := d.readRxGood(st)
	dbl := d.status.Has(DoubleBuffer)
	d.Unlock()
	if err != nil {
		return st, err
	}
	d.deliver(ev, ev.Ranging)
	if !dbl {
		return ev.Status, nil
	}
	// the handler has read the buffer it was given, hand it back
	d.Lock()
	defer d.Unlock()
	return ev.Status, d.writeRegNoBlock(SysCtrlID, SysCtrlHRBTOffset, 1, 1)
}

func (d *Device) readRxGood(st uint64) (Event, error) {
	if err := d.writeRegNoBlock(SysStatusID, 0, SysStatusAllRxGood, 4); err != nil {
		return Event{}, err
	}
	finfo, err := d.readReg(RxFinfoID, 0, 4)
	if err != nil {
		return Event{}, err
	}
	fctrl, err := d.readReg(RxBufferID, 0, MACFrameCtrlLen)
	if err != nil {
		return Event{}, err
	}
	// the length field is 7 bits with the standard PHR and 10 with the
	// extended one; the upper bits are undefined in standard mode
	mask := uint64(RxFinfoFlenMask1023)
	if !d.status.Has(LongFrames) {
		mask = TxFctrlFlenMask
	}
	d.frameLen = uint16(finfo & mask)
	d.fctrl = uint16(fctrl)
	ranging := finfo&RxFinfoRNG != 0
	d.status.set(RxRanging, ranging)

	// Erratum: AAT can be left over from an earlier frame, it only means
	// something when the frame just received is an ACK.
	if st&SysStatusAAT != 0 && d.fctrl&MACFrameTypeMask != MACFrameTypeAck {
		if err := d.writeRegNoBlock(SysStatusID, 0, SysStatusAAT, 1); err != nil {
			return Event{}, err
		}
		st &^= SysStatusAAT
		d.sysStatus = st
	}
	d.mode = Idle
	return Event{
		Kind:         RxComplete,
		Status:       st,
		FrameLen:     d.frameLen,
		FrameControl: d.fctrl,
		Ranging:      ranging,
	}, nil
}

func (d *Device) handleTxDone(st uint64) error {
	d.Lock()
	err := d.writeRegNoBlock(SysStatusID, 0, SysStatusAllTx, 1)
	ranging := d.status.Has(TxRanging)
	w4r := d.status.Has(Wait4Resp)
	if err == nil {
		switch {
		case st&SysStatusAAT != 0 && w4r:
			// Erratum: after an automatic ACK the receiver is re-enabled
			// by the chip even though no response is expected.
			if err = d.forceTRxOff(); err == nil {
				err = d.rxReset()
			}
		case w4r:
			d.mode = RxActive
		default:
			d.mode = Idle
		}
	}
	d.Unlock()
	if err != nil {
		return err
	}
	d.deliver(Event{Kind: TxComplete, Status: st, Ranging: ranging}, ranging)
	return nil
}

func (d *Device) handleRxFault(st uint64, kind EventKind, bits uint64) error {
	d.Lock()
	err := d.writeRegNoBlock(SysStatusID, 0, bits, 4)
	if err == nil {
		err = d.forceTRxOff()
	}
	if err == nil {
		err = d.rxReset()
	}
	if kind == RxTimeout {
		d.status.set(RxTimeoutError, true)
	} else {
		d.status.set(RxError, true)
	}
	d.Unlock()
	if err != nil {
		return err
	}
	d.deliver(Event{Kind: kind, Status: st}, true)
	return nil
}

// deliver 按优先级把事件交给订阅者链
func (d *Device) deliver(ev Event, ranging bool) {
	d.Lock()
	r, g := d.ranging, d.generic
	d.Unlock()
	if ranging && r != nil && r.HandleEvent(d, ev) {
		return
	}
	if g != nil && g.HandleEvent(d, ev) {
		return
	}
	d.log.Debug("event suppressed", slog.String("event", ev.Kind.String()),
		slog.Any("status", ev.Status))
	if ev.Kind == TxComplete {
		return
	}
	if ra, ok := r.(Rearmer); ok {
		ra.Rearm(d)
	}
}

// Serve 在调用者的协程里串行处理中断, 直到 ctx 结束或中断通道关闭
func (d *Device) Serve(ctx context.Context, irq IRQ) error {
	ch := irq.Interrupts()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			if err := d.HandleInterrupt(); err != nil {
				d.log.Error("interrupt dispatch failed", slog.Any("err", err))
			}
		}
	}
}
