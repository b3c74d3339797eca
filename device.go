// Package dw1000 是DW1000超宽带收发器的控制层
//
// 包含寄存器访问、收发状态机、中断分发等功能, 测距协议见 rng 子包。
// 总线、GPIO等硬件相关的部分通过 Bus 接口由调用者提供。
package dw1000

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// Bus 是片选控制的全双工字节传输
type Bus interface {
	// Tx asserts chip select, shifts out w, then shifts in len(r) bytes
	// and releases chip select.
	Tx(w, r []byte) error
	// Select drives chip select without clocking any data.
	Select(active bool) error
}

// AsyncBus 是支持非阻塞写的总线
type AsyncBus interface {
	Bus
	// TxAsync starts shifting out w and calls done once the transfer completed.
	TxAsync(w []byte, done func(error)) error
}

// IRQ 是中断线, 每次中断线有效时发出一个通知
type IRQ interface {
	Interrupts() <-chan struct{}
}

// State 是收发器状态
type State uint8

const (
	Idle State = iota
	TxArmed
	TxActive
	RxArmed
	RxActive
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TxArmed:
		return "tx-armed"
	case TxActive:
		return "tx-active"
	case RxArmed:
		return "rx-armed"
	case RxActive:
		return "rx-active"
	case Sleeping:
		return "sleep"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrBusToken 表示在限定时间内拿不到总线令牌, 一般是设备没有正确初始化
	ErrBusToken = errors.New("dw1000: bus token not acquired")
	// ErrSleeping 表示设备休眠时调用了 Wake 以外的操作
	ErrSleeping = errors.New("dw1000: device is sleeping")
	// ErrBadDeviceID 表示读到的DEV_ID不是DW1000
	ErrBadDeviceID = errors.New("dw1000: unexpected device id")
)

// Device 是一个物理收发器的抽象对象
type Device struct {
	sync.Mutex
	bus   Bus
	token chan struct{}

	busTimeout time.Duration
	delay      func(time.Duration)
	log        *slog.Logger

	config  Config
	mode    State
	status  Status
	sysCfg  uint32
	sysCtrl uint32
	txFctrl uint32
	sysMask uint32

	panID     uint16
	shortAddr uint16
	txAntd    uint16
	rxAntd    uint16

	sysStatus uint64
	frameLen  uint16
	fctrl     uint16

	// 订阅者链, 测距订阅者优先于通用回调
	ranging Subscriber
	generic Subscriber

	scratch [8]byte
}

// New 创建一个设备对象, 此时不访问总线, 初始化请调用 Init
func New(bus Bus, c Config) *Device {
	d := &Device{
		bus:        bus,
		token:      make(chan struct{}, 1),
		busTimeout: c.BusTimeout,
		delay:      c.Delay,
		log:        c.Logger,
		config:     c,
		sysCfg:     SysCfgDisDRXB,
	}
	d.token <- struct{}{}
	if d.busTimeout <= 0 {
		d.busTimeout = 100 * time.Millisecond
	}
	if d.delay == nil {
		d.delay = time.Sleep
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With(slog.String("dev", "dw1000"))
	return d
}

// Init 初始化设备: 检查DEV_ID, 写入物理层配置、地址、天线延迟以及中断屏蔽
func (d *Device) Init() error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	id, err := d.readReg(DevIDID, 0, 4)
	if err != nil {
		return errors.Wrap(err, "dw1000: init")
	}
	if id != DevID {
		return errors.Wrapf(ErrBadDeviceID, "got %#08x", id)
	}
	c := d.config
	if err := d.configure(c.Phy); err != nil {
		return errors.Wrap(err, "dw1000: init")
	}
	if err := d.setAddress(c.PANID, c.ShortAddress); err != nil {
		return errors.Wrap(err, "dw1000: init")
	}
	if err := d.setAntennaDelays(c.TxAntennaDelay, c.RxAntennaDelay); err != nil {
		return errors.Wrap(err, "dw1000: init")
	}
	if err := d.setDoubleBuffer(c.DoubleBuffer); err != nil {
		return errors.Wrap(err, "dw1000: init")
	}
	if c.FrameFilter != 0 {
		if err := d.setFrameFilter(c.FrameFilter); err != nil {
			return errors.Wrap(err, "dw1000: init")
		}
	}
	if err := d.setInterruptMask(IntDefault, true); err != nil {
		return errors.Wrap(err, "dw1000: init")
	}
	d.log.Info("initialized", slog.Any("channel", c.Phy.Channel), slog.String("prf", c.Phy.PRF.String()),
		slog.String("rate", c.Phy.DataRate.String()), slog.Any("short_addr", c.ShortAddress))
	return nil
}

// State 返回当前状态
func (d *Device) State() State {
	d.Lock()
	defer d.Unlock()
	return d.mode
}

// Status 返回状态位域的拷贝
func (d *Device) Status() Status {
	d.Lock()
	defer d.Unlock()
	return d.status
}

// FrameLen 返回最近一次接收到的帧长度(包括CRC)
func (d *Device) FrameLen() uint16 {
	d.Lock()
	defer d.Unlock()
	return d.frameLen
}

// FrameControl 返回最近一次接收到的帧的MAC帧控制字段
func (d *Device) FrameControl() uint16 {
	d.Lock()
	defer d.Unlock()
	return d.fctrl
}

// SysStatus 返回最近一次中断分发时读取的状态寄存器
func (d *Device) SysStatus() uint64 {
	d.Lock()
	defer d.Unlock()
	return d.sysStatus
}

// PANID 返回PAN ID
func (d *Device) PANID() uint16 {
	d.Lock()
	defer d.Unlock()
	return d.panID
}

// ShortAddress 返回本机短地址
func (d *Device) ShortAddress() uint16 {
	d.Lock()
	defer d.Unlock()
	return d.shortAddr
}

// TxAntennaDelay 返回发射天线延迟, 单位为时钟节拍
func (d *Device) TxAntennaDelay() uint16 {
	d.Lock()
	defer d.Unlock()
	return d.txAntd
}

// LongFrames 报告是否启用了扩展帧
func (d *Device) LongFrames() bool {
	d.Lock()
	defer d.Unlock()
	return d.status.Has(LongFrames)
}

// Logger 返回设备使用的日志对象
func (d *Device) Logger() *slog.Logger {
	return d.log
}

func (d *Device) awake() error {
	if d.mode == Sleeping {
		return ErrSleeping
	}
	return nil
}
