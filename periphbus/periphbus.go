// Package periphbus 通过 periph.io 的SPI和GPIO驱动把DW1000接到Linux主机上
package periphbus

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// DW1000 accepts at most 3MHz until the PLL is locked.
const DefaultSpeed = 2 * physic.MegaHertz

// irqPoll bounds WaitForEdge so Close is noticed.
const irqPoll = 100 * time.Millisecond

var (
	// ErrNoChipSelect 表示没有配置片选引脚, 无法在不传输数据的情况下控制片选
	ErrNoChipSelect = errors.New("periphbus: no chip select pin")
	ErrClosed       = errors.New("periphbus: closed")
)

// Config 是 Open 的参数, 引脚名称按 gpioreg 查找
type Config struct {
	// Port is the spireg name, "" opens the first SPI port.
	Port  string
	Speed physic.Frequency
	IRQ   string
	// CS is a GPIO driven by hand, needed for Wake. When set the SPI port
	// is opened with spi.NoCS.
	CS     string
	Reset  string
	Logger *slog.Logger
}

// Bus 实现 dw1000.Bus 与 dw1000.IRQ
type Bus struct {
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinOut
	irq  gpio.PinIn
	rst  gpio.PinIO
	buf  []byte
	log  *slog.Logger

	ints   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// Open 初始化 periph 主机驱动, 打开SPI端口和引脚
func Open(c Config) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periphbus: host init")
	}
	p, err := spireg.Open(c.Port)
	if err != nil {
		return nil, errors.Wrapf(err, "periphbus: open spi %q", c.Port)
	}
	speed := c.Speed
	if speed == 0 {
		speed = DefaultSpeed
	}
	mode := spi.Mode0
	var cs gpio.PinOut
	if c.CS != "" {
		if cs, err = pin(c.CS); err != nil {
			p.Close()
			return nil, err
		}
		mode |= spi.NoCS
	}
	conn, err := p.Connect(speed, mode, 8)
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "periphbus: connect")
	}
	var irq gpio.PinIn
	if c.IRQ != "" {
		if irq, err = pin(c.IRQ); err != nil {
			p.Close()
			return nil, err
		}
	}
	b, err := New(conn, cs, irq, c.Logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	b.port = p
	if c.Reset != "" {
		if b.rst, err = pin(c.Reset); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func pin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("periphbus: no gpio pin %q", name)
	}
	return p, nil
}

// New 用已经连接好的SPI连接创建总线, cs 和 irq 可以为 nil
//
// irq 会被配置为下拉输入、上升沿触发(DW1000的IRQ默认高电平有效)。
func New(conn spi.Conn, cs gpio.PinOut, irq gpio.PinIn, log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		conn: conn,
		cs:   cs,
		irq:  irq,
		log:  log.With(slog.String("bus", conn.String())),
		ints: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if cs != nil {
		if err := cs.Out(gpio.High); err != nil {
			return nil, errors.Wrap(err, "periphbus: chip select")
		}
	}
	if irq != nil {
		if err := irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
			return nil, errors.Wrap(err, "periphbus: irq pin")
		}
		b.wg.Add(1)
		go b.watch()
	}
	return b, nil
}

// Tx 实现 dw1000.Bus, 读写合并为一次全双工传输
func (b *Bus) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	n := len(w) + len(r)
	if cap(b.buf) < 2*n {
		b.buf = make([]byte, 2*n)
	}
	out, in := b.buf[:n], b.buf[n:2*n]
	copy(out, w)
	for i := len(w); i < n; i++ {
		out[i] = 0
	}
	if err := b.selectLocked(true); err != nil {
		return err
	}
	err := b.conn.Tx(out, in)
	if cerr := b.selectLocked(false); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "periphbus: tx")
	}
	copy(r, in[len(w):])
	return nil
}

// Select 实现 dw1000.Bus, 没有片选引脚时返回 ErrNoChipSelect
func (b *Bus) Select(active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cs == nil {
		return ErrNoChipSelect
	}
	return b.selectLocked(active)
}

func (b *Bus) selectLocked(active bool) error {
	if b.cs == nil {
		return nil
	}
	l := gpio.High
	if active {
		l = gpio.Low
	}
	if err := b.cs.Out(l); err != nil {
		return errors.Wrap(err, "periphbus: chip select")
	}
	return nil
}

// Interrupts 实现 dw1000.IRQ, 未处理的中断合并为一个
func (b *Bus) Interrupts() <-chan struct{} {
	return b.ints
}

func (b *Bus) watch() {
	defer b.wg.Done()
	defer close(b.ints)
	for {
		select {
		case <-b.done:
			return
		default:
		}
		if !b.irq.WaitForEdge(irqPoll) {
			continue
		}
		select {
		case b.ints <- struct{}{}:
		default:
			b.log.Debug("interrupt coalesced")
		}
	}
}

// Reset 拉低RSTn复位芯片, 然后释放为输入(RSTn不能被驱动为高电平)
func (b *Bus) Reset() error {
	if b.rst == nil {
		return errors.New("periphbus: no reset pin")
	}
	if err := b.rst.Out(gpio.Low); err != nil {
		return errors.Wrap(err, "periphbus: reset")
	}
	time.Sleep(time.Millisecond)
	if err := b.rst.In(gpio.Float, gpio.NoEdge); err != nil {
		return errors.Wrap(err, "periphbus: reset")
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

// Close 停止中断协程并关闭SPI端口
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	if b.irq != nil {
		b.wg.Wait()
		b.irq.In(gpio.PullDown, gpio.NoEdge)
	} else {
		close(b.ints)
	}
	if b.port != nil {
		return b.port.Close()
	}
	return nil
}
