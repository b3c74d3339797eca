// Package serialbus 通过串口连接的单片机转发DW1000的SPI传输
//
// 串口上每条消息以 '\n' 结尾, 消息内的 0xDB 和 '\n' 分别转义为 DB DC 和 DB DD。
// 消息第一个字节是类型, 后面是载荷。
package serialbus

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"golang.org/x/exp/slog"
)

// 消息类型
const (
	UsartMsg    = 0x00
	UsartRST    = 0x03
	UsartLog    = 0x05
	UsartSPI    = 0x06 // host: wlen(2) rlen(2) w..., mcu: r...
	UsartSelect = 0x07 // host: level(1), mcu: empty ack
	UsartIRQ    = 0x08 // mcu only
)

const (
	esc      = 0xDB
	escEsc   = 0xDC
	escNL    = 0xDD
	maxRead  = 1024 + 8
	baudRate = 115200
)

var (
	// ErrRead 是在读串口发生错误时产生的
	ErrRead = errors.New("serialbus: failed to read from serial port")
	// ErrTimeout 表示单片机没有在限定时间内应答
	ErrTimeout = errors.New("serialbus: no reply")
	// ErrEscape 表示收到了非法的转义序列
	ErrEscape = errors.New("serialbus: bad escape sequence")
	ErrClosed = errors.New("serialbus: closed")
)

// Config 包含了打开串口桥的参数
//
// 例如:
// c := &serialbus.Config{SerialPort: "/dev/ttyUSB0"}
type Config struct {
	SerialPort string
	Baud       int
	// Timeout bounds each transaction, 100ms if zero.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Bus 实现 dw1000.Bus 与 dw1000.IRQ
type Bus struct {
	sync.Mutex // one transaction at a time
	port       io.ReadWriteCloser
	buffer     *bufio.Reader
	timeout    time.Duration
	log        *slog.Logger

	replies chan reply
	ints    chan struct{}
	close   chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

type reply struct {
	typ  byte
	data []byte
}

// Open 打开串口并启动接收协程
func Open(c *Config) (*Bus, error) {
	baud := c.Baud
	if baud == 0 {
		baud = baudRate
	}
	serialConf := &serial.Config{Name: c.SerialPort, Baud: baud, StopBits: serial.Stop1}
	p, err := serial.OpenPort(serialConf)
	if err != nil {
		return nil, errors.Wrapf(err, "serialbus: open %s", c.SerialPort)
	}
	return New(p, c.Timeout, c.Logger), nil
}

// New 在任意字节流上创建总线
func New(port io.ReadWriteCloser, timeout time.Duration, log *slog.Logger) *Bus {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		port:    port,
		buffer:  bufio.NewReader(port),
		timeout: timeout,
		log:     log.With(slog.String("bus", "serial")),
		replies: make(chan reply, 1),
		ints:    make(chan struct{}, 1),
		close:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Escape 把 src 转义后追加到 dst, 并加上结尾的 '\n'
func Escape(dst, src []byte) []byte {
	for _, c := range src {
		switch c {
		case esc:
			dst = append(dst, esc, escEsc)
		case '\n':
			dst = append(dst, esc, escNL)
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '\n')
}

// Unescape 还原一条不含结尾 '\n' 的消息
func Unescape(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != esc {
			out = append(out, c)
			continue
		}
		i++
		if i == len(src) {
			return nil, ErrEscape
		}
		switch src[i] {
		case escEsc:
			out = append(out, esc)
		case escNL:
			out = append(out, '\n')
		default:
			return nil, errors.Wrapf(ErrEscape, "%#02x", src[i])
		}
	}
	return out, nil
}

func (b *Bus) send(typ byte, payload []byte) error {
	msg := append(make([]byte, 0, 1+len(payload)), typ)
	msg = append(msg, payload...)
	if _, err := b.port.Write(Escape(nil, msg)); err != nil {
		return errors.Wrap(err, "serialbus: write")
	}
	return nil
}

// call 发出一条请求并等待同类型的应答
func (b *Bus) call(typ byte, payload []byte) ([]byte, error) {
	b.Lock()
	defer b.Unlock()
	select {
	case <-b.close:
		return nil, ErrClosed
	default:
	}
	if err := b.send(typ, payload); err != nil {
		return nil, err
	}
	t := time.NewTimer(b.timeout)
	defer t.Stop()
	for {
		select {
		case r := <-b.replies:
			if r.typ != typ {
				b.log.Warn("stale reply", slog.Int("type", int(r.typ)))
				continue
			}
			return r.data, nil
		case <-t.C:
			return nil, ErrTimeout
		case <-b.close:
			return nil, ErrClosed
		}
	}
}

// Tx 实现 dw1000.Bus
func (b *Bus) Tx(w, r []byte) error {
	if len(r) > maxRead {
		return errors.Errorf("serialbus: read of %d bytes", len(r))
	}
	payload := make([]byte, 4, 4+len(w))
	binary.LittleEndian.PutUint16(payload[0:], uint16(len(w)))
	binary.LittleEndian.PutUint16(payload[2:], uint16(len(r)))
	payload = append(payload, w...)
	data, err := b.call(UsartSPI, payload)
	if err != nil {
		return err
	}
	if len(data) != len(r) {
		return errors.Errorf("serialbus: spi reply of %d bytes, want %d", len(data), len(r))
	}
	copy(r, data)
	return nil
}

// Select 实现 dw1000.Bus, 由单片机驱动片选
func (b *Bus) Select(active bool) error {
	var level byte = 1
	if active {
		level = 0
	}
	_, err := b.call(UsartSelect, []byte{level})
	return err
}

// Reset 让单片机复位DW1000
func (b *Bus) Reset() error {
	_, err := b.call(UsartRST, nil)
	return err
}

// Interrupts 实现 dw1000.IRQ
func (b *Bus) Interrupts() <-chan struct{} {
	return b.ints
}

func (b *Bus) run() {
	defer b.wg.Done()
	defer close(b.ints)
	for {
		line, err := b.buffer.ReadBytes('\n')
		select {
		case <-b.close:
			return
		default:
		}
		if err != nil {
			b.log.Error(ErrRead.Error(), slog.Any("err", err))
			if err == io.EOF {
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}
		msg, err := Unescape(line[:len(line)-1])
		if err != nil || len(msg) == 0 {
			b.log.Warn("dropped message", slog.Any("err", err))
			continue
		}
		switch msg[0] {
		case UsartIRQ:
			select {
			case b.ints <- struct{}{}:
			default:
			}
		case UsartLog:
			b.log.Debug("mcu", slog.String("msg", string(msg[1:])))
		case UsartSPI, UsartSelect, UsartRST:
			select {
			case b.replies <- reply{typ: msg[0], data: msg[1:]}:
			default:
				b.log.Warn("unexpected reply", slog.Int("type", int(msg[0])))
			}
		default:
			b.log.Debug("ignored message", slog.Int("type", int(msg[0])))
		}
	}
}

// Close 安全地关闭串口
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.close)
		err = b.port.Close()
		b.wg.Wait()
	})
	return err
}
