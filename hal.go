package dw1000

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// SPI header: bit 7 selects write, bit 6 marks a sub-index, and a sub-index
// above 0x7F takes a second (extended) byte.
const (
	hdrWrite    = 0x80
	hdrSubIndex = 0x40
	hdrExtended = 0x80
	maxHeader   = 3
)

func header(buf []byte, write bool, id RegID, sub uint16) []byte {
	h := byte(id) & 0x3F
	if write {
		h |= hdrWrite
	}
	if sub == 0 {
		return append(buf, h)
	}
	h |= hdrSubIndex
	if sub < 0x80 {
		return append(buf, h, byte(sub))
	}
	return append(buf, h, hdrExtended|byte(sub&0x7F), byte(sub>>7))
}

func (d *Device) acquire() error {
	select {
	case <-d.token:
		return nil
	default:
	}
	t := time.NewTimer(d.busTimeout)
	defer t.Stop()
	select {
	case <-d.token:
		return nil
	case <-t.C:
		d.log.Error("bus token not acquired", slog.Duration("timeout", d.busTimeout))
		return ErrBusToken
	}
}

func (d *Device) release() {
	select {
	case d.token <- struct{}{}:
	default:
		d.log.Error("bus token released twice")
	}
}

// Read 从寄存器 id 的子地址 sub 处读取 len(buf) 字节
func (d *Device) Read(id RegID, sub uint16, buf []byte) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	return d.read(id, sub, buf)
}

func (d *Device) read(id RegID, sub uint16, buf []byte) error {
	var hdr [maxHeader]byte
	if err := d.bus.Tx(header(hdr[:0], false, id, sub), buf); err != nil {
		return errors.Wrapf(err, "dw1000: read reg %#02x:%#x", uint8(id), sub)
	}
	return nil
}

// Write 向寄存器 id 的子地址 sub 处写入 buf
func (d *Device) Write(id RegID, sub uint16, buf []byte) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	return d.write(id, sub, buf)
}

func (d *Device) write(id RegID, sub uint16, buf []byte) error {
	w := make([]byte, 0, maxHeader+len(buf))
	w = header(w, true, id, sub)
	w = append(w, buf...)
	if err := d.bus.Tx(w, nil); err != nil {
		return errors.Wrapf(err, "dw1000: write reg %#02x:%#x", uint8(id), sub)
	}
	return nil
}

// ReadReg 读取一个 n 字节(最多8字节)的小端寄存器字段
func (d *Device) ReadReg(id RegID, sub uint16, n int) (uint64, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()
	return d.readRegLocked(id, sub, n)
}

// WriteReg 写入一个 n 字节(最多8字节)的小端寄存器字段
func (d *Device) WriteReg(id RegID, sub uint16, v uint64, n int) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	return d.writeRegLocked(id, sub, v, n)
}

// readReg and writeReg are used by the controller while it holds the shadow
// state lock; they take the token per transaction.
func (d *Device) readReg(id RegID, sub uint16, n int) (uint64, error) {
	return d.ReadReg(id, sub, n)
}

func (d *Device) writeReg(id RegID, sub uint16, v uint64, n int) error {
	return d.WriteReg(id, sub, v, n)
}

func (d *Device) readRegLocked(id RegID, sub uint16, n int) (uint64, error) {
	buf := d.scratch[:n]
	if err := d.read(id, sub, buf); err != nil {
		return 0, err
	}
	var tmp [8]byte
	copy(tmp[:], buf)
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func (d *Device) writeRegLocked(id RegID, sub uint16, v uint64, n int) error {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return d.write(id, sub, tmp[:n])
}

// writeRegNoBlock 是中断上下文使用的写操作, 令牌交给传输完成回调释放
func (d *Device) writeRegNoBlock(id RegID, sub uint16, v uint64, n int) error {
	if err := d.acquire(); err != nil {
		return err
	}
	ab, ok := d.bus.(AsyncBus)
	if !ok {
		defer d.release()
		return d.writeRegLocked(id, sub, v, n)
	}
	w := make([]byte, 0, maxHeader+n)
	w = header(w, true, id, sub)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w = append(w, tmp[:n]...)
	err := ab.TxAsync(w, func(err error) {
		if err != nil {
			d.log.Error("async write failed", slog.Any("reg", uint8(id)), slog.Any("err", err))
		}
		d.release()
	})
	if err != nil {
		d.release()
		return errors.Wrapf(err, "dw1000: write reg %#02x:%#x", uint8(id), sub)
	}
	return nil
}
