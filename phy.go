package dw1000

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// ErrNoDiagnostics 表示接收诊断寄存器为零, 无法估计功率
var ErrNoDiagnostics = errors.New("dw1000: no rx diagnostics")

const (
	// chip select has to stay low for at least 500us to wake the chip
	wakeSelectHold = 2 * time.Millisecond
	// crystal and PLL settling after wake up
	wakeSettle = 5 * time.Millisecond
)

// RX power constant A for PRF 16 and 64 MHz, in dBm.
var rxPowerConst = [2]float64{113.77, 121.74}

// ForceTRxOff 立即关闭收发机并清除所有收发事件
func (d *Device) ForceTRxOff() error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.forceTRxOff()
}

func (d *Device) forceTRxOff() error {
	mask, err := d.readReg(SysMaskID, 0, 4)
	if err != nil {
		return err
	}
	// Interrupts stay off while the transceiver is turned off, otherwise
	// a late event could fire between the two writes.
	if err := d.writeRegs(
		regWrite{SysMaskID, 0, 0, 4},
		regWrite{SysCtrlID, SysCtrlOffset, SysCtrlTrxOff, 1},
		regWrite{SysStatusID, 0, SysStatusAllTx | SysStatusAllRxErr | SysStatusAllRxTO | SysStatusAllRxGood, 4},
	); err != nil {
		return err
	}
	if d.status.Has(DoubleBuffer) {
		if err := d.syncRxBufPtrs(); err != nil {
			return err
		}
	}
	if err := d.writeReg(SysMaskID, 0, mask, 4); err != nil {
		return err
	}
	d.sysCtrl = SysCtrlTrxOff
	d.mode = Idle
	return nil
}

// RxReset 软复位接收机
func (d *Device) RxReset() error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.rxReset()
}

func (d *Device) rxReset() error {
	return d.writeRegs(
		regWrite{PMSCID, PMSCCtrl0SoftResetOffset, PMSCCtrl0ResetRx, 1},
		regWrite{PMSCID, PMSCCtrl0SoftResetOffset, PMSCCtrl0ResetClear, 1},
	)
}

// Sleep 配置为SPI唤醒并进入休眠, 休眠后只能调用 Wake
func (d *Device) Sleep() error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	if err := d.forceTRxOff(); err != nil {
		return err
	}
	if err := d.writeRegs(
		regWrite{AONID, AONCfg0Offset, AONCfg0Sleep | AONCfg0WakeSP, 1},
		regWrite{AONID, AONCtrlOffset, 0, 1},
		regWrite{AONID, AONCtrlOffset, AONCtrlSave, 1},
	); err != nil {
		return err
	}
	d.status.set(SleepEnabled, true)
	d.mode = Sleeping
	d.log.Debug("sleeping")
	return nil
}

// Wake 拉低片选一段时间唤醒芯片, 等待时钟稳定后回到空闲状态
func (d *Device) Wake() error {
	d.Lock()
	defer d.Unlock()
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if err := d.bus.Select(true); err != nil {
		return errors.Wrap(err, "dw1000: wake")
	}
	d.delay(wakeSelectHold)
	if err := d.bus.Select(false); err != nil {
		return errors.Wrap(err, "dw1000: wake")
	}
	d.delay(wakeSettle)
	d.status.set(SleepEnabled, false)
	d.mode = Idle
	d.log.Debug("awake")
	return nil
}

// SetInterruptMask 打开或关闭 bitmask 中的中断源
func (d *Device) SetInterruptMask(bitmask uint32, enable bool) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.setInterruptMask(bitmask, enable)
}

func (d *Device) setInterruptMask(bitmask uint32, enable bool) error {
	reg, err := d.readReg(SysMaskID, 0, 4)
	if err != nil {
		return err
	}
	mask := uint32(reg)
	if enable {
		mask |= bitmask
	} else {
		mask &^= bitmask
	}
	if err := d.writeReg(SysMaskID, 0, uint64(mask), 4); err != nil {
		return err
	}
	d.sysMask = mask
	return nil
}

// ReadTxTimestamp 读取最近一次发送的40位时间戳(已包括天线延迟)
func (d *Device) ReadTxTimestamp() (uint64, error) {
	return d.readTimestamp(TxTimeID)
}

// ReadRxTimestamp 读取最近一次接收的40位时间戳(已减去天线延迟)
func (d *Device) ReadRxTimestamp() (uint64, error) {
	return d.readTimestamp(RxTimeID)
}

// ReadSystemTime 读取40位系统时钟
func (d *Device) ReadSystemTime() (uint64, error) {
	return d.readTimestamp(SysTimeID)
}

func (d *Device) readTimestamp(id RegID) (uint64, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return 0, err
	}
	return d.readReg(id, 0, TimestampLen)
}

// ReadRx 从接收缓冲区偏移 offset 处读取 len(buf) 字节
func (d *Device) ReadRx(buf []byte, offset uint16) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.Read(RxBufferID, offset, buf)
}

// RxPower 根据CIR功率和前导码累积数估计最近一次接收的信号强度, 单位dBm
func (d *Device) RxPower() (float64, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return 0, err
	}
	finfo, err := d.readReg(RxFinfoID, 0, 4)
	if err != nil {
		return 0, err
	}
	cir, err := d.readReg(RxFqualID, RxFqualCIRPwrOffset, 2)
	if err != nil {
		return 0, err
	}
	n := (finfo & RxFinfoRxPACCMask) >> RxFinfoRxPACCShift
	if n == 0 || cir == 0 {
		return 0, ErrNoDiagnostics
	}
	a := rxPowerConst[1]
	if d.config.Phy.PRF == PRF16M {
		a = rxPowerConst[0]
	}
	return RxPowerDBm(float64(cir), float64(n), a), nil
}

// RxPowerDBm 计算 10*log10(C*2^17/N^2) - A
func RxPowerDBm(cir, n, a float64) float64 {
	return 10*math.Log10(cir*(1<<17)/(n*n)) - a
}
