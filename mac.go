package dw1000

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrTxBufferOverflow 表示偏移加帧长超出了1024字节的发送缓冲区
	ErrTxBufferOverflow = errors.New("dw1000: tx buffer overflow")
	// ErrFrameTooLong 表示帧长超过当前PHR模式允许的最大值
	ErrFrameTooLong = errors.New("dw1000: frame too long")
	// ErrStartTx 表示延时发送错过了时机(HPDWARN或TXPUTE), 需要调用者重新安排
	ErrStartTx = errors.New("dw1000: delayed tx start failed")
	// ErrFrameFilterDisabled 表示在未开启帧过滤的情况下设置自动应答
	ErrFrameFilterDisabled = errors.New("dw1000: frame filtering not enabled")
)

// LDE_CFG1: NTM=13, PMULT=3.
const (
	ldeCfg1Offset = 0x0806
	ldeCfg1Val    = 0x6D
)

type regWrite struct {
	id  RegID
	sub uint16
	v   uint64
	n   int
}

func (d *Device) writeRegs(ws ...regWrite) error {
	for _, w := range ws {
		if err := d.writeReg(w.id, w.sub, w.v, w.n); err != nil {
			return err
		}
	}
	return nil
}

// Configure 写入信道、PRF、前导码等物理层参数
// 参数在写任何寄存器之前全部检查, 不合法时返回 ErrInvalidConfig
func (d *Device) Configure(p PhyConfig) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	if err := d.configure(p); err != nil {
		return errors.Wrap(err, "dw1000: configure")
	}
	return nil
}

func (d *Device) configure(p PhyConfig) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ch := p.Channel
	ci := chanIdx[ch]
	prfIdx := int(p.PRF - PRF16M)
	bw := 0
	if ch == 4 || ch == 7 {
		bw = 1
	}
	rxCtrlH := [2]uint8{RFRxCtrlHNBW, RFRxCtrlHWBW}

	sysCfg := d.sysCfg
	repc := ldeReplicaCoeff[p.RxCode]
	if p.DataRate == Rate110K {
		sysCfg |= SysCfgRXM110K
		repc >>= 3
	} else {
		sysCfg &^= SysCfgRXM110K
	}
	sysCfg &^= SysCfgPHRMode11
	sysCfg |= SysCfgPHRMode11 & (uint32(p.PHRMode) << SysCfgPHRShift)

	sfdTO := p.SFDTimeout
	if sfdTO == 0 {
		sfdTO = SFDTOCDefault
	}
	nsSFD := 0
	if p.NonStdSFD {
		nsSFD = 1
	}

	ws := []regWrite{
		{SysCfgID, 0, uint64(sysCfg), 4},
		{LDEIfID, LDERepcOffset, uint64(repc), 2},
		{LDEIfID, ldeCfg1Offset, ldeCfg1Val, 1},
		{LDEIfID, LDECfg2Offset, uint64(ldeCfg2[prfIdx]), 2},
		{FSCtrlID, FSPLLCfgOffset, uint64(fsPLLCfg[ci]), 4},
		{FSCtrlID, FSPLLTuneOffset, uint64(fsPLLTune[ci]), 1},
		{RFConfID, RFRxCtrlHOffset, uint64(rxCtrlH[bw]), 1},
		{RFConfID, RFTxCtrlOffset, uint64(txConfig[ci]), 4},
		{DrxConfID, DrxTune0bOffset, uint64(sftsh[p.DataRate][nsSFD]), 2},
		{DrxConfID, DrxTune1aOffset, uint64(dtune1[prfIdx]), 2},
	}
	switch {
	case p.DataRate == Rate110K:
		ws = append(ws, regWrite{DrxConfID, DrxTune1bOffset, DrxTune1b110K, 2})
	case p.PreambleLength == PLen64:
		ws = append(ws,
			regWrite{DrxConfID, DrxTune1bOffset, DrxTune1b6M8Pre64, 2},
			regWrite{DrxConfID, DrxTune4HOffset, DrxTune4HPre64, 2})
	default:
		ws = append(ws,
			regWrite{DrxConfID, DrxTune1bOffset, DrxTune1b850K6M8, 2},
			regWrite{DrxConfID, DrxTune4HOffset, DrxTune4HPre128Plu, 2})
	}
	ws = append(ws,
		regWrite{DrxConfID, DrxTune2Offset, uint64(digitalBBConfig[prfIdx][p.PAC]), 4},
		regWrite{DrxConfID, DrxSFDTOCOffset, uint64(sfdTO), 2},
		regWrite{AGCCtrlID, AGCTune2Offset, AGCTune2Val, 4},
		regWrite{AGCCtrlID, AGCTune1Offset, uint64(agcTune1[prfIdx]), 2},
	)

	var nsBits, dwBits uint32
	if p.NonStdSFD {
		// DW proprietary SFD length for the configured rate.
		ws = append(ws, regWrite{UsrSFDID, 0, uint64(dwnsSFDLen[p.DataRate]), 1})
		nsBits = 3
		dwBits = 1
	}
	chanCtrl := ChanCtrlTxChanMask&(uint32(ch)<<ChanCtrlTxChanShift) |
		ChanCtrlRxChanMask&(uint32(ch)<<ChanCtrlRxChanShift) |
		ChanCtrlRxPRFMask&(uint32(p.PRF)<<ChanCtrlRxPRFShift) |
		(ChanCtrlTNSSFD|ChanCtrlRNSSFD)&(nsBits<<ChanCtrlNSSFDShift) |
		ChanCtrlDWSFD&(dwBits<<ChanCtrlDWSFDShift) |
		ChanCtrlTxPCodMask&(uint32(p.TxCode)<<ChanCtrlTxPCodShift) |
		ChanCtrlRxPCodMask&(uint32(p.RxCode)<<ChanCtrlRxPCodShift)
	txFctrl := (uint32(p.PreambleLength)|uint32(p.PRF))<<TxFctrlTxPRFShift |
		uint32(p.DataRate)<<TxFctrlTxBRShift

	ws = append(ws,
		regWrite{ChanCtrlID, 0, uint64(chanCtrl), 4},
		regWrite{TxFctrlID, 0, uint64(txFctrl), 4},
		// The SFD pattern is only initialised on a user TX request, not on
		// auto-ACK; start and abort a transmission to load it.
		regWrite{SysCtrlID, SysCtrlOffset, SysCtrlTxStrt | SysCtrlTrxOff, 1},
	)
	if err := d.writeRegs(ws...); err != nil {
		return err
	}
	d.sysCfg = sysCfg
	d.txFctrl = txFctrl
	d.status.set(LongFrames, p.PHRMode == PHRExtended)
	d.config.Phy = p
	d.config.Phy.SFDTimeout = sfdTO
	d.mode = Idle
	return nil
}

// TxFrameControl 返回TX_FCTRL的影子值(前导码长度、PRF、速率)
func (d *Device) TxFrameControl() uint32 {
	d.Lock()
	defer d.Unlock()
	return d.txFctrl
}

// WriteTx 把待发送的帧写入发送缓冲区
// frameLen 包括2字节CRC, 只写入 frameLen-2 字节
func (d *Device) WriteTx(b []byte, offset, frameLen uint16) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	if int(offset)+int(frameLen) > TxBufferLen || frameLen < 2 {
		d.status.set(TxFrameError, true)
		return errors.Wrapf(ErrTxBufferOverflow, "offset %d length %d", offset, frameLen)
	}
	n := int(frameLen) - 2
	if len(b) < n {
		d.status.set(TxFrameError, true)
		return errors.Errorf("dw1000: write tx: %d bytes given, frame needs %d", len(b), n)
	}
	if err := d.Write(TxBufferID, offset, b[:n]); err != nil {
		return err
	}
	d.status.set(TxFrameError, false)
	return nil
}

// SetTxFrameControl 设置发送帧长度、缓冲区偏移以及测距标志
func (d *Device) SetTxFrameControl(frameLen, offset uint16, ranging bool) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	limit := uint16(127)
	if d.status.Has(LongFrames) {
		limit = 1023
	}
	if frameLen > limit {
		return errors.Wrapf(ErrFrameTooLong, "%d > %d", frameLen, limit)
	}
	reg := d.txFctrl | uint32(frameLen) | uint32(offset)<<TxFctrlBoffShift
	if ranging {
		reg |= TxFctrlTR
	}
	if err := d.writeReg(TxFctrlID, 0, uint64(reg), 4); err != nil {
		return err
	}
	d.status.set(TxRanging, ranging)
	return nil
}

// StartTx 立即开始发送
func (d *Device) StartTx() error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	d.status.set(StartTxDelay, false)
	return d.startTx()
}

// StartTxDelayed 在收发器时间 t 开始发送
// t 是40位时钟值, 低9位被硬件忽略
func (d *Device) StartTxDelayed(t uint64) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	delayed := t>>8 > 0
	d.status.set(StartTxDelay, delayed)
	if delayed {
		if err := d.writeReg(DxTimeID, 1, t>>8, DxTimeLen-1); err != nil {
			return err
		}
	}
	return d.startTx()
}

func (d *Device) startTx() error {
	w4r := d.status.Has(Wait4Resp)
	delayed := d.status.Has(StartTxDelay)
	if w4r {
		// Undocumented anomaly, WAIT4RESP has to be armed on its own first.
		if err := d.writeReg(SysCtrlID, SysCtrlOffset, SysCtrlWait4Resp, 1); err != nil {
			return err
		}
	}
	ctrl := uint32(SysCtrlTxStrt)
	if w4r {
		ctrl |= SysCtrlWait4Resp
	}
	if delayed {
		ctrl |= SysCtrlTxDlys
	}
	d.sysCtrl = ctrl
	if err := d.writeReg(SysCtrlID, SysCtrlOffset, uint64(ctrl), 1); err != nil {
		return err
	}
	if !delayed {
		d.status.set(StartTxError, false)
		d.mode = TxActive
		return nil
	}
	st, err := d.readReg(SysStatusID, 3, 2)
	if err != nil {
		return err
	}
	failed := st&((SysStatusHPDWarn|SysStatusTxPUTE)>>24) != 0
	d.status.set(StartTxError, failed)
	if !failed {
		d.mode = TxArmed
		return nil
	}
	// HPDWARN or TXPUTE: the delay is too short to power up, abort.
	d.sysCtrl = SysCtrlTrxOff
	if err := d.writeReg(SysCtrlID, SysCtrlOffset, SysCtrlTrxOff, 1); err != nil {
		return err
	}
	d.mode = Idle
	d.log.Warn("delayed tx start failed", slog.Any("status", st))
	return ErrStartTx
}

// StartRx 立即打开接收机
func (d *Device) StartRx() error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	d.status.set(StartRxDelay, false)
	return d.startRx()
}

// StartRxDelayed 在收发器时间 t 打开接收机
func (d *Device) StartRxDelayed(t uint64) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	delayed := t > 0
	d.status.set(StartRxDelay, delayed)
	if delayed {
		if err := d.writeReg(DxTimeID, 1, t>>8, DxTimeLen-1); err != nil {
			return err
		}
	}
	return d.startRx()
}

func (d *Device) startRx() error {
	d.status.set(RxError, false)
	if d.status.Has(DoubleBuffer) {
		if err := d.syncRxBufPtrs(); err != nil {
			return err
		}
	}
	delayed := d.status.Has(StartRxDelay)
	ctrl := uint32(SysCtrlRxEnab)
	if delayed {
		ctrl |= SysCtrlRxDlye
	}
	d.sysCtrl = ctrl
	if err := d.writeReg(SysCtrlID, SysCtrlOffset, uint64(ctrl), 2); err != nil {
		return err
	}
	if !delayed {
		d.status.set(StartRxError, false)
		d.mode = RxActive
		return nil
	}
	st, err := d.readReg(SysStatusID, 3, 1)
	if err != nil {
		return err
	}
	late := st&(SysStatusHPDWarn>>24) != 0
	d.status.set(StartRxError, late)
	if !late {
		d.mode = RxArmed
		return nil
	}
	// Erratum: the delayed receive is already late, turn it off and
	// enable the receiver immediately, once.
	d.log.Error("delayed rx start late, enabling receiver now", slog.Any("status", st))
	if err := d.forceTRxOff(); err != nil {
		return err
	}
	d.sysCtrl = SysCtrlRxEnab
	if err := d.writeReg(SysCtrlID, SysCtrlOffset, SysCtrlRxEnab, 2); err != nil {
		return err
	}
	d.mode = RxActive
	return nil
}

// syncRxBufPtrs 在开始接收前对齐主机侧与芯片侧的接收缓冲区指针
func (d *Device) syncRxBufPtrs() error {
	b, err := d.readReg(SysStatusID, 3, 1)
	if err != nil {
		return err
	}
	ic := b & (SysStatusICRBP >> 24)
	host := b & (SysStatusHSRBP >> 24)
	if ic != host<<1 {
		return d.writeReg(SysCtrlID, SysCtrlHRBTOffset, 1, 1)
	}
	return nil
}

// SetWaitForResponse 配置发送完成后自动打开接收机
// delay 是发送完成到打开接收机的时间, timeout 是等待帧的超时, 0表示不超时
func (d *Device) SetWaitForResponse(enable bool, delay uint32, timeout uint16) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	d.status.set(Wait4Resp, enable)
	if err := d.setWait4RespDelay(delay); err != nil {
		return err
	}
	return d.setRxTimeout(timeout)
}

// SetWaitForResponseDelay 设置20位的等待应答转换时间, 单位约1us
func (d *Device) SetWaitForResponseDelay(delay uint32) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.setWait4RespDelay(delay)
}

func (d *Device) setWait4RespDelay(delay uint32) error {
	d.status.set(Wait4RespDelay, delay > 0)
	if delay == 0 {
		return nil
	}
	reg, err := d.readReg(AckRespTID, 0, 4)
	if err != nil {
		return err
	}
	reg &^= AckRespTW4RTimMask
	reg |= uint64(delay & AckRespTW4RTimMask)
	return d.writeReg(AckRespTID, 0, reg, 4)
}

// SetRxTimeout 设置接收帧等待超时, 单位为512个499.2MHz时钟(约1.026us), 0表示关闭
func (d *Device) SetRxTimeout(timeout uint16) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.setRxTimeout(timeout)
}

func (d *Device) setRxTimeout(timeout uint16) error {
	enabled := timeout > 0
	d.status.set(RxTimeoutEnabled, enabled)
	if enabled {
		if err := d.writeReg(RxFwtoID, 0, uint64(timeout), 2); err != nil {
			return err
		}
		d.sysCfg |= SysCfgRXWTOE
	} else {
		d.sysCfg &^= SysCfgRXWTOE
	}
	return d.writeReg(SysCfgID, 0, uint64(d.sysCfg), 4)
}

// SetFrameFilter 开启或关闭帧过滤, mask 为 FF* 选项的组合
func (d *Device) SetFrameFilter(mask uint16) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.setFrameFilter(mask)
}

func (d *Device) setFrameFilter(mask uint16) error {
	reg, err := d.readReg(SysCfgID, 0, 4)
	if err != nil {
		return err
	}
	sysCfg := uint32(reg) & SysCfgMask
	enabled := mask > 0
	if enabled {
		sysCfg &^= SysCfgFFAllEn
		sysCfg |= uint32(mask)&SysCfgFFAllEn | SysCfgFFE
	} else {
		sysCfg &^= SysCfgFFE
	}
	if err := d.writeReg(SysCfgID, 0, uint64(sysCfg), 4); err != nil {
		return err
	}
	d.sysCfg = sysCfg
	d.status.set(FrameFilter, enabled)
	return nil
}

// SetAutoAckDelay 开启自动应答, delay 以符号为单位, 需要先开启帧过滤
func (d *Device) SetAutoAckDelay(delay uint8) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	if !d.status.Has(FrameFilter) {
		return ErrFrameFilterDisabled
	}
	d.status.set(AutoAckDelay, delay > 0)
	if delay == 0 {
		return nil
	}
	if err := d.writeReg(AckRespTID, AckRespTAckTimOffset, uint64(delay), 1); err != nil {
		return err
	}
	d.sysCfg |= SysCfgAutoAck
	return d.writeReg(SysCfgID, 0, uint64(d.sysCfg), 4)
}

// SetDoubleBuffer 开启或关闭双接收缓冲区
func (d *Device) SetDoubleBuffer(enable bool) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.setDoubleBuffer(enable)
}

func (d *Device) setDoubleBuffer(enable bool) error {
	d.status.set(DoubleBuffer, enable)
	if enable {
		d.sysCfg &^= SysCfgDisDRXB
	} else {
		d.sysCfg |= SysCfgDisDRXB
	}
	return d.writeReg(SysCfgID, 0, uint64(d.sysCfg), 4)
}

// SetAddress 设置PAN ID和短地址
func (d *Device) SetAddress(panID, short uint16) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.setAddress(panID, short)
}

func (d *Device) setAddress(panID, short uint16) error {
	if err := d.writeRegs(
		regWrite{PANADRID, PANADRShortOffset, uint64(short), 2},
		regWrite{PANADRID, PANADRPANOffset, uint64(panID), 2},
	); err != nil {
		return err
	}
	d.panID = panID
	d.shortAddr = short
	return nil
}

// SetAntennaDelays 设置收发天线延迟, 单位为时钟节拍
func (d *Device) SetAntennaDelays(tx, rx uint16) error {
	d.Lock()
	defer d.Unlock()
	if err := d.awake(); err != nil {
		return err
	}
	return d.setAntennaDelays(tx, rx)
}

func (d *Device) setAntennaDelays(tx, rx uint16) error {
	if err := d.writeRegs(
		regWrite{TxAntdID, 0, uint64(tx), 2},
		regWrite{LDEIfID, LDERxAntdOffset, uint64(rx), 2},
	); err != nil {
		return err
	}
	d.txAntd = tx
	d.rxAntd = rx
	return nil
}
