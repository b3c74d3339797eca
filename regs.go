package dw1000

// RegID 是DW1000寄存器文件的编号
type RegID uint8

// 寄存器文件编号
const (
	DevIDID     RegID = 0x00
	EUIID       RegID = 0x01
	PANADRID    RegID = 0x03
	SysCfgID    RegID = 0x04
	SysTimeID   RegID = 0x06
	TxFctrlID   RegID = 0x08
	TxBufferID  RegID = 0x09
	DxTimeID    RegID = 0x0A
	RxFwtoID    RegID = 0x0C
	SysCtrlID   RegID = 0x0D
	SysMaskID   RegID = 0x0E
	SysStatusID RegID = 0x0F
	RxFinfoID   RegID = 0x10
	RxBufferID  RegID = 0x11
	RxFqualID   RegID = 0x12
	RxTimeID    RegID = 0x15
	TxTimeID    RegID = 0x17
	TxAntdID    RegID = 0x18
	AckRespTID  RegID = 0x1A
	TxPowerID   RegID = 0x1E
	ChanCtrlID  RegID = 0x1F
	UsrSFDID    RegID = 0x21
	AGCCtrlID   RegID = 0x23
	DrxConfID   RegID = 0x27
	RFConfID    RegID = 0x28
	FSCtrlID    RegID = 0x2B
	AONID       RegID = 0x2C
	LDEIfID     RegID = 0x2E
	PMSCID      RegID = 0x36
)

// DevID 是DEV_ID寄存器的固定值
const DevID = 0xDECA0130

// 寄存器长度
const (
	TimestampLen = 5
	DxTimeLen    = 5
	SysStatusLen = 5
	TxBufferLen  = 1024
	RxBufferLen  = 1024
)

// PANADR
const (
	PANADRShortOffset = 0x00
	PANADRPANOffset   = 0x02
)

// SYS_CFG
const (
	SysCfgMask      = 0xF047FFFF
	SysCfgFFE       = 0x00000001
	SysCfgFFAllEn   = 0x000001FE
	SysCfgDisDRXB   = 0x00001000
	SysCfgPHRMode11 = 0x00030000
	SysCfgPHRShift  = 16
	SysCfgRXM110K   = 0x00400000
	SysCfgRXWTOE    = 0x10000000
	SysCfgRXAUTR    = 0x20000000
	SysCfgAutoAck   = 0x40000000
)

// 帧过滤选项, 传给 SetFrameFilter
const (
	FFNoType = 0x000
	FFCoord  = 0x002
	FFBeacon = 0x004
	FFData   = 0x008
	FFAck    = 0x010
	FFMac    = 0x020
	FFRsvd   = 0x040
)

// TX_FCTRL
const (
	TxFctrlFlenMask   = 0x0000007F
	TxFctrlFleMask    = 0x000003FF
	TxFctrlTxBRShift  = 13
	TxFctrlTR         = 0x00008000
	TxFctrlTxPRFShift = 16
	TxFctrlTxPSRShift = 18
	TxFctrlBoffShift  = 22
)

// SYS_CTRL
const (
	SysCtrlOffset     = 0x00
	SysCtrlHRBTOffset = 0x03
	SysCtrlSFCST      = 0x00000001
	SysCtrlTxStrt     = 0x00000002
	SysCtrlTxDlys     = 0x00000004
	SysCtrlTrxOff     = 0x00000040
	SysCtrlWait4Resp  = 0x00000080
	SysCtrlRxEnab     = 0x00000100
	SysCtrlRxDlye     = 0x00000200
)

// SYS_STATUS, 低32位与第5字节
const (
	SysStatusIRQS     = 0x00000001
	SysStatusCPLock   = 0x00000002
	SysStatusAAT      = 0x00000008
	SysStatusTxFRB    = 0x00000010
	SysStatusTxPRS    = 0x00000020
	SysStatusTxPHS    = 0x00000040
	SysStatusTxFRS    = 0x00000080
	SysStatusRxPRD    = 0x00000100
	SysStatusRxSFDD   = 0x00000200
	SysStatusLDEDone  = 0x00000400
	SysStatusRxPHD    = 0x00000800
	SysStatusRxPHE    = 0x00001000
	SysStatusRxDFR    = 0x00002000
	SysStatusRxFCG    = 0x00004000
	SysStatusRxFCE    = 0x00008000
	SysStatusRxRFSL   = 0x00010000
	SysStatusRxRFTO   = 0x00020000
	SysStatusLDEErr   = 0x00040000
	SysStatusRxOVRR   = 0x00100000
	SysStatusRxPTO    = 0x00200000
	SysStatusSLP2Init = 0x00800000
	SysStatusRxSFDTO  = 0x04000000
	SysStatusHPDWarn  = 0x08000000
	SysStatusTxBErr   = 0x10000000
	SysStatusAFFRej   = 0x20000000
	SysStatusHSRBP    = 0x40000000
	SysStatusICRBP    = 0x80000000
	SysStatusRxRSCS   = 0x0100000000
	SysStatusRxPREJ   = 0x0200000000
	SysStatusTxPUTE   = 0x0400000000

	SysStatusAllRxGood = SysStatusRxDFR | SysStatusRxFCG | SysStatusRxPRD |
		SysStatusRxSFDD | SysStatusRxPHD | SysStatusLDEDone
	SysStatusAllRxTO  = SysStatusRxRFTO | SysStatusRxPTO
	SysStatusAllRxErr = SysStatusRxPHE | SysStatusRxFCE | SysStatusRxRFSL |
		SysStatusRxSFDTO | SysStatusAFFRej | SysStatusLDEErr
	SysStatusAllTx = SysStatusAAT | SysStatusTxFRB | SysStatusTxPRS |
		SysStatusTxPHS | SysStatusTxFRS
)

// SYS_MASK, 使能的中断源
const (
	IntTFRS  = SysStatusTxFRS
	IntLDED  = SysStatusLDEDone
	IntRFCG  = SysStatusRxFCG
	IntRPHE  = SysStatusRxPHE
	IntRFCE  = SysStatusRxFCE
	IntRFSL  = SysStatusRxRFSL
	IntRFTO  = SysStatusRxRFTO
	IntRXPTO = SysStatusRxPTO
	IntSFDT  = SysStatusRxSFDTO
	IntARFE  = SysStatusAFFRej
	IntLDEE  = SysStatusLDEErr

	IntDefault = IntTFRS | IntRFCG | IntRFTO | IntRXPTO | IntRPHE | IntRFCE | IntRFSL | IntSFDT
)

// RX_FINFO
const (
	RxFinfoFlenMask1023 = 0x000003FF
	RxFinfoRNG          = 0x00008000
	RxFinfoRxPACCShift  = 20
	RxFinfoRxPACCMask   = 0xFFF00000
)

// RX_FQUAL
const (
	RxFqualCIRPwrOffset = 0x06
)

// ACK_RESP_T
const (
	AckRespTW4RTimMask   = 0x000FFFFF
	AckRespTAckTimOffset = 0x03
)

// CHAN_CTRL
const (
	ChanCtrlTxChanShift = 0
	ChanCtrlTxChanMask  = 0x0000000F
	ChanCtrlRxChanShift = 4
	ChanCtrlRxChanMask  = 0x000000F0
	ChanCtrlDWSFD       = 0x00020000
	ChanCtrlDWSFDShift  = 17
	ChanCtrlRxPRFShift  = 18
	ChanCtrlRxPRFMask   = 0x000C0000
	ChanCtrlTNSSFD      = 0x00100000
	ChanCtrlRNSSFD      = 0x00200000
	ChanCtrlNSSFDShift  = 20
	ChanCtrlTxPCodShift = 22
	ChanCtrlTxPCodMask  = 0x07C00000
	ChanCtrlRxPCodShift = 27
	ChanCtrlRxPCodMask  = 0xF8000000
)

// AGC_CTRL
const (
	AGCTune1Offset = 0x04
	AGCTune2Offset = 0x0C
	AGCTune1PRF16  = 0x8870
	AGCTune1PRF64  = 0x889B
	AGCTune2Val    = 0x2502A907
)

// DRX_CONF
const (
	DrxTune0bOffset = 0x02
	DrxTune1aOffset = 0x04
	DrxTune1bOffset = 0x06
	DrxTune2Offset  = 0x08
	DrxSFDTOCOffset = 0x20
	DrxTune4HOffset = 0x26

	DrxTune1b110K      = 0x0064
	DrxTune1b850K6M8   = 0x0020
	DrxTune1b6M8Pre64  = 0x0010
	DrxTune4HPre64     = 0x0010
	DrxTune4HPre128Plu = 0x0028

	SFDTOCDefault = 0x1041
)

// RF_CONF
const (
	RFRxCtrlHOffset = 0x0B
	RFTxCtrlOffset  = 0x0C
	RFRxCtrlHNBW    = 0xD8
	RFRxCtrlHWBW    = 0xBC
)

// FS_CTRL
const (
	FSPLLCfgOffset  = 0x07
	FSPLLTuneOffset = 0x0B
)

// AON
const (
	AONCtrlOffset = 0x02
	AONCfg0Offset = 0x06
	AONCtrlSave   = 0x02
	AONCfg0Sleep  = 0x01
	AONCfg0WakeSP = 0x04
)

// LDE_IF
const (
	LDECfg2Offset   = 0x1806
	LDERepcOffset   = 0x2804
	LDERxAntdOffset = 0x1804
	LDECfg2PRF16    = 0x1607
	LDECfg2PRF64    = 0x0607
)

// PMSC
const (
	PMSCCtrl0SoftResetOffset = 0x03
	PMSCCtrl0ResetRx         = 0xE0
	PMSCCtrl0ResetClear      = 0xF0
)

// IEEE 802.15.4 帧控制字段
const (
	MACFrameCtrlLen  = 2
	MACFrameTypeMask = 0x0007
	MACFrameTypeAck  = 0x0002
)
