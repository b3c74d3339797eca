package dw1000

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// DataRate 是空口数据速率
type DataRate uint8

const (
	Rate110K DataRate = iota
	Rate850K
	Rate6M8
)

func (r DataRate) String() string {
	switch r {
	case Rate110K:
		return "110kbps"
	case Rate850K:
		return "850kbps"
	case Rate6M8:
		return "6.8Mbps"
	default:
		return fmt.Sprintf("DataRate(%d)", uint8(r))
	}
}

// PRF 是脉冲重复频率
type PRF uint8

const (
	PRF16M PRF = 1
	PRF64M PRF = 2
)

func (p PRF) String() string {
	switch p {
	case PRF16M:
		return "16MHz"
	case PRF64M:
		return "64MHz"
	default:
		return fmt.Sprintf("PRF(%d)", uint8(p))
	}
}

// PAC 是前导码捕获块大小
type PAC uint8

const (
	PAC8 PAC = iota
	PAC16
	PAC32
	PAC64
)

// PreambleLength 是TX_FCTRL中TXPSR|PE字段的编码值
type PreambleLength uint8

const (
	PLen64   PreambleLength = 0x04
	PLen128  PreambleLength = 0x14
	PLen256  PreambleLength = 0x24
	PLen512  PreambleLength = 0x34
	PLen1024 PreambleLength = 0x08
	PLen1536 PreambleLength = 0x18
	PLen2048 PreambleLength = 0x28
	PLen4096 PreambleLength = 0x0C
)

func (p PreambleLength) valid() bool {
	switch p {
	case PLen64, PLen128, PLen256, PLen512, PLen1024, PLen1536, PLen2048, PLen4096:
		return true
	}
	return false
}

// PHRMode 选择标准帧(最长127字节)或扩展帧(最长1023字节)
type PHRMode uint8

const (
	PHRStandard PHRMode = 0x0
	PHRExtended PHRMode = 0x3
)

// PhyConfig 是物理层配置, 对应 Configure
type PhyConfig struct {
	Channel        uint8
	PRF            PRF
	DataRate       DataRate
	PAC            PAC
	TxCode         uint8 // TX preamble code
	RxCode         uint8 // RX preamble code
	PreambleLength PreambleLength
	PHRMode        PHRMode
	NonStdSFD      bool
	SFDTimeout     uint16 // in symbols, 0 selects SFDTOCDefault
}

// Config 包含了初始化一个DW1000设备的所有参数
//
// 例如:
// c := dw1000.DefaultConfig()
// c.ShortAddress = 0x1234
type Config struct {
	Phy PhyConfig

	PANID        uint16
	ShortAddress uint16

	TxAntennaDelay uint16
	RxAntennaDelay uint16

	DoubleBuffer bool
	FrameFilter  uint16 // FF* bits, 0 disables frame filtering

	// BusTimeout bounds the wait for the bus token.
	BusTimeout time.Duration
	// Delay is the microsecond delay primitive, time.Sleep if nil.
	Delay  func(time.Duration)
	Logger *slog.Logger
}

// DefaultConfig 返回与固件默认值一致的配置
func DefaultConfig() Config {
	return Config{
		Phy: PhyConfig{
			Channel:        5,
			PRF:            PRF64M,
			DataRate:       Rate6M8,
			PAC:            PAC8,
			TxCode:         9,
			RxCode:         9,
			PreambleLength: PLen128,
			PHRMode:        PHRStandard,
			SFDTimeout:     128 + 1 + 8 - 8,
		},
		PANID:          0xDECA,
		TxAntennaDelay: 0x4042,
		RxAntennaDelay: 0x4042,
		DoubleBuffer:   true,
		BusTimeout:     100 * time.Millisecond,
	}
}

// ErrInvalidConfig 表示配置参数超出范围, 此时没有任何寄存器被写入
var ErrInvalidConfig = errors.New("dw1000: invalid configuration")

// Validate 检查每个字段是否在手册规定的范围内
func (c *PhyConfig) Validate() error {
	switch c.Channel {
	case 1, 2, 3, 4, 5, 7:
	default:
		return errors.Wrapf(ErrInvalidConfig, "channel %d", c.Channel)
	}
	if c.DataRate > Rate6M8 {
		return errors.Wrapf(ErrInvalidConfig, "data rate %d", c.DataRate)
	}
	if c.PAC > PAC64 {
		return errors.Wrapf(ErrInvalidConfig, "pac %d", c.PAC)
	}
	var lo, hi uint8
	switch c.PRF {
	case PRF16M:
		lo, hi = 1, 8
	case PRF64M:
		lo, hi = 9, 24
	default:
		return errors.Wrapf(ErrInvalidConfig, "prf %d", c.PRF)
	}
	if c.TxCode < lo || c.TxCode > hi {
		return errors.Wrapf(ErrInvalidConfig, "tx preamble code %d for %v", c.TxCode, c.PRF)
	}
	if c.RxCode < lo || c.RxCode > hi {
		return errors.Wrapf(ErrInvalidConfig, "rx preamble code %d for %v", c.RxCode, c.PRF)
	}
	if !c.PreambleLength.valid() {
		return errors.Wrapf(ErrInvalidConfig, "preamble length %#x", uint8(c.PreambleLength))
	}
	if c.PHRMode != PHRStandard && c.PHRMode != PHRExtended {
		return errors.Wrapf(ErrInvalidConfig, "phr mode %d", c.PHRMode)
	}
	return nil
}

// 按信道索引的查找表, 顺序为信道 1, 2, 3, 4, 5, 7
var chanIdx = [8]int{0, 0, 1, 2, 3, 4, 0, 5}

var (
	txConfig  = [6]uint32{0x00005C40, 0x00045CA0, 0x00086CC0, 0x00045C80, 0x001E3FE0, 0x001E7DE0}
	fsPLLCfg  = [6]uint32{0x09000407, 0x08400508, 0x08401009, 0x08400508, 0x0800041D, 0x0800041D}
	fsPLLTune = [6]uint8{0x1E, 0x26, 0x56, 0x26, 0xBE, 0xBE}
)

// DW non-standard SFD length for 110k, 850k and 6M8.
var dwnsSFDLen = [3]uint8{64, 16, 8}

// SFD threshold, [data rate][standard, non-standard]
var sftsh = [3][2]uint16{
	{0x000A, 0x0016},
	{0x0001, 0x0006},
	{0x0001, 0x0002},
}

var dtune1 = [2]uint16{0x0087, 0x008D}

var digitalBBConfig = [2][4]uint32{
	{0x311A002D, 0x331A0052, 0x351A009A, 0x371A011D},
	{0x313B006B, 0x333B00BE, 0x353B015E, 0x373B0296},
}

var agcTune1 = [2]uint16{AGCTune1PRF16, AGCTune1PRF64}

var ldeCfg2 = [2]uint16{LDECfg2PRF16, LDECfg2PRF64}

// LDE replica coefficients by preamble code, code 0 unused.
var ldeReplicaCoeff = [25]uint16{
	0,
	0x5998, 0x5998, 0x51EA, 0x428E, 0x451E, 0x2E14, 0x8000, 0x51EA,
	0x28F4, 0x3332, 0x3AE0, 0x3D70, 0x3AE0, 0x35C2, 0x2B84, 0x35C2,
	0x3332, 0x35C2, 0x35C2, 0x47AE, 0x3AE0, 0x3850, 0x30A2, 0x3850,
}
