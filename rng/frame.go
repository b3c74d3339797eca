package rng

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Mode 是测距帧的编码, 同时表示测距交互所处的阶段
type Mode uint16

const (
	Invalid Mode = iota
	SSTWR
	SSTWRT1
	SSTWRFinal
	SSTWREnd
	DSTWR
	DSTWRT1
	DSTWRT2
	DSTWRFinal
	DSTWREnd
	DSTWRExt
	DSTWRExtT1
	DSTWRExtT2
	DSTWRExtFinal
	DSTWRExtEnd
	ProvisionStart
	ProvisionResp
)

var modeNames = [...]string{
	"invalid",
	"ss_twr", "ss_twr_t1", "ss_twr_final", "ss_twr_end",
	"ds_twr", "ds_twr_t1", "ds_twr_t2", "ds_twr_final", "ds_twr_end",
	"ds_twr_ext", "ds_twr_ext_t1", "ds_twr_ext_t2", "ds_twr_ext_final", "ds_twr_ext_end",
	"provision_start", "provision_resp",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint16(m))
}

// 帧布局长度, 不包括2字节CRC
const (
	RequestLen  = 11
	ResponseLen = 19
	FinalLen    = 27
	// MaxPayloadSize 是扩展帧应用负载的上限
	MaxPayloadSize = 48
	ExtendedLen    = FinalLen + MaxPayloadSize
	RecordLen      = 44

	// FrameControl: data frame, PAN ID compression, 16 bit addresses.
	FrameControl = 0x8841
	// Broadcast 是广播短地址
	Broadcast = 0xFFFF
)

// ErrShortFrame 表示接收到的帧比其编码要求的布局短
var ErrShortFrame = errors.New("rng: frame too short")

// Layout 返回编码 m 的帧在空中的长度(不含CRC), 结束状态返回0
func Layout(m Mode) int {
	switch m {
	case SSTWR, DSTWR, DSTWRExt, ProvisionStart, ProvisionResp:
		return RequestLen
	case SSTWRT1, DSTWRT1, DSTWRExtT1:
		return ResponseLen
	case SSTWRFinal, DSTWRT2, DSTWRFinal:
		return FinalLen
	case DSTWRExtT2, DSTWRExtFinal:
		return ExtendedLen
	}
	return 0
}

// Frame 是测距帧, 时间戳只保留40位时钟的低32位
type Frame struct {
	FrameControl uint16
	Seq          uint8
	PANID        uint16
	Dst          uint16
	Src          uint16
	Code         Mode

	Reception    uint32
	Transmission uint32
	Request      uint32
	Response     uint32

	Payload [MaxPayloadSize]byte
}

// Encode 按编码对应的布局把帧写入 b, 返回写入的字节数
func (f *Frame) Encode(b []byte) (int, error) {
	n := Layout(f.Code)
	if n == 0 {
		return 0, errors.Errorf("rng: no frame layout for %v", f.Code)
	}
	if len(b) < n {
		return 0, errors.Errorf("rng: encode %v: buffer %d < %d", f.Code, len(b), n)
	}
	le := binary.LittleEndian
	le.PutUint16(b[0:], f.FrameControl)
	b[2] = f.Seq
	le.PutUint16(b[3:], f.PANID)
	le.PutUint16(b[5:], f.Dst)
	le.PutUint16(b[7:], f.Src)
	le.PutUint16(b[9:], uint16(f.Code))
	if n >= ResponseLen {
		le.PutUint32(b[11:], f.Reception)
		le.PutUint32(b[15:], f.Transmission)
	}
	if n >= FinalLen {
		le.PutUint32(b[19:], f.Request)
		le.PutUint32(b[23:], f.Response)
	}
	if n == ExtendedLen {
		copy(b[FinalLen:], f.Payload[:])
	}
	return n, nil
}

// Decode 解析 b 中的帧, 布局由帧中的编码决定
func (f *Frame) Decode(b []byte) error {
	if len(b) < RequestLen {
		return errors.Wrapf(ErrShortFrame, "%d bytes", len(b))
	}
	le := binary.LittleEndian
	f.FrameControl = le.Uint16(b[0:])
	f.Seq = b[2]
	f.PANID = le.Uint16(b[3:])
	f.Dst = le.Uint16(b[5:])
	f.Src = le.Uint16(b[7:])
	f.Code = Mode(le.Uint16(b[9:]))
	n := Layout(f.Code)
	if len(b) < n {
		return errors.Wrapf(ErrShortFrame, "%v needs %d bytes, got %d", f.Code, n, len(b))
	}
	if n >= ResponseLen {
		f.Reception = le.Uint32(b[11:])
		f.Transmission = le.Uint32(b[15:])
	}
	if n >= FinalLen {
		f.Request = le.Uint32(b[19:])
		f.Response = le.Uint32(b[23:])
	}
	if n == ExtendedLen {
		copy(f.Payload[:], b[FinalLen:n])
	}
	return nil
}

// Record 是扩展帧携带的测量记录
type Record struct {
	UTime             uint64     `cbor:"1,keyasint"`
	Spherical         [3]float32 `cbor:"2,keyasint"` // range, azimuth, zenith
	SphericalVariance [3]float32 `cbor:"3,keyasint"`
	Cartesian         [3]float32 `cbor:"4,keyasint"` // x, y, z
}

// SetRecord 把 r 编码进负载, 负载其余部分清零
func (f *Frame) SetRecord(r Record) {
	f.Payload = [MaxPayloadSize]byte{}
	le := binary.LittleEndian
	le.PutUint64(f.Payload[0:], r.UTime)
	off := 8
	for _, t := range [...]*[3]float32{&r.Spherical, &r.SphericalVariance, &r.Cartesian} {
		for _, v := range t {
			le.PutUint32(f.Payload[off:], math.Float32bits(v))
			off += 4
		}
	}
}

// Record 从负载解析测量记录
func (f *Frame) Record() Record {
	var r Record
	le := binary.LittleEndian
	r.UTime = le.Uint64(f.Payload[0:])
	off := 8
	for _, t := range [...]*[3]float32{&r.Spherical, &r.SphericalVariance, &r.Cartesian} {
		for i := range t {
			t[i] = math.Float32frombits(le.Uint32(f.Payload[off:]))
			off += 4
		}
	}
	return r
}
