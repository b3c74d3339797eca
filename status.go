package dw1000

import (
	"strings"
)

// Status 是设备状态位域, 每个条件占一位
type Status uint32

const (
	StartTxDelay Status = 1 << iota
	StartRxDelay
	RxTimeoutEnabled
	Wait4Resp
	Wait4RespDelay
	FrameFilter
	AutoAckDelay
	DoubleBuffer
	RxSyncBuf
	LongFrames
	TxRanging
	RxRanging
	SleepEnabled

	TxFrameError
	StartTxError
	StartRxError
	RxError
	RxTimeoutError
)

// ErrorFlags 是所有错误标志的并集
const ErrorFlags = TxFrameError | StartTxError | StartRxError | RxError | RxTimeoutError

var statusNames = [...]string{
	"start_tx_delay",
	"start_rx_delay",
	"rx_timeout",
	"wait4resp",
	"wait4resp_delay",
	"framefilter",
	"autoack_delay",
	"dblbuff",
	"rx_syncbuf",
	"long_frames",
	"tx_ranging",
	"rx_ranging",
	"sleep",
	"tx_frame_error",
	"start_tx_error",
	"start_rx_error",
	"rx_error",
	"rx_timeout_error",
}

// Has 判断是否所有给定的位都被置位
func (s Status) Has(bits Status) bool {
	return s&bits == bits
}

func (s *Status) set(bits Status, on bool) {
	if on {
		*s |= bits
	} else {
		*s &^= bits
	}
}

func (s Status) String() string {
	var names []string
	for i, n := range statusNames {
		if s&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
