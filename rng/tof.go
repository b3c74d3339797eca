package rng

import (
	"math"
	"math/bits"
)

const (
	// SpeedOfLight 单位 m/s
	SpeedOfLight = 299792458.0
	// TickHz 是时间戳时钟频率, 499.2MHz*128
	TickHz = 499.2e6 * 128

	mask40 = 1<<40 - 1
)

// Sub40 计算40位时钟上 a-b 的差, 处理回绕
func Sub40(a, b uint64) uint64 {
	return (a - b) & mask40
}

// Sub32 计算帧中32位时间戳的差
func Sub32(a, b uint32) uint64 {
	return uint64(a - b)
}

// TofSS 单边测距: (round - reply)/2, 单位为时钟节拍
func TofSS(round, reply uint64) float64 {
	if round >= reply {
		return float64(round-reply) / 2
	}
	return -float64(reply-round) / 2
}

// TofDS 双边测距:
//
//	(round1*round2 - reply1*reply2) / (round1 + round2 + reply1 + reply2)
//
// 乘积用128位整数计算, 不会溢出. 区间按40位时钟取低40位
func TofDS(round1, reply1, round2, reply2 uint64) float64 {
	round1, reply1 = round1&mask40, reply1&mask40
	round2, reply2 = round2&mask40, reply2&mask40
	sum := round1 + round2 + reply1 + reply2
	if sum == 0 {
		return 0
	}
	ah, al := bits.Mul64(round1, round2)
	bh, bl := bits.Mul64(reply1, reply2)
	neg := ah < bh || (ah == bh && al < bl)
	if neg {
		ah, al, bh, bl = bh, bl, ah, al
	}
	lo, borrow := bits.Sub64(al, bl, 0)
	hi, _ := bits.Sub64(ah, bh, borrow)
	// with 40-bit operands hi < sum, so Div64 cannot panic
	q, rem := bits.Div64(hi, lo, sum)
	tof := float64(q) + float64(rem)/float64(sum)
	if neg {
		return -tof
	}
	return tof
}

// TicksToMeters 把飞行时间(时钟节拍)换算成距离
func TicksToMeters(ticks float64) float64 {
	return ticks * SpeedOfLight / TickHz
}

// MetersToTicks 是 TicksToMeters 的逆运算
func MetersToTicks(m float64) float64 {
	return m * TickHz / SpeedOfLight
}

// BiasFunc 根据接收功率(dBm)返回需要从距离中减去的偏差(米)
type BiasFunc func(rxPower float64) float64

// PolyBias 返回多项式偏差函数, coeffs[i] 是 rxPower^i 的系数
func PolyBias(coeffs ...float64) BiasFunc {
	c := append([]float64(nil), coeffs...)
	return func(p float64) float64 {
		var v float64
		for i := len(c) - 1; i >= 0; i-- {
			v = v*p + c[i]
		}
		return v
	}
}

// PathLoss 是自由空间路径损耗, 单位dB
func PathLoss(meters, hz float64) float64 {
	if meters <= 0 {
		return 0
	}
	return 20 * math.Log10(4*math.Pi*meters*hz/SpeedOfLight)
}
