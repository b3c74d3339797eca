// Package slots 根据共享的32位活动掩码为各个站点分配时隙
//
// 每个站点占用掩码中的一位, 所有站点用同一个掩码就能得到一致的顺序,
// 不需要中心节点仲裁。
package slots

import (
	"math/bits"

	"github.com/pkg/errors"
)

var (
	// ErrNotSingleBit 表示参数不是恰好一位被置位
	ErrNotSingleBit = errors.New("slots: mask must have exactly one bit set")
	// ErrNotInMask 表示本站的位不在活动掩码中
	ErrNotInMask = errors.New("slots: bit not in activity mask")
)

// Mode 选择 Ordinal 的计数方式
type Mode uint8

const (
	// SlotPosition 返回本站之前(低位)活动站点的个数, 即从0开始的时隙序号
	SlotPosition Mode = iota
	// Remaining 返回包括本站在内还未轮到的站点个数
	Remaining
)

// CountSetBits 返回掩码中置位的个数
func CountSetBits(mask uint32) int {
	n := 0
	for mask != 0 {
		mask &= mask - 1
		n++
	}
	return n
}

// BitPosition 返回单个置位的位置, 最低位为0
func BitPosition(mask uint32) (int, error) {
	if mask == 0 || mask&(mask-1) != 0 {
		return 0, errors.Wrapf(ErrNotSingleBit, "%#08x", mask)
	}
	return bits.TrailingZeros32(mask), nil
}

// Ordinal 计算本站 bit 在活动掩码 mask 中的次序
func Ordinal(mask, bit uint32, mode Mode) (int, error) {
	pos, err := BitPosition(bit)
	if err != nil {
		return 0, err
	}
	if mask&bit == 0 {
		return 0, errors.Wrapf(ErrNotInMask, "bit %d, mask %#08x", pos, mask)
	}
	lower := bit - 1
	if mode == SlotPosition {
		return CountSetBits(mask & lower), nil
	}
	return CountSetBits(mask &^ lower), nil
}
