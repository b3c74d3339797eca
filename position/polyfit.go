package position

import (
	"github.com/pkg/errors"
	"github.com/skelterjohn/go.matrix"
)

// Polyfit 最小二乘拟合 degree 次多项式, 返回的系数 c[i] 对应 x^i
//
// 结果可以直接传给 rng.PolyBias。
func Polyfit(x, y []float64, degree int) ([]float64, error) {
	if len(x) != len(y) {
		return nil, errors.Errorf("position: polyfit: %d x values, %d y values", len(x), len(y))
	}
	if degree < 0 || len(x) <= degree {
		return nil, errors.Errorf("position: polyfit: %d points for degree %d", len(x), degree)
	}
	v := matrix.Zeros(len(x), degree+1)
	ys := matrix.Zeros(len(y), 1)
	for r := range x {
		p := 1.0
		for c := 0; c <= degree; c++ {
			v.Set(r, c, p)
			p *= x[r]
		}
		ys.Set(r, 0, y[r])
	}
	vt := v.Transpose()
	inv, err := matrix.Product(vt, v).Inverse()
	if err != nil {
		return nil, errors.Wrap(err, "position: polyfit")
	}
	sol := matrix.Product(matrix.Product(inv, vt), ys)
	coeffs := make([]float64, degree+1)
	for c := range coeffs {
		coeffs[c] = sol.Get(c, 0)
	}
	return coeffs, nil
}

// Polyval 计算 Polyfit 系数在 x 处的值
func Polyval(coeffs []float64, x float64) float64 {
	var v float64
	for i := len(coeffs) - 1; i >= 0; i-- {
		v = v*x + coeffs[i]
	}
	return v
}
