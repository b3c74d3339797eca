// Package position 根据到三个基站的距离解算标签坐标
package position

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/skelterjohn/go.matrix"
)

// ErrDegenerate 表示三个基站共线, 无法建立坐标系
var ErrDegenerate = errors.New("position: anchors are collinear")

// Node 是一个三维坐标, 单位为米
type Node struct {
	X, Y, Z float64
}

func (n Node) String() string {
	return fmt.Sprintf("(%3.2f, %3.2f, %3.2f)", n.X, n.Y, n.Z)
}

func (n Node) sub(m Node) Node { return Node{n.X - m.X, n.Y - m.Y, n.Z - m.Z} }

func (n Node) dot(m Node) float64 { return n.X*m.X + n.Y*m.Y + n.Z*m.Z }

func (n Node) scale(k float64) Node { return Node{n.X * k, n.Y * k, n.Z * k} }

func (n Node) cross(m Node) Node {
	return Node{n.Y*m.Z - n.Z*m.Y, n.Z*m.X - n.X*m.Z, n.X*m.Y - n.Y*m.X}
}

// Distance 返回两点间的距离
func Distance(a, b Node) float64 {
	d := b.sub(a)
	return math.Sqrt(d.dot(d))
}

// Solver 保存基站坐标以及每个基站的距离偏移
//
// 解出的点位于基站平面 AB x AC 法向量一侧, 基站装在天花板上时
// 交换 B 和 C 即可。
type Solver struct {
	A, B, C Node
	Offset  [3]float64

	trans    *matrix.DenseMatrix // rows are the local x, y, z unit vectors
	d, i, j  float64
	prepared bool
}

// NewSolver 计算基站坐标系的变换矩阵
func NewSolver(a, b, c Node) (*Solver, error) {
	s := &Solver{A: a, B: b, C: c}
	if err := s.prepare(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Solver) prepare() error {
	ab := s.B.sub(s.A)
	ac := s.C.sub(s.A)
	s.d = math.Sqrt(ab.dot(ab))
	if s.d == 0 {
		return ErrDegenerate
	}
	ex := ab.scale(1 / s.d)
	s.i = ex.dot(ac)
	ey := ac.sub(ex.scale(s.i))
	s.j = math.Sqrt(ey.dot(ey))
	if s.j < 1e-9*s.d {
		return ErrDegenerate
	}
	ey = ey.scale(1 / s.j)
	ez := ex.cross(ey)

	s.trans = matrix.Zeros(3, 3)
	for r, v := range []Node{ex, ey, ez} {
		s.trans.Set(r, 0, v.X)
		s.trans.Set(r, 1, v.Y)
		s.trans.Set(r, 2, v.Z)
	}
	s.prepared = true
	return nil
}

// Solve 由到 A、B、C 的距离解算坐标
//
// 测距噪声使三个球面没有交点时, 高度取0。
func (s *Solver) Solve(p1, p2, p3 float64) (Node, error) {
	if !s.prepared {
		if err := s.prepare(); err != nil {
			return Node{}, err
		}
	}
	p1 += s.Offset[0]
	p2 += s.Offset[1]
	p3 += s.Offset[2]

	x := (p1*p1 - p2*p2 + s.d*s.d) / (2 * s.d)
	y := (p1*p1-p3*p3+s.i*s.i+s.j*s.j)/(2*s.j) - s.i/s.j*x
	z := 0.0
	if h := p1*p1 - x*x - y*y; h > 0 {
		z = math.Sqrt(h)
	}

	local := matrix.Zeros(1, 3)
	local.Set(0, 0, x)
	local.Set(0, 1, y)
	local.Set(0, 2, z)
	pos := matrix.Product(local, s.trans)
	return Node{X: s.A.X + pos.Get(0, 0), Y: s.A.Y + pos.Get(0, 1), Z: s.A.Z + pos.Get(0, 2)}, nil
}
