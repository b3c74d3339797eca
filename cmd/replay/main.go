// replay 回放 twr/tag 记录的CBOR日志, 并可以根据已知的真实距离拟合偏差多项式
//
// 例如:
// replay a.cbor
// replay -truth 3.0 -degree 2 a.cbor
//
// 拟合出的系数可以直接传给 twr -bias
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/exp/slog"

	"github.com/IndoorPosSquad/dw1000-twr/position"
	"github.com/IndoorPosSquad/dw1000-twr/record"
)

var (
	truth  = flag.Float64("truth", 0, "true distance in meters, enables bias fitting")
	degree = flag.Int("degree", 2, "bias polynomial degree")
	peer   = flag.Uint("peer", 0, "only entries with this peer, 0 for all")
	quiet  = flag.Bool("q", false, "do not print entries")
)

func main() {
	flag.Parse()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay [flags] log.cbor...")
		os.Exit(2)
	}

	var x, y []float64
	for _, name := range flag.Args() {
		f, err := os.Open(name)
		if err != nil {
			log.Error("open", slog.Any("err", err))
			os.Exit(1)
		}
		entries, err := record.ReadAll(f)
		f.Close()
		if err != nil {
			// 尾部可能是写了一半的记录
			log.Warn("read", slog.String("file", name), slog.Int("entries", len(entries)), slog.Any("err", err))
		}
		for _, e := range entries {
			r := e.Result
			if *peer != 0 && uint(r.Peer) != *peer {
				continue
			}
			if !*quiet {
				if e.Err != "" {
					fmt.Printf("%s %s %04x->%04x error: %s\n", e.Time().Format("15:04:05.000"), e.Node, r.Local, r.Peer, e.Err)
				} else {
					fmt.Printf("%s %s %04x->%04x %-14v seq=%3d range=%3.3f rx=%3.1f\n",
						e.Time().Format("15:04:05.000"), e.Node, r.Local, r.Peer, r.Mode, r.Seq, r.Range, r.RxPower)
				}
			}
			// 只有打开了功率读取的结果可以用来拟合
			if e.Err == "" && r.RxPower != 0 {
				x = append(x, r.RxPower)
				y = append(y, r.Range-*truth)
			}
		}
	}

	if *truth == 0 {
		return
	}
	coeffs, err := position.Polyfit(x, y, *degree)
	if err != nil {
		log.Error("fit", slog.Int("samples", len(x)), slog.Any("err", err))
		os.Exit(1)
	}
	s := make([]string, len(coeffs))
	for i, c := range coeffs {
		s[i] = fmt.Sprintf("%g", c)
	}
	fmt.Printf("samples=%d bias=%s\n", len(x), strings.Join(s, ","))
}
