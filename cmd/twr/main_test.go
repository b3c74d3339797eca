package main

import (
	"bytes"
	"io"
	"math"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/IndoorPosSquad/dw1000-twr/record"
	"github.com/IndoorPosSquad/dw1000-twr/rng"
)

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestLogResult(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	logResult(nil, log, rng.Result{}, nil)
	logResult(record.NewWriter(failWriter{}, "n"), log, rng.Result{Peer: 2}, rng.ErrTimeout)
	if !bytes.Contains(logs.Bytes(), []byte("result log")) {
		t.Errorf("write failure not logged:\n%s", logs.String())
	}

	var buf bytes.Buffer
	logResult(record.NewWriter(&buf, "n"), log, rng.Result{Peer: 2}, rng.ErrTimeout)
	got, err := record.ReadAll(&buf)
	if err != nil || len(got) != 1 || got[0].Err != rng.ErrTimeout.Error() {
		t.Errorf("logged %+v, %v", got, err)
	}
}

func TestParseFlags(t *testing.T) {
	if a, err := parseAddr("0x0102"); err != nil || a != 0x0102 {
		t.Errorf("parseAddr = %#x, %v", a, err)
	}
	_, err := parseAddr("0x10000")
	var ne *strconv.NumError
	if !errors.As(err, &ne) {
		t.Errorf("parseAddr(0x10000) = %v", err)
	}
	f, err := parseBias("0.5, 0.01")
	if err != nil || math.Abs(f(-80)+0.3) > 1e-12 {
		t.Errorf("parseBias: %v", err)
	}
	if f, err := parseBias(""); f != nil || err != nil {
		t.Errorf("parseBias(\"\") = %v, %v", f, err)
	}
	if _, err := parseBias("1,x"); err == nil {
		t.Error("bad coefficient accepted")
	}
}
