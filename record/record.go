// Package record 把测距结果记录为CBOR序列, 供离线回放和偏差拟合
package record

import (
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/IndoorPosSquad/dw1000-twr/rng"
)

// Entry 是日志中的一条记录
type Entry struct {
	// UnixNano is the host wall clock when the entry was written.
	UnixNano int64      `cbor:"1,keyasint"`
	Node     string     `cbor:"2,keyasint,omitempty"`
	Result   rng.Result `cbor:"3,keyasint"`
	Err      string     `cbor:"4,keyasint,omitempty"`
}

// Time 返回记录的主机时间
func (e *Entry) Time() time.Time {
	return time.Unix(0, e.UnixNano)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// Writer 可以被多个协程同时使用
type Writer struct {
	mu   sync.Mutex
	enc  *cbor.Encoder
	node string
	now  func() time.Time
}

// NewWriter 创建写入 w 的日志, node 标识本机
func NewWriter(w io.Writer, node string) *Writer {
	return &Writer{enc: encMode.NewEncoder(w), node: node, now: time.Now}
}

// Write 写入一条记录, UnixNano 为零时填入当前时间
func (w *Writer) Write(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.UnixNano == 0 {
		e.UnixNano = w.now().UnixNano()
	}
	if e.Node == "" {
		e.Node = w.node
	}
	if err := w.enc.Encode(e); err != nil {
		return errors.Wrap(err, "record: encode")
	}
	return nil
}

// WriteResult 记录一次测距结果, err 不为 nil 时记录失败原因
func (w *Writer) WriteResult(r rng.Result, err error) error {
	e := Entry{Result: r}
	if err != nil {
		e.Err = err.Error()
	}
	return w.Write(e)
}

// countingReader 记录从底层读出的字节数
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Reader 顺序读取记录
type Reader struct {
	src *countingReader
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	src := &countingReader{r: r}
	return &Reader{src: src, dec: decMode.NewDecoder(src)}
}

// Next 返回下一条记录, 结束时返回 io.EOF; 日志在一条记录中间结束时返回
// io.ErrUnexpectedEOF
func (r *Reader) Next() (Entry, error) {
	var e Entry
	if err := r.dec.Decode(&e); err != nil {
		if err == io.EOF {
			// the decoder reports a partial trailing item as a plain EOF
			if int64(r.dec.NumBytesRead()) < r.src.n {
				return e, errors.Wrapf(io.ErrUnexpectedEOF, "record: %d trailing bytes", r.src.n-int64(r.dec.NumBytesRead()))
			}
			return e, err
		}
		return e, errors.Wrap(err, "record: decode")
	}
	return e, nil
}

// ReadAll 读出全部记录
func ReadAll(r io.Reader) ([]Entry, error) {
	rd := NewReader(r)
	var out []Entry
	for {
		e, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
