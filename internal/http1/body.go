package http1

import (
	"bufio"
	"io"
)

// maxReadAllPrealloc caps the buffer ReadAll allocates up front.
const maxReadAllPrealloc = 32 << 10

// Body is the lazily read, single-pass request body. It implements io.Reader;
// once the stream has reported io.EOF (or ReadAll has returned) any further
// read fails with ErrBodyAlreadyConsumed.
type Body struct {
	src       io.Reader
	length    int64 // declared length; -1 when chunked
	chunked   *chunkedReader
	maxBytes  int64
	read      int64
	started   bool
	exhausted bool
	err       error // sticky stream error
}

func newEmptyBody() *Body { return &Body{} }

func newFixedBody(br *bufio.Reader, n int64) *Body {
	return &Body{src: &fixedReader{br: br, remain: n, total: n}, length: n}
}

func newChunkedBody(br *bufio.Reader, maxLine int, maxBytes int64) *Body {
	cr := newChunkedReader(br, maxLine)
	return &Body{src: cr, length: -1, chunked: cr, maxBytes: maxBytes}
}

// Len returns the declared body length, or -1 for a chunked body.
func (b *Body) Len() int64 { return b.length }

// Chunked reports whether the body uses chunked transfer encoding.
func (b *Body) Chunked() bool { return b.chunked != nil }

// Consumed reports whether the body has been fully read.
func (b *Body) Consumed() bool { return b.exhausted }

// Trailer returns the trailer fields of a chunked body. It is only
// populated once the body has been read to the end.
func (b *Body) Trailer() *Header {
	if b.chunked == nil || !b.exhausted {
		return NewHeader()
	}
	return b.chunked.trailer
}

func (b *Body) Read(p []byte) (int, error) {
	if b.exhausted {
		return 0, ErrBodyAlreadyConsumed
	}
	if b.err != nil {
		return 0, b.err
	}
	b.started = true
	if b.src == nil {
		b.exhausted = true
		return 0, io.EOF
	}
	n, err := b.src.Read(p)
	b.read += int64(n)
	if b.maxBytes > 0 && b.read > b.maxBytes {
		b.err = newProtocolError(ErrBodyTooLarge, nil, "chunked body exceeds %d bytes", b.maxBytes)
		return n, b.err
	}
	if err == io.EOF {
		b.exhausted = true
		return n, io.EOF
	}
	if err != nil {
		err = wrapTimeout(err)
		b.err = err
	}
	return n, err
}

// ReadAll consumes the whole body. It is the one full consumption allowed:
// calling it after the body has been read from fails with ErrBodyAlreadyConsumed.
func (b *Body) ReadAll() ([]byte, error) {
	if b.started || b.exhausted {
		return nil, ErrBodyAlreadyConsumed
	}
	// The declared length is client input; only trust it up to a point and
	// let append grow the buffer beyond that.
	size := int64(512)
	if b.length > 0 {
		size = min(b.length, maxReadAllPrealloc)
	}
	buf := make([]byte, 0, size)
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := b.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

// fixedReader yields exactly remain bytes from br and reports a TruncatedBody
// protocol error if the connection ends early.
type fixedReader struct {
	br     *bufio.Reader
	remain int64
	total  int64
}

func (f *fixedReader) Read(p []byte) (int, error) {
	if f.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.remain {
		p = p[:f.remain]
	}
	n, err := f.br.Read(p)
	f.remain -= int64(n)
	if err == io.EOF {
		if f.remain > 0 {
			return n, newProtocolError(ErrTruncatedBody, io.ErrUnexpectedEOF,
				"received %d of %d declared bytes", f.total-f.remain, f.total)
		}
		err = nil
	}
	return n, err
}
