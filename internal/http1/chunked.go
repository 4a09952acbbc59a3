package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxChunkSizeDigits bounds the hex size so it always fits in an int64.
const maxChunkSizeDigits = 15

var errLineTooLong = errors.New("line too long")

// readLine reads one line terminated by CRLF (a bare LF is tolerated) and
// returns it without the terminator. io.EOF is returned only when the stream
// ends before the first byte of the line; a line cut short by EOF reports
// io.ErrUnexpectedEOF.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		sb.WriteByte(b)
		// +1 leaves room for the CR that precedes LF.
		if limit > 0 && sb.Len() > limit+1 {
			return "", errLineTooLong
		}
	}
	line := sb.String()
	line = strings.TrimSuffix(line, "\r")
	if limit > 0 && len(line) > limit {
		return "", errLineTooLong
	}
	return line, nil
}

// chunkedReader decodes a Transfer-Encoding: chunked body.
type chunkedReader struct {
	br      *bufio.Reader
	maxLine int
	remain  int64 // bytes left in the current chunk; 0 means a size line is next
	done    bool
	err     error // sticky
	trailer *Header
}

func newChunkedReader(br *bufio.Reader, maxLine int) *chunkedReader {
	return &chunkedReader{br: br, maxLine: maxLine, trailer: NewHeader()}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}
	if c.remain == 0 {
		size, err := c.readSize()
		if err != nil {
			c.err = err
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailer(); err != nil {
				c.err = err
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.br.Read(p)
	c.remain -= int64(n)
	if err != nil {
		if err == io.EOF {
			err = newProtocolError(ErrTruncatedBody, io.ErrUnexpectedEOF, "connection closed with %d bytes of chunk data outstanding", c.remain)
		}
		c.err = err
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			c.err = err
			return n, err
		}
	}
	return n, nil
}

func (c *chunkedReader) lineError(err error, what string) error {
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		return newProtocolError(ErrTruncatedBody, io.ErrUnexpectedEOF, "connection closed while reading %s", what)
	case errLineTooLong:
		return newProtocolError(ErrMalformedChunk, nil, "%s exceeds %d bytes", what, c.maxLine)
	}
	return err
}

func (c *chunkedReader) readSize() (int64, error) {
	line, err := readLine(c.br, c.maxLine)
	if err != nil {
		return 0, c.lineError(err, "chunk size line")
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimRight(line, " \t")
	if line == "" || len(line) > maxChunkSizeDigits {
		return 0, newProtocolError(ErrMalformedChunk, nil, "invalid chunk size %q", line)
	}
	n, err := strconv.ParseUint(line, 16, 63)
	if err != nil {
		return 0, newProtocolError(ErrMalformedChunk, nil, "invalid chunk size %q", line)
	}
	return int64(n), nil
}

func (c *chunkedReader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(c.br, crlf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return newProtocolError(ErrTruncatedBody, io.ErrUnexpectedEOF, "connection closed before chunk terminator")
		}
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return newProtocolError(ErrMalformedChunk, nil, "chunk data longer than declared size")
	}
	return nil
}

func (c *chunkedReader) readTrailer() error {
	for {
		line, err := readLine(c.br, c.maxLine)
		if err != nil {
			return c.lineError(err, "trailer")
		}
		if line == "" {
			return nil
		}
		name, value, ok := splitHeaderLine(line)
		if !ok {
			return newProtocolError(ErrMalformedChunk, nil, "invalid trailer line %q", line)
		}
		c.trailer.Add(name, value)
	}
}

// ChunkedWriter encodes everything written to it as HTTP/1.1 chunks.
// Close writes the terminating zero-size chunk; it does not close the
// underlying writer.
type ChunkedWriter struct {
	w      io.Writer
	closed bool
}

// NewChunkedWriter returns a ChunkedWriter writing to w.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// Write emits p as a single chunk. Empty writes are dropped because a zero
// size chunk would terminate the body.
func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, errors.New("http1: write on closed chunked writer")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(cw.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the last chunk and an empty trailer.
func (cw *ChunkedWriter) Close() error {
	return cw.CloseWithTrailer(nil)
}

// CloseWithTrailer writes the last chunk followed by the given trailer fields.
func (cw *ChunkedWriter) CloseWithTrailer(trailer *Header) error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	var sb strings.Builder
	sb.WriteString("0\r\n")
	for _, f := range trailer.Fields() {
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(cw.w, sb.String())
	return err
}
