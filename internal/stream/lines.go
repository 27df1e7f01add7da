package stream

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// LineAssembler turns an arbitrary chunk sequence into complete lines. The
// trailing fragment of each chunk is held until a later chunk completes it or
// Flush is called at end of stream.
type LineAssembler struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, without the line
// terminator. A trailing '\r' is trimmed from each line.
func (a *LineAssembler) Feed(chunk []byte) []string {
	a.buf = append(a.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(a.buf[:i], []byte{'\r'})))
		a.buf = a.buf[i+1:]
	}
	// Compact so a long stream does not pin its whole history.
	if len(a.buf) == 0 {
		a.buf = nil
	} else if cap(a.buf) > 4*len(a.buf)+4096 {
		a.buf = append([]byte(nil), a.buf...)
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the assembler.
func (a *LineAssembler) Flush() (string, bool) {
	if len(a.buf) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(a.buf), "\r")
	a.buf = nil
	return line, true
}

// DecodeReader wraps r so that it yields UTF-8 for the charset declared in
// contentType. UTF-8 and undeclared charsets are passed through unchanged.
// Multi-byte sequences split across reads are reassembled by the decoder.
func DecodeReader(r io.Reader, contentType string) (io.Reader, error) {
	if contentType == "" {
		return r, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return r, nil
	}
	label := params["charset"]
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return r, nil
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	if name == "utf-8" {
		return r, nil
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
