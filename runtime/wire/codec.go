package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

type (
	// Encoder writes events as server-sent event frames. When the underlying
	// writer implements http.Flusher every frame is flushed as it is written.
	Encoder struct {
		w       io.Writer
		flusher http.Flusher
	}

	// FrameReader splits a server-sent event stream into blank-line terminated
	// blocks and returns the joined data payload of each block. Comment lines
	// and fields other than data are ignored.
	FrameReader struct {
		scanner *bufio.Scanner
	}

	// Decoder reads typed events from a server-sent event stream.
	Decoder struct {
		frames *FrameReader
	}
)

const maxFrameSize = 4 << 20

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes one event frame.
func (e *Encoder) Encode(ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type(), err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// NewFrameReader returns a frame reader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &FrameReader{scanner: s}
}

// Next returns the data payload of the next block that carries data. It
// returns io.EOF once the stream ends; a trailing block without its blank
// line terminator is still returned.
func (f *FrameReader) Next() ([]byte, error) {
	var (
		data    [][]byte
		hasData bool
	)
	for f.scanner.Scan() {
		line := bytes.TrimSuffix(f.scanner.Bytes(), []byte("\r"))
		if len(line) == 0 {
			if hasData {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		data = append(data, append([]byte(nil), value...))
		hasData = true
	}
	if err := f.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if hasData {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{frames: NewFrameReader(r)}
}

// Next returns the next event or io.EOF at the end of the stream.
func (d *Decoder) Next() (Event, error) {
	data, err := d.frames.Next()
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
