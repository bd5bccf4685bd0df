package feedback

import (
	"bytes"
	"log/slog"
	"regexp"
	"strconv"
)

// Frame delimiters.
const (
	STX byte = 0x02
	ETX byte = 0x03
)

var (
	typeMarker = regexp.MustCompile(`"type":\s*"([^"]+)"`)
	idMarker   = regexp.MustCompile(`"id":\s*(\d+)`)
)

// Mangled describes bytes that could not be framed.
type Mangled struct {
	Data []byte
	// Type and ID are filled when the fragment still shows them.
	Type  string
	ID    int
	HasID bool
	// Position is the number of frames Feed returned before this fragment
	// in the same call, so callers can keep stream order.
	Position int
}

// Recover returns the message a mangled fragment most likely was. Only
// id-only messages can be rebuilt; state reports are lost.
func (m Mangled) Recover() (Message, bool) {
	if !m.HasID {
		return nil, false
	}
	switch m.Type {
	case TypeCommandFinished:
		return &CommandFinished{ID: m.ID}, true
	case TypeInterpreterCleared:
		return &InterpreterCleared{ID: m.ID}, true
	}
	return nil, false
}

// Framer reassembles STX/ETX delimited payloads from a byte stream. It
// is not safe for concurrent use; each connection owns one.
type Framer struct {
	buf     []byte
	inFrame bool
	logger  *slog.Logger
}

// NewFramer creates a framer.
func NewFramer(logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Framer{logger: logger}
}

// Feed consumes one read and returns the complete payloads it finished,
// plus any fragments that had to be discarded.
func (f *Framer) Feed(chunk []byte) (frames [][]byte, mangled []Mangled) {
	for len(chunk) > 0 {
		if !f.inFrame {
			start := bytes.IndexByte(chunk, STX)
			if start < 0 {
				// Stray bytes outside any frame.
				mangled = f.discard(mangled, chunk, len(frames))
				return frames, mangled
			}
			if start > 0 {
				mangled = f.discard(mangled, chunk[:start], len(frames))
			}
			f.inFrame = true
			f.buf = f.buf[:0]
			chunk = chunk[start+1:]
			continue
		}

		end := bytes.IndexAny(chunk, string([]byte{STX, ETX}))
		if end < 0 {
			f.buf = append(f.buf, chunk...)
			return frames, mangled
		}

		if chunk[end] == STX {
			// A new frame started before the previous one ended.
			f.buf = append(f.buf, chunk[:end]...)
			mangled = f.discard(mangled, f.buf, len(frames))
			f.buf = f.buf[:0]
			chunk = chunk[end+1:]
			continue
		}

		f.buf = append(f.buf, chunk[:end]...)
		frame := make([]byte, len(f.buf))
		copy(frame, f.buf)
		frames = append(frames, frame)
		f.buf = f.buf[:0]
		f.inFrame = false
		chunk = chunk[end+1:]
	}
	return frames, mangled
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (f *Framer) Pending() int {
	return len(f.buf)
}

func (f *Framer) discard(mangled []Mangled, data []byte, position int) []Mangled {
	if len(bytes.TrimSpace(data)) == 0 {
		return mangled
	}

	m := Mangled{Data: append([]byte(nil), data...), Position: position}
	if match := typeMarker.FindSubmatch(data); match != nil {
		m.Type = string(match[1])
	}
	if match := idMarker.FindSubmatch(data); match != nil {
		if id, err := strconv.Atoi(string(match[1])); err == nil {
			m.ID = id
			m.HasID = true
		}
	}

	if m.Type != "" {
		f.logger.Warn("discarding mangled feedback frame", "type", m.Type, "id", m.ID, "bytes", len(data))
	} else {
		f.logger.Warn("discarding unframed feedback bytes", "bytes", len(data))
	}
	return append(mangled, m)
}
