package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Messages are carried as one or more frames. Each frame has a fixed header
// followed by a blob:
//
//	┌────────────────────────────────────────────────────┐
//	│  MessageID (8 bytes) - identifies the message      │
//	├────────────────────────────────────────────────────┤
//	│  Sequence (8 bytes) - frame index within message   │
//	├────────────────────────────────────────────────────┤
//	│  Flags (1 byte)  bit 0: first, bit 1: last         │
//	├────────────────────────────────────────────────────┤
//	│  BlobLength (4 bytes)                              │
//	├────────────────────────────────────────────────────┤
//	│  Blob (variable)                                   │
//	└────────────────────────────────────────────────────┘
//
// All integers are big-endian.

// FrameHeaderSize is the frame header size in bytes.
const FrameHeaderSize = 21

// DefaultMaxFrameSize is the default upper bound on a whole frame.
const DefaultMaxFrameSize = 32 * 1024

const (
	flagFirst = 1 << 0
	flagLast  = 1 << 1
)

const (
	defaultMaxPartial    = 64
	defaultMaxPerMessage = 4096
)

var (
	// ErrInvalidFrame is returned when a frame header is malformed.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrDuplicateFrame is returned when a sequence number repeats.
	ErrDuplicateFrame = errors.New("duplicate frame")
)

type frame struct {
	messageID uint64
	sequence  uint64
	first     bool
	last      bool
	blob      []byte
}

func (f *frame) appendTo(buf []byte) []byte {
	var hdr [FrameHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], f.messageID)
	binary.BigEndian.PutUint64(hdr[8:16], f.sequence)
	if f.first {
		hdr[16] |= flagFirst
	}
	if f.last {
		hdr[16] |= flagLast
	}
	binary.BigEndian.PutUint32(hdr[17:21], uint32(len(f.blob))) // #nosec G115 -- bounded by maxFrame
	buf = append(buf, hdr[:]...)
	return append(buf, f.blob...)
}

// readFrame reads one frame from r. Blobs larger than maxBlob are rejected
// before they are read.
func readFrame(r io.Reader, maxBlob int) (*frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[16]&^(flagFirst|flagLast) != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrInvalidFrame, hdr[16])
	}
	n := binary.BigEndian.Uint32(hdr[17:21])
	if uint64(n) > uint64(maxBlob) {
		return nil, fmt.Errorf("%w: blob of %d bytes exceeds %d", ErrFrameTooLarge, n, maxBlob)
	}

	f := &frame{
		messageID: binary.BigEndian.Uint64(hdr[0:8]),
		sequence:  binary.BigEndian.Uint64(hdr[8:16]),
		first:     hdr[16]&flagFirst != 0,
		last:      hdr[16]&flagLast != 0,
		blob:      make([]byte, n),
	}
	if _, err := io.ReadFull(r, f.blob); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return f, nil
}

// framer splits encoded messages into frames. It is not safe for concurrent
// use; Stream serialises calls under its write lock.
type framer struct {
	maxFrame int
	nextID   uint64
}

func newFramer(maxFrame int) *framer {
	if maxFrame <= FrameHeaderSize {
		maxFrame = DefaultMaxFrameSize
	}
	return &framer{maxFrame: maxFrame}
}

// encode returns the complete wire bytes for data.
func (f *framer) encode(data []byte) []byte {
	f.nextID++
	maxBlob := f.maxFrame - FrameHeaderSize

	count := (len(data) + maxBlob - 1) / maxBlob
	if count == 0 {
		count = 1
	}
	buf := make([]byte, 0, len(data)+count*FrameHeaderSize)

	for seq := 0; seq < count; seq++ {
		start := seq * maxBlob
		end := min(start+maxBlob, len(data))
		fr := frame{
			messageID: f.nextID,
			sequence:  uint64(seq), // #nosec G115 -- non-negative loop index
			first:     seq == 0,
			last:      seq == count-1,
			blob:      data[start:end],
		}
		buf = fr.appendTo(buf)
	}
	return buf
}

// assembler reassembles frames into complete messages. Limits on the number
// of partial messages and frames per message bound memory held on behalf of
// a misbehaving peer.
type assembler struct {
	partial     map[uint64]*partialMessage
	maxPartial  int
	maxPerMsg   int
	maxMsgBytes int
}

type partialMessage struct {
	blobs [][]byte
	size  int
}

func newAssembler(maxMsgBytes int) *assembler {
	return &assembler{
		partial:     make(map[uint64]*partialMessage),
		maxPartial:  defaultMaxPartial,
		maxPerMsg:   defaultMaxPerMessage,
		maxMsgBytes: maxMsgBytes,
	}
}

// add consumes a frame and returns the message bytes once the last frame
// of a message has arrived.
func (a *assembler) add(f *frame) ([]byte, error) {
	if f.first && f.last {
		if f.sequence != 0 {
			return nil, fmt.Errorf("%w: single frame with sequence %d", ErrInvalidFrame, f.sequence)
		}
		if len(f.blob) > a.maxMsgBytes {
			return nil, fmt.Errorf("%w: message %d exceeds reassembly limits", ErrFrameTooLarge, f.messageID)
		}
		return f.blob, nil
	}

	pm, ok := a.partial[f.messageID]
	if !ok {
		if !f.first || f.sequence != 0 {
			return nil, fmt.Errorf("%w: message %d does not start with a first frame", ErrInvalidFrame, f.messageID)
		}
		if len(a.partial) >= a.maxPartial {
			return nil, fmt.Errorf("too many partial messages: %d >= %d", len(a.partial), a.maxPartial)
		}
		pm = &partialMessage{}
		a.partial[f.messageID] = pm
	}

	switch {
	case f.first && len(pm.blobs) > 0:
		delete(a.partial, f.messageID)
		return nil, fmt.Errorf("%w: message %d restarted", ErrDuplicateFrame, f.messageID)
	case f.sequence < uint64(len(pm.blobs)):
		delete(a.partial, f.messageID)
		return nil, fmt.Errorf("%w: message %d sequence %d", ErrDuplicateFrame, f.messageID, f.sequence)
	case f.sequence != uint64(len(pm.blobs)):
		delete(a.partial, f.messageID)
		return nil, fmt.Errorf("%w: message %d expected sequence %d, got %d",
			ErrInvalidFrame, f.messageID, len(pm.blobs), f.sequence)
	}

	if len(pm.blobs) >= a.maxPerMsg || pm.size+len(f.blob) > a.maxMsgBytes || pm.size > math.MaxInt-len(f.blob) {
		delete(a.partial, f.messageID)
		return nil, fmt.Errorf("%w: message %d exceeds reassembly limits", ErrFrameTooLarge, f.messageID)
	}
	pm.blobs = append(pm.blobs, f.blob)
	pm.size += len(f.blob)

	if !f.last {
		return nil, nil
	}

	delete(a.partial, f.messageID)
	out := make([]byte, 0, pm.size)
	for _, b := range pm.blobs {
		out = append(out, b...)
	}
	return out, nil
}
