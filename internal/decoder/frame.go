package decoder

import (
	"fmt"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/blob"
	"github.com/faanross/pixelvault/internal/carrier"
)

// ExtractState is the position of a FrameExtractor in the two-phase read.
type ExtractState int

const (
	// HeaderPending: the frame size is unknown; header bytes are read
	// forward until blob.Measure can compute it.
	HeaderPending ExtractState = iota
	// BodyPending: the frame size is known; the rest is read in one go.
	BodyPending
	// Done: the frame has been read and unpacked, or extraction failed.
	Done
)

func (s ExtractState) String() string {
	switch s {
	case HeaderPending:
		return "HeaderPending"
	case BodyPending:
		return "BodyPending"
	case Done:
		return "Done"
	}
	return fmt.Sprintf("ExtractState(%d)", int(s))
}

// FrameExtractor recovers a frame of unknown length from a ByteSource. It
// reads only forward and never past the end of a well-formed frame. A
// source that does not start with a frame is rejected after
// blob.FixedPrefixSize bytes.
type FrameExtractor struct {
	src    ByteSource
	state  ExtractState
	prefix []byte
	total  int
}

// NewFrameExtractor returns an extractor in the HeaderPending state.
func NewFrameExtractor(src ByteSource) *FrameExtractor {
	return &FrameExtractor{src: src, state: HeaderPending}
}

// State returns the current state.
func (fe *FrameExtractor) State() ExtractState {
	return fe.state
}

// BytesRead returns how many bytes have been pulled from the source.
func (fe *FrameExtractor) BytesRead() int {
	return len(fe.prefix)
}

// Step advances the machine by one transition.
func (fe *FrameExtractor) Step() error {
	switch fe.state {
	case HeaderPending:
		return fe.stepHeader()
	case BodyPending:
		return fe.stepBody()
	}
	return nil
}

func (fe *FrameExtractor) stepHeader() error {
	m, err := blob.Measure(fe.prefix)
	if err != nil {
		return fe.fail(err)
	}
	if m.Complete() {
		fe.total = m.Total
		fe.state = BodyPending
		log.V(2).Infof("frame header read (%d bytes), frame is %d bytes", len(fe.prefix), fe.total)
		return nil
	}
	return fe.readUpTo(m.Need)
}

func (fe *FrameExtractor) stepBody() error {
	if err := fe.readUpTo(fe.total); err != nil {
		return err
	}
	fe.state = Done
	return nil
}

// readUpTo extends the prefix to n bytes. A frame that declares more than
// the source holds is corrupt; nothing is read in that case.
func (fe *FrameExtractor) readUpTo(n int) error {
	more := n - len(fe.prefix)
	if more > fe.src.Remaining() {
		return fe.fail(fmt.Errorf("frame needs %d more bytes, carrier holds %d: %w",
			more, fe.src.Remaining(), blob.ErrCorruptFrame))
	}
	b, err := fe.src.ReadBytes(more)
	if err != nil {
		return fe.fail(err)
	}
	fe.prefix = append(fe.prefix, b...)
	return nil
}

func (fe *FrameExtractor) fail(err error) error {
	fe.state = Done
	return err
}

// Run drives the machine to completion and unpacks the frame.
func (fe *FrameExtractor) Run() (*blob.Frame, error) {
	for fe.state != Done {
		if err := fe.Step(); err != nil {
			return nil, err
		}
	}
	return blob.Unpack(fe.prefix)
}

// ExtractFrame reads the hidden frame out of c.
func ExtractFrame(c *carrier.Carrier) (*blob.Frame, error) {
	r := NewChannelReader(c)
	if r.Remaining() < blob.FixedPrefixSize {
		return nil, fmt.Errorf("carrier holds %d bytes, too small for a frame: %w",
			r.Remaining(), blob.ErrInvalidFormat)
	}
	return NewFrameExtractor(r).Run()
}
