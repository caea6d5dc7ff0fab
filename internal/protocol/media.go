package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dkeye/voicerelay/internal/domain"
)

const (
	// idLen is the binary size of one UUID tag.
	idLen = 16
	// MediaHeaderLen is call_id followed by sender_id.
	MediaHeaderLen = 2 * idLen
	// DefaultMaxDatagram matches the receive buffer clients are built against.
	DefaultMaxDatagram = 4096
)

var (
	ErrMediaTooShort = errors.New("protocol: media frame too short")
	ErrMediaBadTag   = errors.New("protocol: media frame tag is not a uuid")
)

// MediaTag identifies the call and the sending party of a media frame.
// Nothing after the tag is interpreted.
type MediaTag struct {
	CallID   domain.CallID
	SenderID domain.ClientID
}

// ParseMediaTag decodes the tag of a media datagram. A frame must carry at
// least one payload byte.
func ParseMediaTag(b []byte) (MediaTag, error) {
	if len(b) <= MediaHeaderLen {
		return MediaTag{}, ErrMediaTooShort
	}
	call, err := uuid.FromBytes(b[:idLen])
	if err != nil {
		return MediaTag{}, fmt.Errorf("%w: %v", ErrMediaBadTag, err)
	}
	sender, err := uuid.FromBytes(b[idLen:MediaHeaderLen])
	if err != nil {
		return MediaTag{}, fmt.Errorf("%w: %v", ErrMediaBadTag, err)
	}
	return MediaTag{CallID: domain.CallID(call.String()), SenderID: domain.ClientID(sender.String())}, nil
}

// AppendMediaFrame appends a tagged frame carrying pcm to dst.
func AppendMediaFrame(dst []byte, tag MediaTag, pcm []byte) ([]byte, error) {
	call, err := uuid.Parse(string(tag.CallID))
	if err != nil {
		return nil, fmt.Errorf("%w: call_id: %v", ErrMediaBadTag, err)
	}
	sender, err := uuid.Parse(string(tag.SenderID))
	if err != nil {
		return nil, fmt.Errorf("%w: sender_id: %v", ErrMediaBadTag, err)
	}
	dst = append(dst, call[:]...)
	dst = append(dst, sender[:]...)
	return append(dst, pcm...), nil
}
