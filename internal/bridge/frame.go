package bridge

import (
	"fmt"
	"io"
	"net"
)

// FrameChannel turns one accepted audio connection into a duplex stream of
// fixed-size PCM frames. The wire format has no envelope: both ends must
// agree on the frame size or framing desyncs, so the size is fixed at
// construction from the negotiated audio format.
type FrameChannel struct {
	conn      net.Conn
	frameSize int
}

func NewFrameChannel(conn net.Conn, frameSize int) *FrameChannel {
	return &FrameChannel{conn: conn, frameSize: frameSize}
}

// ReadFrame blocks until one whole frame has been read. Short reads from the
// socket are accumulated and never surface downstream. A clean close returns
// io.EOF; a close mid-frame also returns io.EOF, dropping the trailing
// partial frame, since a torn frame is useless to the speech pipeline.
func (fc *FrameChannel) ReadFrame() ([]byte, error) {
	frame := make([]byte, fc.frameSize)
	_, err := io.ReadFull(fc.conn, frame)
	if err == io.ErrUnexpectedEOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes one whole frame to the transport.
func (fc *FrameChannel) WriteFrame(frame []byte) error {
	if len(frame) != fc.frameSize {
		return fmt.Errorf("frame size %d does not match negotiated %d bytes", len(frame), fc.frameSize)
	}
	_, err := fc.conn.Write(frame)
	return err
}

// Close shuts the underlying connection. Safe to call concurrently with a
// blocked ReadFrame, which then returns.
func (fc *FrameChannel) Close() error {
	return fc.conn.Close()
}
