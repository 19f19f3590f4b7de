// Package ctlproto implements the shell control protocol: the framed
// socket protocol between an external shell integration and the engine.
// Adapted from the teacher's pkg/protocol length-prefixed framing, but
// re-keyed to the six message ids this system defines instead of the
// teacher's stdout/stderr/exit/cancel stream types, and extended to carry
// an optional file descriptor (via SCM_RIGHTS) for SETUP_DONE.
package ctlproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Message ids recognized on the control socket.
const (
	SetupDone    int32 = 1
	Command      int32 = 2
	ReturnValue  int32 = 3
	LogMessage   int32 = 4
	ClearEvents  int32 = 5
	Empty        int32 = 6 // synthetic: peer closed, never sent on the wire
)

// RecvBufferSize is the nominal socket receive buffer this protocol is
// sized against. Frames larger than RecvBufferSize-OversizeMargin are
// accepted but logged, per the protocol's tolerance rule — never rejected.
const (
	RecvBufferSize = 212992 // typical Linux SO_RCVBUF default
	OversizeMargin = 10 * 1024
)

// Frame is one message on the control socket.
type Frame struct {
	MsgID   int32
	Payload []byte
	Fd      int // valid only for SetupDone; -1 otherwise
}

// IsOversized reports whether payload crosses the tolerance threshold.
func IsOversized(payload []byte) bool {
	return len(payload) > RecvBufferSize-OversizeMargin
}

// WriteFrame writes a length-prefixed frame: [4-byte BE msgId][4-byte BE
// length][payload]. Use WriteSetupDone for the one frame that carries a
// descriptor.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(f.MsgID))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a length-prefixed frame. io.EOF surfaces verbatim so
// callers can translate a clean peer close into the synthetic Empty
// message.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	msgID := int32(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint32(hdr[4:8])

	f := Frame{MsgID: msgID, Fd: -1}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return f, nil
}

// WriteSetupDone sends the SETUP_DONE frame: the rendezvous pid encoded as
// a 4-byte big-endian payload, plus the root-dir fd passed out-of-band via
// SCM_RIGHTS.
func WriteSetupDone(conn *net.UnixConn, rendezvousPid int32, rootFd int) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(rendezvousPid))

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(SetupDone))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	msg := append(hdr[:], payload...)
	rights := unix.UnixRights(rootFd)
	_, _, err := conn.WriteMsgUnix(msg, rights, nil)
	if err != nil {
		return fmt.Errorf("write setup-done: %w", err)
	}
	return nil
}

// ReadSetupDone reads a SETUP_DONE frame and extracts the passed fd.
func ReadSetupDone(conn *net.UnixConn) (rendezvousPid int32, rootFd int, err error) {
	buf := make([]byte, 8+4)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, -1, fmt.Errorf("read setup-done: %w", err)
	}
	if n < 12 {
		return 0, -1, fmt.Errorf("read setup-done: short frame (%d bytes)", n)
	}
	msgID := int32(binary.BigEndian.Uint32(buf[0:4]))
	if msgID != SetupDone {
		return 0, -1, fmt.Errorf("read setup-done: unexpected msgId %d", msgID)
	}
	rendezvousPid = int32(binary.BigEndian.Uint32(buf[8:12]))

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		return rendezvousPid, -1, fmt.Errorf("read setup-done: no descriptor received")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return rendezvousPid, -1, fmt.Errorf("read setup-done: parse rights: %w", err)
	}
	return rendezvousPid, fds[0], nil
}

// ProtocolError reports a malformed frame or an unexpected message
// sequence. Per the error-handling policy these are logged and the loop
// continues; they are never fatal on their own.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
