// Package protoserver is the Multiplexer (C6) and the engine side of the
// shell control protocol (C8): a single-threaded poll loop over exactly
// two file descriptors — the fanotify notification fd and the control
// socket connected to the shell integration — plus the dispatch of the
// six message ids that protocol carries.
//
// Grounded on original_source's filewatcher.cpp's pollUntilStopped: its
// comment is explicit that fanotify events must be drained before the
// socket side is even checked for closure, so a command's final writes
// are never lost to a race between the child exiting and the shell
// sending its exit message. The peer-credential sanity check is adapted
// almost verbatim from the teacher's peercred.go SO_PEERCRED lookup.
package protoserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"cmdtrace/internal/classifier"
	"cmdtrace/internal/model"
	"cmdtrace/internal/recorder"
	"cmdtrace/pkg/ctlproto"
)

// fanotifyReadBuf is sized generously; fanotify event records are small
// and this easily holds a large burst before the next poll wakeup.
const fanotifyReadBuf = 64 * 1024

// Drainer abstracts the event source so the server doesn't need to know
// about fanotify directly — only that it can be drained into RawEvents
// and that its fd can be polled.
type Drainer interface {
	Drain(buf []byte) ([]model.RawEvent, error)
	NoteOverflow()
}

// Server runs the poll loop for one observed command.
type Server struct {
	conn    *net.UnixConn
	fanFd   int
	reader  Drainer
	cache   *classifier.Cache
	rec     *recorder.Recorder
	shellog Appender
	logger  *log.Logger

	cmd *model.CommandInfo

	unknownMsgCount int
}

// Appender is the minimal shell-log interface the server needs.
type Appender interface {
	Append(line string) error
}

// New constructs a Server. fanFd is the fanotify group's file descriptor;
// conn is the already-accepted control socket connection.
func New(conn *net.UnixConn, fanFd int, reader Drainer, cache *classifier.Cache, rec *recorder.Recorder, shellog Appender, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[protoserver] ", log.LstdFlags)
	}
	return &Server{
		conn:    conn,
		fanFd:   fanFd,
		reader:  reader,
		cache:   cache,
		rec:     rec,
		shellog: shellog,
		logger:  logger,
	}
}

// VerifyPeer checks the connecting peer's kernel-reported credentials
// against the expected uid, logging (but not rejecting — the check is a
// sanity net, not an access-control gate) on mismatch.
func VerifyPeer(conn *net.UnixConn, expectUID uint32, logger *log.Logger) {
	raw, err := conn.SyscallConn()
	if err != nil {
		logger.Printf("peer credential check: get raw connection: %v", err)
		return
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		logger.Printf("peer credential check: raw control: %v", err)
		return
	}
	if credErr != nil {
		logger.Printf("peer credential check: getsockopt SO_PEERCRED: %v", credErr)
		return
	}
	if cred.Uid != expectUID {
		logger.Printf("warning: control socket peer uid %d does not match expected uid %d", cred.Uid, expectUID)
	}
}

// Run polls fanFd and the control socket until the socket closes or an
// unrecoverable fanotify read error occurs. cmd is the command currently
// being observed; it is mutated in place (Text via COMMAND, ReturnVal via
// RETURN_VALUE, StartTime reset by CLEAR_EVENTS) and flushed through rec
// whenever the cache crosses a flush threshold and on exit. A fanotify
// read error ends the loop without the final flush.
func (s *Server) Run(ctx context.Context, cmd *model.CommandInfo) error {
	s.cmd = cmd

	sockFd, err := sockFdOf(s.conn)
	if err != nil {
		return fmt.Errorf("get control socket fd: %w", err)
	}

	pollFds := []unix.PollFd{
		{Fd: int32(s.fanFd), Events: unix.POLLIN},
		{Fd: int32(sockFd), Events: unix.POLLIN},
	}

	buf := make([]byte, fanotifyReadBuf)
	for {
		select {
		case <-ctx.Done():
			s.finalFlush()
			return ctx.Err()
		default:
		}

		n, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		// Drain fanotify first, unconditionally, before even looking at
		// the socket's readiness — a command's last writes must land in
		// the cache before its exit is processed.
		if pollFds[0].Revents&unix.POLLIN != 0 {
			if err := s.drainFanotify(buf); err != nil {
				return err
			}
		}

		if pollFds[1].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			msg, err := s.processSocketEvent()
			if err != nil {
				s.logger.Printf("socket event error: %v", err)
				continue
			}
			if msg == ctlproto.Empty {
				s.finalFlush()
				return nil
			}
		}
	}
}

func (s *Server) drainFanotify(buf []byte) error {
	events, err := s.reader.Drain(buf)
	if err != nil {
		return fmt.Errorf("drain fanotify events: %w", err)
	}
	for _, e := range events {
		switch e.Kind {
		case model.RawWrite, model.RawCloseWrite:
			s.cache.InsertWrite(e)
		default:
			s.cache.InsertRead(e)
		}
	}
	if s.cache.ShouldFlush() {
		s.flush()
	}
	return nil
}

// processSocketEvent reads and dispatches exactly one frame, returning
// ctlproto.Empty if the peer closed the connection cleanly.
func (s *Server) processSocketEvent() (int32, error) {
	f, err := ctlproto.ReadFrame(s.conn)
	if err != nil {
		return ctlproto.Empty, nil // EOF or any read failure: treat as closed
	}

	if ctlproto.IsOversized(f.Payload) {
		s.logger.Printf("warning: oversized frame (msgId=%d, %d bytes); accepting anyway", f.MsgID, len(f.Payload))
	}

	switch f.MsgID {
	case ctlproto.Command:
		s.cmd.Text = string(f.Payload)
	case ctlproto.ReturnValue:
		if len(f.Payload) >= 4 {
			s.cmd.ReturnVal = int32(binary.LittleEndian.Uint32(f.Payload))
		}
	case ctlproto.LogMessage:
		if s.shellog != nil {
			if err := s.shellog.Append(string(f.Payload)); err != nil {
				s.logger.Printf("shell log append failed: %v", err)
			}
		}
	case ctlproto.ClearEvents:
		s.cache.Clear()
		s.cmd.StartTime = time.Now()
	default:
		s.unknownMsgCount++
		s.logger.Printf("warning: unknown control message id %d", f.MsgID)
	}
	return f.MsgID, nil
}

func (s *Server) flush() {
	reads, writes := s.cache.Snapshot()
	s.rec.Flush(context.Background(), s.cmd, reads, writes)
	s.cache.Clear()
}

func (s *Server) finalFlush() {
	s.flush()
}

func sockFdOf(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}
