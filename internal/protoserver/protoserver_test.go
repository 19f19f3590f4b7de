package protoserver

import (
	"encoding/binary"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cmdtrace/internal/classifier"
	"cmdtrace/internal/config"
	"cmdtrace/internal/model"
	"cmdtrace/internal/recorder"
	"cmdtrace/internal/store"
	"cmdtrace/pkg/ctlproto"
)

type noopDrainer struct{}

func (noopDrainer) Drain(buf []byte) ([]model.RawEvent, error) { return nil, nil }
func (noopDrainer) NoteOverflow()                               {}

type recordingAppender struct {
	lines []string
}

func (a *recordingAppender) Append(line string) error {
	a.lines = append(a.lines, line)
	return nil
}

func newTestServer(t *testing.T) (*Server, *net.UnixConn, *recordingAppender) {
	t.Helper()

	left, right, err := socketpair(t)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rec := recorder.New(st, log.New(os.Stderr, "", 0))
	cache := classifier.New(config.DefaultSettings(), nil)
	appender := &recordingAppender{}

	srv := New(right, -1, noopDrainer{}, cache, rec, appender, log.New(os.Stderr, "", 0))
	return srv, left, appender
}

// socketpair builds a connected pair of *net.UnixConn using the standard
// library, without requiring an actual listening socket on disk.
func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn, error) {
	t.Helper()
	dir := t.TempDir()
	addr := filepath.Join(dir, "ctl.sock")

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	var serverConn net.Conn
	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		serverConn = c
		done <- err
	}()

	clientConn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, nil, err
	}
	if err := <-done; err != nil {
		return nil, nil, err
	}

	return clientConn.(*net.UnixConn), serverConn.(*net.UnixConn), nil
}

func TestProcessSocketEvent_CommandFrameSetsText(t *testing.T) {
	srv, client, _ := newTestServer(t)
	defer client.Close()

	srv.cmd = &model.CommandInfo{Hostname: "h", Username: "u"}

	go ctlproto.WriteFrame(client, ctlproto.Frame{MsgID: ctlproto.Command, Payload: []byte("echo hi")})

	msgID, err := srv.processSocketEvent()
	if err != nil {
		t.Fatalf("processSocketEvent: %v", err)
	}
	if msgID != ctlproto.Command {
		t.Errorf("msgID = %d, want %d", msgID, ctlproto.Command)
	}
	if srv.cmd.Text != "echo hi" {
		t.Errorf("cmd.Text = %q, want %q", srv.cmd.Text, "echo hi")
	}
}

func TestProcessSocketEvent_ReturnValueFrameSetsReturnVal(t *testing.T) {
	srv, client, _ := newTestServer(t)
	defer client.Close()

	srv.cmd = &model.CommandInfo{Hostname: "h", Username: "u"}

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, 42)
	go ctlproto.WriteFrame(client, ctlproto.Frame{MsgID: ctlproto.ReturnValue, Payload: payload})

	if _, err := srv.processSocketEvent(); err != nil {
		t.Fatalf("processSocketEvent: %v", err)
	}
	if srv.cmd.ReturnVal != 42 {
		t.Errorf("cmd.ReturnVal = %d, want 42", srv.cmd.ReturnVal)
	}
}

func TestProcessSocketEvent_LogMessageAppendsToShellLog(t *testing.T) {
	srv, client, appender := newTestServer(t)
	defer client.Close()

	srv.cmd = &model.CommandInfo{Hostname: "h", Username: "u"}

	go ctlproto.WriteFrame(client, ctlproto.Frame{MsgID: ctlproto.LogMessage, Payload: []byte("a shell line")})

	if _, err := srv.processSocketEvent(); err != nil {
		t.Fatalf("processSocketEvent: %v", err)
	}
	if len(appender.lines) != 1 || appender.lines[0] != "a shell line" {
		t.Errorf("appender.lines = %v, want [\"a shell line\"]", appender.lines)
	}
}

func TestProcessSocketEvent_ClearEventsDiscardsCache(t *testing.T) {
	srv, client, _ := newTestServer(t)
	defer client.Close()

	srv.cmd = &model.CommandInfo{Text: "x", Hostname: "h", Username: "u", StartTime: time.Now()}
	srv.cache.InsertWrite(model.RawEvent{Path: "/tmp/f", Size: 1})

	go ctlproto.WriteFrame(client, ctlproto.Frame{MsgID: ctlproto.ClearEvents})

	if _, err := srv.processSocketEvent(); err != nil {
		t.Fatalf("processSocketEvent: %v", err)
	}

	reads, writes := srv.cache.Snapshot()
	if len(reads) != 0 || len(writes) != 0 {
		t.Errorf("expected cache cleared after CLEAR_EVENTS, got reads=%d writes=%d", len(reads), len(writes))
	}
}

func TestProcessSocketEvent_UnknownMessageIdIsTolerated(t *testing.T) {
	srv, client, _ := newTestServer(t)
	defer client.Close()

	srv.cmd = &model.CommandInfo{Hostname: "h", Username: "u"}

	go ctlproto.WriteFrame(client, ctlproto.Frame{MsgID: 999, Payload: []byte("?")})

	msgID, err := srv.processSocketEvent()
	if err != nil {
		t.Fatalf("processSocketEvent should tolerate unknown ids, got err: %v", err)
	}
	if msgID != 999 {
		t.Errorf("msgID = %d, want 999", msgID)
	}
	if srv.unknownMsgCount != 1 {
		t.Errorf("unknownMsgCount = %d, want 1", srv.unknownMsgCount)
	}
}

func TestProcessSocketEvent_PeerCloseYieldsEmpty(t *testing.T) {
	srv, client, _ := newTestServer(t)
	client.Close()

	msgID, err := srv.processSocketEvent()
	if err != nil {
		t.Fatalf("processSocketEvent on closed peer should not error, got: %v", err)
	}
	if msgID != ctlproto.Empty {
		t.Errorf("msgID = %d, want ctlproto.Empty", msgID)
	}
}
