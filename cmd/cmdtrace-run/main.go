// Command cmdtrace-run is the observation engine: either wraps a single
// command (cmdtrace-run -- make build) or attaches to an already-running
// shell session over an inherited control socket (cmdtrace-run --socket FD),
// draining fanotify events for the lifetime of the observed work and
// recording them to the configured store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"cmdtrace/internal/archive"
	"cmdtrace/internal/classifier"
	"cmdtrace/internal/config"
	"cmdtrace/internal/eventreader"
	"cmdtrace/internal/fanotify"
	"cmdtrace/internal/model"
	"cmdtrace/internal/mountmark"
	"cmdtrace/internal/nsisolate"
	"cmdtrace/internal/privgate"
	"cmdtrace/internal/protoserver"
	"cmdtrace/internal/recorder"
	"cmdtrace/internal/shelllog"
	"cmdtrace/internal/spawn"
	"cmdtrace/internal/store"
	"cmdtrace/pkg/ctlproto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == nsisolate.RendezvousFlag {
		os.Exit(nsisolate.RunRendezvousChild())
	}

	socketFD := flag.Int("socket", -1, "inherited control socket fd (socket mode)")
	configPath := flag.String("config", "", "path to the watch configuration yaml (default config if omitted)")
	dataDir := flag.String("data-dir", defaultDataDir(), "directory holding the store and archived file content")
	shellLogPath := flag.String("shell-log", "", "path to the shell-integration log (disabled if omitted)")
	flag.Parse()

	logger := log.New(os.Stderr, "[cmdtrace-run] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmdtrace-run: %v\n", err)
		os.Exit(1)
	}

	gate, err := privgate.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmdtrace-run: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	st, err := store.Open(storePath(*dataDir), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmdtrace-run: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ar, err := archive.Open(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmdtrace-run: %v\n", err)
		os.Exit(1)
	}

	rec := recorder.New(st, logger)
	cache := classifier.New(cfg.Settings, ar)

	rootFd, fanGroup, mgr, err := isolateAndMark(gate, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmdtrace-run: %v\n", err)
		os.Exit(1)
	}
	defer fanGroup.Close()

	release, err := gate.Enter(privgate.PhaseDrainEvents)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmdtrace-run: %v\n", err)
		os.Exit(1)
	}
	defer release()

	reader := eventreader.New(fanGroup, rootFd, cfg.Include, cfg.Exclude, cfg.Settings.MaxFileSize, logger)

	var exitCode int
	if *socketFD >= 0 {
		exitCode = runSocketMode(ctx, *socketFD, fanGroup.Fd, rootFd, gate, reader, cache, rec, mgr, *configPath, *shellLogPath, cfg.Group, logger)
	} else {
		argv := flag.Args()
		if len(argv) == 0 {
			fmt.Fprintln(os.Stderr, "cmdtrace-run: no command given (use -- COMMAND ARGS...) and --socket not set")
			os.Exit(1)
		}
		exitCode = runCommandMode(ctx, argv, fanGroup.Fd, gate, reader, cache, rec, logger)
	}

	os.Exit(exitCode)
}

func loadConfig(path string, logger *log.Logger) (*config.WatchConfig, error) {
	if path == "" {
		logger.Printf("no --config given, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

// isolateAndMark runs the two root-privileged phases: unsharing the mount
// namespace and installing fanotify marks on every watched mount. Returns
// the pinned root-dir descriptor (stable across the namespace change) and
// the armed fanotify group.
func isolateAndMark(gate *privgate.Gate, cfg *config.WatchConfig, logger *log.Logger) (int, *fanotify.Group, *mountmark.Manager, error) {
	release, err := gate.Enter(privgate.PhaseIsolateNamespace)
	if err != nil {
		return -1, nil, nil, err
	}

	rootFd, err := nsisolate.PinOriginalRoot()
	if err != nil {
		release()
		return -1, nil, nil, err
	}
	if err := nsisolate.Unshare(); err != nil {
		release()
		return -1, nil, nil, err
	}
	release()

	release, err = gate.Enter(privgate.PhaseInstallMarks)
	if err != nil {
		return -1, nil, nil, err
	}
	defer release()

	group, err := fanotify.Init()
	if err != nil {
		return -1, nil, nil, err
	}
	mgr := mountmark.NewManager(group, logger)
	if err := mgr.InstallTree(cfg.Include); err != nil {
		group.Close()
		return -1, nil, nil, err
	}

	return rootFd, group, mgr, nil
}

func runCommandMode(ctx context.Context, argv []string, fanFd int, gate *privgate.Gate, reader *eventreader.Reader, cache *classifier.Cache, rec *recorder.Recorder, logger *log.Logger) int {
	cmd := &model.CommandInfo{
		Text:      joinArgv(argv),
		StartTime: time.Now(),
		ReturnVal: model.InvalidReturnVal,
		Hostname:  hostname(),
		Username:  username(gate),
	}
	if wd, err := os.Getwd(); err == nil {
		cmd.WorkingDir = wd
	}

	wl, err := spawn.Start(ctx, argv, cmd.WorkingDir)
	if err != nil {
		logger.Printf("failed to start command: %v", err)
		return 1
	}

	done := make(chan int32, 1)
	go func() { done <- wl.Wait() }()

	buf := make([]byte, 64*1024)
	pollFds := []unix.PollFd{{Fd: int32(fanFd), Events: unix.POLLIN}}

	for {
		select {
		case rv := <-done:
			cmd.ReturnVal = rv
			cmd.EndTime = time.Now()
			drainRemaining(reader, cache, buf)
			reads, writes := cacheSnapshot(cache)
			rec.Flush(context.Background(), cmd, reads, writes)
			return int(rv)
		default:
		}

		n, err := unix.Poll(pollFds, 200) // bounded so the done-channel check above is never starved
		if err != nil && err != unix.EINTR {
			logger.Printf("poll error: %v", err)
			continue
		}
		if n <= 0 {
			continue
		}
		events, err := reader.Drain(buf)
		if err != nil {
			logger.Printf("drain error: %v", err)
			continue
		}
		classifyInto(cache, events)
		if cache.ShouldFlush() {
			reads, writes := cacheSnapshot(cache)
			rec.Flush(context.Background(), cmd, reads, writes)
		}
	}
}

func drainRemaining(reader *eventreader.Reader, cache *classifier.Cache, buf []byte) {
	events, err := reader.Drain(buf)
	if err != nil {
		return
	}
	classifyInto(cache, events)
}

func classifyInto(cache *classifier.Cache, events []model.RawEvent) {
	for _, e := range events {
		switch e.Kind {
		case model.RawWrite, model.RawCloseWrite:
			cache.InsertWrite(e)
		default:
			cache.InsertRead(e)
		}
	}
}

func cacheSnapshot(cache *classifier.Cache) (reads []model.ReadEvent, writes []model.WriteEvent) {
	reads, writes = cache.Snapshot()
	cache.Clear()
	return reads, writes
}

func runSocketMode(ctx context.Context, fd int, fanFd int, rootFd int, gate *privgate.Gate, reader *eventreader.Reader, cache *classifier.Cache, rec *recorder.Recorder, mgr *mountmark.Manager, configPath, shellLogPath, group string, logger *log.Logger) int {
	if configPath != "" {
		watcher, err := startConfigWatcher(ctx, configPath, gate, mgr, reader, cache, logger)
		if err != nil {
			logger.Printf("config hot-reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	f := os.NewFile(uintptr(fd), "control-socket")
	genericConn, err := net.FileConn(f)
	if err != nil {
		logger.Printf("failed to wrap control socket fd: %v", err)
		return 1
	}
	conn, ok := genericConn.(*net.UnixConn)
	if !ok {
		logger.Printf("fd %d is not a unix socket", fd)
		return 1
	}
	defer conn.Close()

	protoserver.VerifyPeer(conn, uint32(gate.RealUID()), logger)

	shellog, err := shelllog.Open(shellLogPath)
	if err != nil {
		logger.Printf("failed to open shell log: %v", err)
		return 1
	}
	defer shellog.Close()

	msenterGid, err := nsisolate.LookupRendezvousGroup(group)
	if err != nil {
		logger.Printf("rendezvous group lookup failed, continuing without msenter: %v", err)
	}
	var isolator *nsisolate.Isolator
	if msenterGid >= 0 {
		isolator, err = nsisolate.SpawnRendezvous(msenterGid)
		if err != nil {
			logger.Printf("failed to spawn rendezvous child: %v", err)
		}
	}
	if isolator != nil {
		defer isolator.Close()
		if err := ctlproto.WriteSetupDone(conn, int32(isolator.Pid()), rootFd); err != nil {
			logger.Printf("failed to send setup-done: %v", err)
		}
	}

	cmd := &model.CommandInfo{
		StartTime: time.Now(),
		ReturnVal: model.InvalidReturnVal,
		Hostname:  hostname(),
		Username:  username(gate),
		SessionID: uuid.Must(uuid.NewV7()).String(),
	}

	srv := protoserver.New(conn, fanFd, reader, cache, rec, shellog, logger)
	if err := srv.Run(ctx, cmd); err != nil {
		logger.Printf("server loop exited with error: %v", err)
		return 1
	}
	return 0
}

// startConfigWatcher wires internal/config's fsnotify-based hot-reload
// into the running engine: each reload updates the reader's path filters
// and the classifier's flush thresholds in place, and installs marks for
// any newly-added include paths (briefly re-entering PhaseInstallMarks,
// since fanotify_mark on a new mount needs the same privilege as the
// initial install). Already-armed marks are never removed — shrinking
// the include tree takes effect only through path filtering, not by
// dropping marks. Because privgate's Enter elevates every OS thread in
// the process, not just the watcher's, a reload briefly re-escalates the
// whole engine back to root; reloads are expected to be rare enough that
// this is an acceptable window, not a steady-state condition.
func startConfigWatcher(ctx context.Context, path string, gate *privgate.Gate, mgr *mountmark.Manager, reader *eventreader.Reader, cache *classifier.Cache, logger *log.Logger) (*config.Watcher, error) {
	initial, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := config.NewWatcher(path, initial, logger)
	if err != nil {
		return nil, err
	}

	watcher.OnReload(func(newCfg *config.WatchConfig) {
		release, err := gate.Enter(privgate.PhaseInstallMarks)
		if err != nil {
			logger.Printf("config reload: failed to re-enter mark-install phase: %v", err)
			return
		}
		if err := mgr.InstallTree(newCfg.Include); err != nil {
			logger.Printf("config reload: failed to install marks for new include paths: %v", err)
		}
		release()

		reader.UpdateFilters(newCfg.Include, newCfg.Exclude, newCfg.Settings.MaxFileSize)
		cache.UpdateSettings(newCfg.Settings)
	})

	if err := watcher.Start(ctx); err != nil {
		return nil, err
	}
	return watcher, nil
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func username(gate *privgate.Gate) string {
	u, err := user.LookupId(fmt.Sprintf("%d", gate.RealUID()))
	if err != nil {
		return fmt.Sprintf("uid%d", gate.RealUID())
	}
	return u.Username
}

func defaultDataDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home + "/.local/share/cmdtrace"
	}
	return "/var/lib/cmdtrace"
}

func storePath(dataDir string) string {
	return dataDir + "/cmdtrace.sqlite"
}
