package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/venvoy/venvoy/internal/jsonrpc2"
	"github.com/venvoy/venvoy/internal/lsp/protocol"
	"github.com/venvoy/venvoy/internal/pyenv"
)

// Session lifecycle:
//
//	spawned → initializing → ready → active → draining → dead
//
// with crash/eof short-circuiting any live state to dead. State is
// owned by the supervisor goroutine; a session's own goroutines only
// pump bytes.
type sessionState int

const (
	stateSpawned sessionState = iota
	stateInitializing
	stateReady
	stateActive
	stateDraining
	stateDead
)

func (s sessionState) String() string {
	switch s {
	case stateSpawned:
		return "spawned"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	case stateDead:
		return "dead"
	}
	return "unknown"
}

// Shutdown escalation bounds. A hung backend never blocks the
// supervisor for longer than their sum. Vars so tests can tighten them.
var (
	shutdownReplyTimeout = 2 * time.Second
	exitWaitTimeout      = 1 * time.Second
	termWaitTimeout      = 1 * time.Second
)

// backendProc is the process-level handle a session drives. The real
// implementation wraps exec.Cmd; tests substitute in-process pipes.
type backendProc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// spawnFunc launches one backend process bound to a venv.
type spawnFunc func(venv pyenv.Venv) (backendProc, error)

// backendEvent is what a session's reader delivers to the supervisor.
// A nil msg means the stream ended (err holds the cause).
type backendEvent struct {
	sess *session
	msg  *jsonrpc2.Message
	err  error
}

// session owns one backend process and its framed stdio.
type session struct {
	gen   uint64
	trace string
	venv  pyenv.Venv
	state sessionState

	proc   backendProc
	stdin  io.WriteCloser
	writer *jsonrpc2.Writer

	// open is the set of documents this backend has seen didOpen for.
	open map[protocol.DocumentURI]struct{}

	// inflight counts pending requests forwarded to this backend.
	inflight int

	// capabilities memoizes the initialize result.
	capabilities json.RawMessage

	initID      uint64
	shutdownID  uint64
	shutdownAck chan struct{}
	exited      chan struct{}
	drainTimer  *time.Timer

	log *slog.Logger
}

// newSession wires a spawned process into a session and starts its
// pump goroutines. Messages flow into events until EOF; sends are
// abandoned when done closes.
func newSession(gen uint64, venv pyenv.Venv, proc backendProc, events chan<- backendEvent, done <-chan struct{}) *session {
	s := &session{
		gen:         gen,
		trace:       uuid.NewString()[:8],
		venv:        venv,
		state:       stateSpawned,
		proc:        proc,
		stdin:       proc.Stdin(),
		writer:      jsonrpc2.NewWriter(proc.Stdin()),
		open:        make(map[protocol.DocumentURI]struct{}),
		shutdownAck: make(chan struct{}),
		exited:      make(chan struct{}),
	}
	s.log = slog.With("backend", s.trace, "gen", s.gen, "venv", string(s.venv))

	go s.readLoop(events, done)
	go s.stderrLoop()
	go func() {
		_ = proc.Wait()
		close(s.exited)
	}()
	return s
}

func (s *session) send(body []byte) error {
	return s.writer.Write(body)
}

func (s *session) readLoop(events chan<- backendEvent, done <-chan struct{}) {
	reader := jsonrpc2.NewReader(s.proc.Stdout(), 0)
	for {
		msg, err := reader.Read()
		if err != nil {
			select {
			case events <- backendEvent{sess: s, err: err}:
			case <-done:
			}
			return
		}
		select {
		case events <- backendEvent{sess: s, msg: msg}:
		case <-done:
			return
		}
	}
}

func (s *session) stderrLoop() {
	scanner := bufio.NewScanner(s.proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		s.log.Debug("backend stderr", "line", scanner.Text())
	}
}

// terminate drives the shutdown escalation: shutdown request, exit
// notification, stdin close, SIGTERM, SIGKILL. Every step is bounded.
// The supervisor assigns shutdownID before calling; the matching reply
// closes shutdownAck. Safe to run in its own goroutine.
func (s *session) terminate() {
	// Writes go out asynchronously: a wedged backend that stopped
	// reading must not stall the escalation. Closing stdin below
	// unblocks them.
	sendAsync := func(body []byte) {
		go func() { _ = s.send(body) }()
	}

	if body, err := jsonrpc2.NewRequest(jsonrpc2.NumberID(s.shutdownID), "shutdown", nil); err == nil {
		sendAsync(body)
	}
	select {
	case <-s.shutdownAck:
	case <-s.exited:
	case <-time.After(shutdownReplyTimeout):
	}

	if body, err := jsonrpc2.NewNotification("exit", nil); err == nil {
		sendAsync(body)
	}
	time.Sleep(10 * time.Millisecond) // give the exit frame a chance to flush
	_ = s.stdin.Close()

	select {
	case <-s.exited:
		s.log.Debug("backend exited")
		return
	case <-time.After(exitWaitTimeout):
	}

	_ = s.proc.Signal(syscall.SIGTERM)
	select {
	case <-s.exited:
		s.log.Debug("backend exited after SIGTERM")
		return
	case <-time.After(termWaitTimeout):
	}

	_ = s.proc.Kill()
	<-s.exited
	s.log.Warn("backend killed")
}

// ---------------------------------------------------------------------------
// Real process spawning
// ---------------------------------------------------------------------------

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProc) Stdin() io.WriteCloser      { return p.stdin }
func (p *execProc) Stdout() io.Reader          { return p.stdout }
func (p *execProc) Stderr() io.Reader          { return p.stderr }
func (p *execProc) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProc) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProc) Wait() error                { return p.cmd.Wait() }

// newSpawner returns a spawnFunc running the given language-server
// binary with --stdio. VIRTUAL_ENV is set to the venv path, or removed
// entirely for the no-venv sentinel.
func newSpawner(binary string) spawnFunc {
	return func(venv pyenv.Venv) (backendProc, error) {
		cmd := exec.Command(binary, "--stdio")
		env := make([]string, 0, len(os.Environ())+1)
		for _, kv := range os.Environ() {
			if len(kv) >= 12 && kv[:12] == "VIRTUAL_ENV=" {
				continue
			}
			env = append(env, kv)
		}
		if venv != pyenv.None {
			env = append(env, "VIRTUAL_ENV="+string(venv))
		}
		cmd.Env = env

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", binary, err)
		}
		return &execProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
	}
}
