// Package proxy implements a transparent LSP proxy between one editor
// client and a rotating set of pyright backends.
//
// The client sees a single stable language server. Behind it, the
// proxy tears down and replaces the backend whenever the editor moves
// to a file governed by a different Python virtual environment,
// replaying open documents so the client never notices.
//
// The main entry-point is Serve(), which runs the proxy over
// stdin/stdout until the client disconnects.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/venvoy/venvoy/internal/config"
	"github.com/venvoy/venvoy/internal/jsonrpc2"
	"github.com/venvoy/venvoy/internal/pyenv"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitTransport = 1
	ExitConfig    = 2
)

// drainGrace bounds how long a retiring backend may keep answering
// in-flight requests before they are cancelled on its behalf.
var drainGrace = 2 * time.Second

// Serve runs the proxy over stdin/stdout. It blocks until the client
// disconnects and returns the process exit code.
func Serve(ctx context.Context, cfg *config.Config) int {
	if _, err := exec.LookPath(cfg.Backend); err != nil {
		slog.Error("backend binary not found", "binary", cfg.Backend, "error", err)
		return ExitConfig
	}
	return ServeStream(ctx, cfg, stdinout{}, newSpawner(cfg.Backend))
}

// stdinout wraps stdin/stdout into a ReadWriteCloser.
type stdinout struct{}

func (stdinout) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdinout) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdinout) Close() error                { return os.Stdout.Close() }

// ServeStream runs the proxy over the given client stream, spawning
// backends through spawn. Exposed for testing.
func ServeStream(ctx context.Context, cfg *config.Config, rwc io.ReadWriteCloser, spawn spawnFunc) int {
	resolver := pyenv.NewResolver()
	p := &Proxy{
		cfg:         cfg,
		spawn:       spawn,
		clientW:     jsonrpc2.NewWriter(rwc),
		events:      make(chan backendEvent, 16),
		ctrl:        make(chan func(), 16),
		done:        make(chan struct{}),
		reg:         newRegistry(resolver.Resolve),
		nextGen:     1,
		nextID:      1,
		pending:     make(map[uint64]pendingEntry),
		cancelIndex: make(map[string]uint64),
		origin:      make(map[uint64]originEntry),
	}
	if cfg.Watch {
		w, err := pyenv.NewWatcher(resolver, nil)
		if err != nil {
			slog.Warn("venv watcher unavailable", "error", err)
		} else {
			p.watcher = w
			defer w.Close()
		}
	}
	return p.run(ctx, rwc)
}

// pendingEntry maps one backend-facing request ID back to the client
// request it answers. gen identifies the session the request went to;
// a reply from any other generation is stale and dropped.
type pendingEntry struct {
	gen      uint64
	clientID json.RawMessage
}

// originEntry maps a forwarded server-to-client request ID back to the
// backend that issued it.
type originEntry struct {
	gen       uint64
	backendID json.RawMessage
}

// switchOp tracks a backend being prepared to take over.
type switchOp struct {
	sess *session

	// replyTo is the client's initialize ID for the very first
	// backend, whose handshake reply is forwarded. Later backends'
	// handshakes are hidden and replyTo is nil.
	replyTo json.RawMessage

	timer *time.Timer
}

// Proxy is the supervisor. All fields below clientW are owned by the
// run loop goroutine; worker goroutines communicate exclusively
// through events and ctrl.
type Proxy struct {
	cfg     *config.Config
	watcher *pyenv.Watcher
	spawn   spawnFunc

	clientW *jsonrpc2.Writer
	events  chan backendEvent
	ctrl    chan func()
	done    chan struct{}

	reg *registry

	nextGen uint64
	nextID  uint64 // backend-facing request ID space, shared by all sessions

	active   *session
	draining []*session
	sw       *switchOp

	pending     map[uint64]pendingEntry
	cancelIndex map[string]uint64 // raw client ID → backend-facing ID
	origin      map[uint64]originEntry

	initMsg      *jsonrpc2.Message // captured client initialize
	lastConfig   json.RawMessage   // last workspace/didChangeConfiguration params
	scanVenv     pyenv.Venv        // startup scan result
	shuttingDown bool
}

type clientEvent struct {
	msg *jsonrpc2.Message
	err error
}

func (p *Proxy) run(ctx context.Context, rwc io.ReadWriteCloser) int {
	defer close(p.done)

	// Warm start: scan for the most plausible venv and spawn the first
	// backend before the client says anything. Its handshake waits for
	// the client's initialize.
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}
	scanned := pyenv.Scan(cwd)
	p.scanVenv = scanned
	proc, err := p.spawn(scanned)
	if err != nil {
		slog.Error("cannot spawn first backend", "venv", string(scanned), "error", err)
		return ExitConfig
	}
	first := newSession(p.nextGen, scanned, proc, p.events, p.done)
	p.nextGen++
	p.sw = &switchOp{sess: first}
	slog.Info("first backend spawned", "venv", string(scanned))

	clientMsgs := make(chan clientEvent)
	go func() {
		reader := jsonrpc2.NewReader(rwc, 0)
		for {
			msg, err := reader.Read()
			select {
			case clientMsgs <- clientEvent{msg: msg, err: err}:
			case <-p.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-clientMsgs:
			if ev.err != nil {
				code := ExitTransport
				if ev.err == io.EOF {
					code = ExitOK
				} else {
					slog.Error("client transport failed", "error", ev.err)
				}
				p.teardown()
				return code
			}
			if stop := p.handleClientMessage(ev.msg); stop {
				p.teardown()
				return ExitOK
			}
		case ev := <-p.events:
			p.handleBackendEvent(ev)
		case fn := <-p.ctrl:
			fn()
		case <-ctx.Done():
			p.teardown()
			return ExitOK
		}
	}
}

// post schedules fn onto the supervisor goroutine. Used by timers.
func (p *Proxy) post(fn func()) {
	select {
	case p.ctrl <- fn:
	case <-p.done:
	}
}

// sessionByGen finds a live session by generation.
func (p *Proxy) sessionByGen(gen uint64) *session {
	if p.active != nil && p.active.gen == gen {
		return p.active
	}
	for _, s := range p.draining {
		if s.gen == gen {
			return s
		}
	}
	if p.sw != nil && p.sw.sess.gen == gen {
		return p.sw.sess
	}
	return nil
}

// teardown drives every live backend through its shutdown sequence and
// waits for all of them, bounded by the per-step timeouts.
func (p *Proxy) teardown() {
	var sessions []*session
	if p.sw != nil {
		if p.sw.timer != nil {
			p.sw.timer.Stop()
		}
		sessions = append(sessions, p.sw.sess)
		p.sw = nil
	}
	if p.active != nil {
		sessions = append(sessions, p.active)
		p.active = nil
	}
	sessions = append(sessions, p.draining...)
	p.draining = nil

	var wg sync.WaitGroup
	for _, s := range sessions {
		if s.state == stateDead {
			continue
		}
		s.state = stateDead
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
		if s.shutdownID == 0 {
			s.shutdownID = p.nextID
			p.nextID++
		}
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.terminate()
		}(s)
	}
	wg.Wait()
}
