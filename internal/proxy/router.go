package proxy

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/venvoy/venvoy/internal/jsonrpc2"
	"github.com/venvoy/venvoy/internal/lsp/protocol"
	"github.com/venvoy/venvoy/internal/pyenv"
)

// ---------------------------------------------------------------------------
// Client → proxy
// ---------------------------------------------------------------------------

// handleClientMessage dispatches one client message. It returns true
// when the client asked the proxy to exit.
func (p *Proxy) handleClientMessage(msg *jsonrpc2.Message) (stop bool) {
	if msg.IsResponse() {
		p.routeClientResponse(msg)
		return false
	}

	switch msg.Method {
	case "initialize":
		p.handleInitialize(msg)
	case "initialized":
		p.forwardToActive(msg)
	case "shutdown":
		p.shuttingDown = true
		p.replyToClient(msg.ID, nil)
	case "exit":
		return true
	case "$/cancelRequest":
		p.handleCancel(msg)
	case "workspace/didChangeConfiguration":
		p.lastConfig = msg.Params
		p.forwardToActive(msg)
	default:
		switch {
		case protocol.IsDocumentSync(msg.Method):
			p.handleDocumentSync(msg)
		case msg.IsRequest():
			p.handleRequest(msg)
		default:
			p.forwardToActive(msg)
		}
	}
	return false
}

// handleInitialize captures the client's initialize verbatim and
// forwards it to the pre-spawned first backend. Its reply is the only
// handshake the client ever sees.
func (p *Proxy) handleInitialize(msg *jsonrpc2.Message) {
	if p.initMsg != nil {
		slog.Warn("duplicate initialize from client")
		body, err := jsonrpc2.NewErrorResponse(msg.ID, &jsonrpc2.Error{
			Code: jsonrpc2.CodeInvalidRequest, Message: "initialize already received",
		})
		if err == nil {
			p.writeClient(body)
		}
		return
	}
	p.initMsg = msg

	if p.sw == nil || p.sw.sess.state != stateSpawned {
		// The pre-spawned backend died before the handshake; start over
		// with the venv the startup scan picked.
		if !p.beginSwitch(p.scanVenv, msg.ID) {
			p.failClientInitialize(msg.ID)
		}
		return
	}
	p.sendInitialize(p.sw.sess, msg.ID)
}

// sendInitialize drives a session from spawned into initializing. For
// the first backend (replyTo set) the captured initialize goes out
// verbatim apart from the rewritten ID; replays get their root fields
// pointed at the venv's project.
func (p *Proxy) sendInitialize(sess *session, replyTo json.RawMessage) {
	sess.initID = p.nextID
	p.nextID++
	sess.state = stateInitializing

	var body []byte
	var err error
	if replyTo != nil {
		body, err = p.initMsg.WithID(jsonrpc2.NumberID(sess.initID))
	} else {
		body, err = p.rewriteInitialize(sess)
	}
	if err != nil {
		slog.Error("cannot build initialize payload", "error", err)
		p.abortSwitch("initialize payload")
		return
	}
	if p.sw == nil || p.sw.sess != sess {
		p.sw = &switchOp{sess: sess}
	}
	p.sw.replyTo = replyTo
	p.sw.timer = time.AfterFunc(p.cfg.InitTimeout, func() {
		p.post(func() { p.initTimeout(sess) })
	})
	if err := sess.send(body); err != nil {
		sess.log.Error("initialize write failed", "error", err)
		p.abortSwitch("initialize write")
	}
}

// rewriteInitialize replays the captured initialize with processId,
// rootUri and workspaceFolders rewritten to the session's project
// root. For the no-venv sentinel only processId changes.
func (p *Proxy) rewriteInitialize(sess *session) ([]byte, error) {
	var params map[string]json.RawMessage
	if len(p.initMsg.Params) > 0 {
		if err := json.Unmarshal(p.initMsg.Params, &params); err != nil {
			return nil, err
		}
	}
	if params == nil {
		params = make(map[string]json.RawMessage)
	}
	params["processId"] = json.RawMessage(strconv.Itoa(os.Getpid()))
	if root := sess.venv.ProjectRoot(); root != "" {
		uri, err := json.Marshal(protocol.URIFromPath(root))
		if err != nil {
			return nil, err
		}
		params["rootUri"] = uri
		folders, err := json.Marshal([]map[string]string{{
			"uri":  string(protocol.URIFromPath(root)),
			"name": filepath.Base(root),
		}})
		if err != nil {
			return nil, err
		}
		params["workspaceFolders"] = folders
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return p.initMsg.Patch(map[string]json.RawMessage{
		"id":     jsonrpc2.NumberID(sess.initID),
		"params": rawParams,
	})
}

// handleDocumentSync updates the registry and either forwards the
// message or triggers a backend switch when the document belongs to a
// different venv than the active backend serves.
func (p *Proxy) handleDocumentSync(msg *jsonrpc2.Message) {
	doc := p.reg.observe(msg)

	if doc != nil && msg.Method == "textDocument/didOpen" &&
		doc.venv == pyenv.None && p.watcher != nil {
		if path, err := doc.uri.Path(); err == nil {
			p.watcher.AddRoot(filepath.Dir(path))
		}
	}

	// didClose carries no editor focus; closing a background file must
	// not retarget the backend.
	wantSwitch := doc != nil && !p.shuttingDown && msg.Method != "textDocument/didClose"
	if wantSwitch {
		if p.active == nil {
			if p.sw == nil {
				p.beginSwitch(doc.venv, nil)
			} else if p.sw.sess.venv != doc.venv && p.sw.replyTo == nil {
				p.beginSwitch(doc.venv, nil)
			}
			return // absorbed: the replay restores this document
		}
		if doc.venv != p.active.venv {
			if p.sw == nil || p.sw.sess.venv != doc.venv {
				p.beginSwitch(doc.venv, nil)
			}
			return // absorbed
		}
	}

	if p.active == nil {
		return
	}
	uri := docSyncURI(msg)
	switch msg.Method {
	case "textDocument/didOpen":
		p.active.open[uri] = struct{}{}
	case "textDocument/didClose":
		if _, ok := p.active.open[uri]; !ok {
			// Closed a document another venv owned; no backend has it.
			if doc != nil && doc.venv != p.active.venv {
				return
			}
		}
		delete(p.active.open, uri)
	}
	if err := p.active.send(msg.Raw); err != nil {
		p.active.log.Error("forward to backend failed", "error", err)
	}
}

// handleRequest forwards a client request to the active backend with a
// rewritten ID, or answers null when no backend can serve it. The
// client never perceives the backend as unreachable.
func (p *Proxy) handleRequest(msg *jsonrpc2.Message) {
	if p.active == nil {
		p.replyToClient(msg.ID, nil)
		return
	}
	if uri, ok := requestDocURI(msg); ok {
		if _, open := p.active.open[uri]; !open {
			p.replyToClient(msg.ID, nil)
			return
		}
	}
	bid := p.nextID
	p.nextID++
	body, err := msg.WithID(jsonrpc2.NumberID(bid))
	if err != nil {
		slog.Error("cannot rewrite request id", "method", msg.Method, "error", err)
		p.replyToClient(msg.ID, nil)
		return
	}
	p.pending[bid] = pendingEntry{gen: p.active.gen, clientID: msg.ID}
	p.cancelIndex[string(msg.ID)] = bid
	p.active.inflight++
	if err := p.active.send(body); err != nil {
		p.active.log.Error("forward to backend failed", "error", err)
	}
}

// handleCancel relays $/cancelRequest with the backend-facing ID. A
// cancel for a request on a retired generation is dropped silently.
func (p *Proxy) handleCancel(msg *jsonrpc2.Message) {
	var params struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		slog.Warn("bad cancel params", "error", err)
		return
	}
	bid, ok := p.cancelIndex[string(params.ID)]
	if !ok {
		return
	}
	entry := p.pending[bid]
	sess := p.sessionByGen(entry.gen)
	if sess == nil || (sess.state != stateActive && sess.state != stateDraining) {
		return
	}
	body, err := jsonrpc2.NewNotification("$/cancelRequest", map[string]uint64{"id": bid})
	if err != nil {
		return
	}
	_ = sess.send(body)
}

// routeClientResponse returns a client's answer to a backend-issued
// request (workspace/configuration and friends) to whichever backend
// asked.
func (p *Proxy) routeClientResponse(msg *jsonrpc2.Message) {
	id, ok := parseNumID(msg.ID)
	if !ok {
		return
	}
	entry, ok := p.origin[id]
	if !ok {
		return
	}
	delete(p.origin, id)
	sess := p.sessionByGen(entry.gen)
	if sess == nil || sess.state == stateDead {
		return
	}
	body, err := msg.WithID(entry.backendID)
	if err != nil {
		return
	}
	_ = sess.send(body)
}

func (p *Proxy) forwardToActive(msg *jsonrpc2.Message) {
	if p.active == nil {
		slog.Debug("no active backend, dropping notification", "method", msg.Method)
		return
	}
	if err := p.active.send(msg.Raw); err != nil {
		p.active.log.Error("forward to backend failed", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Backend → proxy
// ---------------------------------------------------------------------------

func (p *Proxy) handleBackendEvent(ev backendEvent) {
	sess := ev.sess
	if ev.msg == nil {
		p.onBackendEOF(sess, ev.err)
		return
	}
	msg := ev.msg

	if msg.IsResponse() {
		if id, ok := parseNumID(msg.ID); ok {
			if sess.shutdownID != 0 && id == sess.shutdownID {
				close(sess.shutdownAck)
				sess.shutdownID = 0
				return
			}
			if p.sw != nil && p.sw.sess == sess && id == sess.initID {
				p.finishInitialize(msg)
				return
			}
			p.routeBackendResponse(sess, id, msg)
			return
		}
		return
	}

	if msg.IsRequest() {
		if sess.state == stateDead {
			return
		}
		// Backends may ask the client for configuration even while
		// their handshake is still hidden; the reply routes back by
		// generation either way.
		fid := p.nextID
		p.nextID++
		p.origin[fid] = originEntry{gen: sess.gen, backendID: msg.ID}
		body, err := msg.WithID(jsonrpc2.NumberID(fid))
		if err != nil {
			return
		}
		p.writeClient(body)
		return
	}

	// Notification. Only active and draining sessions speak to the
	// client; handshake-phase noise stays hidden.
	if sess.state == stateActive || sess.state == stateDraining {
		p.writeClient(msg.Raw)
	}
}

func (p *Proxy) routeBackendResponse(sess *session, id uint64, msg *jsonrpc2.Message) {
	entry, ok := p.pending[id]
	if !ok || entry.gen != sess.gen {
		sess.log.Debug("dropping stale reply", "id", id)
		return
	}
	if sess.state != stateActive && sess.state != stateDraining {
		return
	}
	delete(p.pending, id)
	delete(p.cancelIndex, string(entry.clientID))
	sess.inflight--
	body, err := msg.WithID(entry.clientID)
	if err != nil {
		sess.log.Error("cannot restore client id", "error", err)
		return
	}
	p.writeClient(body)
	if sess.state == stateDraining && sess.inflight <= 0 {
		p.releaseSession(sess)
	}
}

// finishInitialize completes a switch: memoize capabilities, replay
// documents and configuration, swap the active pointer, clear stale
// diagnostics, and put the old backend out to drain.
func (p *Proxy) finishInitialize(msg *jsonrpc2.Message) {
	sw := p.sw
	sess := sw.sess
	if sw.timer != nil {
		sw.timer.Stop()
	}

	if msg.Error != nil {
		sess.log.Error("backend rejected initialize", "error", msg.Error)
		p.abortSwitch("initialize rejected")
		return
	}
	sess.capabilities = msg.Result
	sess.state = stateReady

	if sw.replyTo != nil {
		// First backend: the client is waiting on this handshake.
		body, err := msg.WithID(sw.replyTo)
		if err == nil {
			p.writeClient(body)
		}
	} else {
		// Hidden handshake: the proxy plays the client's part.
		if body, err := jsonrpc2.NewNotification("initialized", struct{}{}); err == nil {
			_ = sess.send(body)
		}
		if p.lastConfig != nil {
			body, err := jsonrpc2.NewNotification("workspace/didChangeConfiguration", p.lastConfig)
			if err == nil {
				_ = sess.send(body)
			}
		}
	}

	// Replay every document under the target venv.
	for _, doc := range p.reg.documentsUnder(sess.venv) {
		body, err := p.reg.snapshotDidOpen(doc)
		if err != nil {
			sess.log.Error("cannot snapshot document", "uri", doc.uri, "error", err)
			continue
		}
		if err := sess.send(body); err != nil {
			sess.log.Error("replay failed", "uri", doc.uri, "error", err)
		}
		sess.open[doc.uri] = struct{}{}
	}

	old := p.active
	p.active = sess
	sess.state = stateActive
	p.sw = nil
	sess.log.Info("backend active", "documents", len(sess.open))

	// Stale diagnostics for out-of-scope documents disappear now.
	for _, doc := range p.reg.docs {
		if doc.venv == sess.venv {
			continue
		}
		p.publishEmptyDiagnostics(doc.uri)
	}

	if old != nil {
		p.startDrain(old)
	}
}

func (p *Proxy) publishEmptyDiagnostics(uri protocol.DocumentURI) {
	body, err := jsonrpc2.NewNotification("textDocument/publishDiagnostics",
		protocol.PublishDiagnosticsParams{URI: uri, Diagnostics: []protocol.Diagnostic{}})
	if err != nil {
		return
	}
	p.writeClient(body)
}

func (p *Proxy) onBackendEOF(sess *session, err error) {
	switch sess.state {
	case stateDead:
		return
	case stateDraining:
		sess.log.Info("draining backend exited")
		p.cancelPendingFor(sess.gen)
		p.releaseSession(sess)
	case stateActive:
		sess.log.Error("active backend died", "error", err)
		p.cancelPendingFor(sess.gen)
		sess.state = stateDead
		p.active = nil
		if !p.shuttingDown {
			// Replacement bound to the same venv; open documents are
			// replayed by the handshake completion.
			p.beginSwitch(sess.venv, nil)
		}
	default:
		// Crash during spawn/handshake.
		sess.log.Error("backend died before becoming active", "state", sess.state.String(), "error", err)
		if p.sw != nil && p.sw.sess == sess {
			p.abortSwitch("backend died")
		} else {
			sess.state = stateDead
		}
	}
}

// ---------------------------------------------------------------------------
// Switching
// ---------------------------------------------------------------------------

// beginSwitch spawns a backend for venv and starts its hidden
// handshake (or, with replyTo set, the first visible one). A switch
// already in flight toward a different venv is superseded. Reports
// whether the spawn succeeded; on failure the current backend stays.
func (p *Proxy) beginSwitch(venv pyenv.Venv, replyTo json.RawMessage) bool {
	if p.sw != nil {
		if p.sw.sess.venv == venv && p.sw.sess.state != stateDead {
			return true // already underway
		}
		p.abortSwitch("superseded")
	}
	proc, err := p.spawn(venv)
	if err != nil {
		slog.Error("backend spawn failed, keeping current backend",
			"venv", string(venv), "error", err)
		if replyTo != nil {
			p.failClientInitialize(replyTo)
		}
		return false
	}
	sess := newSession(p.nextGen, venv, proc, p.events, p.done)
	p.nextGen++
	slog.Info("backend spawned", "gen", sess.gen, "venv", string(venv))

	if p.initMsg == nil {
		// Client has not initialized yet; the handshake starts when it
		// does.
		p.sw = &switchOp{sess: sess}
		return true
	}
	p.sw = &switchOp{sess: sess}
	p.sendInitialize(sess, replyTo)
	return true
}

func (p *Proxy) abortSwitch(reason string) {
	sw := p.sw
	if sw == nil {
		return
	}
	p.sw = nil
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sess := sw.sess
	sess.log.Warn("switch aborted", "reason", reason)
	if sess.state != stateDead {
		sess.state = stateDead
		sess.shutdownID = p.nextID
		p.nextID++
		go sess.terminate()
	}
	if sw.replyTo != nil {
		p.failClientInitialize(sw.replyTo)
	}
}

func (p *Proxy) failClientInitialize(id json.RawMessage) {
	body, err := jsonrpc2.NewErrorResponse(id, &jsonrpc2.Error{
		Code:    jsonrpc2.CodeInternalError,
		Message: "language server backend failed to initialize",
	})
	if err == nil {
		p.writeClient(body)
	}
}

func (p *Proxy) initTimeout(sess *session) {
	if p.sw == nil || p.sw.sess != sess {
		return
	}
	sess.log.Error("backend initialize timed out")
	p.abortSwitch("initialize timeout")
}

// startDrain retires old. In-flight replies are still awaited up to
// drainGrace; whatever is left is answered with RequestCancelled.
func (p *Proxy) startDrain(old *session) {
	old.state = stateDraining
	if old.inflight <= 0 {
		p.releaseSession(old)
		return
	}
	p.draining = append(p.draining, old)
	old.drainTimer = time.AfterFunc(drainGrace, func() {
		p.post(func() { p.expireDrain(old) })
	})
}

func (p *Proxy) expireDrain(old *session) {
	if old.state != stateDraining {
		return
	}
	old.log.Warn("drain deadline reached", "inflight", old.inflight)
	p.cancelPendingFor(old.gen)
	p.releaseSession(old)
}

// cancelPendingFor answers every pending request on gen with
// RequestCancelled so the client never sees an orphaned request.
func (p *Proxy) cancelPendingFor(gen uint64) {
	for bid, entry := range p.pending {
		if entry.gen != gen {
			continue
		}
		delete(p.pending, bid)
		delete(p.cancelIndex, string(entry.clientID))
		body, err := jsonrpc2.NewErrorResponse(entry.clientID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeRequestCancelled,
			Message: "backend was replaced",
		})
		if err == nil {
			p.writeClient(body)
		}
	}
	for id, entry := range p.origin {
		if entry.gen == gen {
			delete(p.origin, id)
		}
	}
}

// releaseSession finishes a retiring session: stop timers, launch the
// bounded shutdown escalation, drop it from the draining list.
func (p *Proxy) releaseSession(sess *session) {
	if sess.drainTimer != nil {
		sess.drainTimer.Stop()
	}
	sess.state = stateDead
	sess.inflight = 0
	for id, entry := range p.origin {
		if entry.gen == sess.gen {
			delete(p.origin, id)
		}
	}
	if sess.shutdownID == 0 {
		sess.shutdownID = p.nextID
		p.nextID++
	}
	for i, s := range p.draining {
		if s == sess {
			p.draining = append(p.draining[:i], p.draining[i+1:]...)
			break
		}
	}
	go sess.terminate()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *Proxy) writeClient(body []byte) {
	if err := p.clientW.Write(body); err != nil {
		slog.Error("write to client failed", "error", err)
	}
}

func (p *Proxy) replyToClient(id json.RawMessage, result any) {
	body, err := jsonrpc2.NewResponse(id, result)
	if err != nil {
		slog.Error("cannot build response", "error", err)
		return
	}
	p.writeClient(body)
}

func parseNumID(raw json.RawMessage) (uint64, bool) {
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// docSyncURI pulls textDocument.uri out of a sync notification.
func docSyncURI(msg *jsonrpc2.Message) protocol.DocumentURI {
	uri, _ := requestDocURI(msg)
	return uri
}

// requestDocURI reports the textDocument.uri a request addresses, if
// any.
func requestDocURI(msg *jsonrpc2.Message) (protocol.DocumentURI, bool) {
	if len(msg.Params) == 0 {
		return "", false
	}
	var params struct {
		TextDocument struct {
			URI protocol.DocumentURI `json:"uri"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return "", false
	}
	if params.TextDocument.URI == "" {
		return "", false
	}
	return params.TextDocument.URI, true
}
