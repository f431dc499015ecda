package proxy

import (
	"encoding/json"
	"testing"

	"github.com/nalgeon/be"
	"github.com/venvoy/venvoy/internal/jsonrpc2"
	"github.com/venvoy/venvoy/internal/lsp/protocol"
	"github.com/venvoy/venvoy/internal/pyenv"
)

func notification(t *testing.T, method string, params any) *jsonrpc2.Message {
	t.Helper()
	body, err := jsonrpc2.NewNotification(method, params)
	be.Err(t, err, nil)
	msg, err := jsonrpc2.Decode(body)
	be.Err(t, err, nil)
	return msg
}

func didOpen(t *testing.T, uri string, version int32, text string) *jsonrpc2.Message {
	t.Helper()
	return notification(t, "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        protocol.DocumentURI(uri),
			LanguageID: "python",
			Version:    version,
			Text:       text,
		},
	})
}

func didChange(t *testing.T, uri string, version int32, changes ...protocol.TextDocumentContentChangeEvent) *jsonrpc2.Message {
	t.Helper()
	params := protocol.DidChangeTextDocumentParams{ContentChanges: changes}
	params.TextDocument.URI = protocol.DocumentURI(uri)
	params.TextDocument.Version = version
	return notification(t, "textDocument/didChange", params)
}

func fixedResolver(venvs map[string]pyenv.Venv) func(string) pyenv.Venv {
	return func(path string) pyenv.Venv {
		return venvs[path]
	}
}

func TestRegistryOpenResolvesOnce(t *testing.T) {
	calls := 0
	reg := newRegistry(func(path string) pyenv.Venv {
		calls++
		return pyenv.Venv("/proj/.venv")
	})

	doc := reg.observe(didOpen(t, "file:///proj/a.py", 1, "x = 1"))
	be.True(t, doc != nil)
	be.Equal(t, doc.venv, pyenv.Venv("/proj/.venv"))
	be.Equal(t, calls, 1)

	// didChange must not re-resolve: the assignment is sticky.
	reg.observe(didChange(t, "file:///proj/a.py", 2,
		protocol.TextDocumentContentChangeEvent{Text: "x = 2"}))
	be.Equal(t, calls, 1)
	be.Equal(t, reg.get("file:///proj/a.py").text, "x = 2")
}

func TestRegistryFullSyncChange(t *testing.T) {
	reg := newRegistry(fixedResolver(nil))
	reg.observe(didOpen(t, "file:///a.py", 1, "old"))
	doc := reg.observe(didChange(t, "file:///a.py", 2,
		protocol.TextDocumentContentChangeEvent{Text: "new"}))
	be.Equal(t, doc.text, "new")
	be.Equal(t, doc.version, int32(2))
}

func TestRegistryIncrementalChange(t *testing.T) {
	reg := newRegistry(fixedResolver(nil))
	reg.observe(didOpen(t, "file:///a.py", 1, "hello world\nsecond line\n"))

	rng := func(sl, sc, el, ec uint32) *protocol.Range {
		return &protocol.Range{
			Start: protocol.Position{Line: sl, Character: sc},
			End:   protocol.Position{Line: el, Character: ec},
		}
	}

	doc := reg.observe(didChange(t, "file:///a.py", 2,
		protocol.TextDocumentContentChangeEvent{Range: rng(0, 6, 0, 11), Text: "there"},
		protocol.TextDocumentContentChangeEvent{Range: rng(1, 0, 1, 6), Text: "2nd"},
	))
	be.Equal(t, doc.text, "hello there\n2nd line\n")
}

func TestRegistryIncrementalChangeMultibyte(t *testing.T) {
	// é is one UTF-16 unit but two bytes; 𝕏 is two UTF-16 units.
	reg := newRegistry(fixedResolver(nil))
	reg.observe(didOpen(t, "file:///a.py", 1, "é𝕏z"))

	doc := reg.observe(didChange(t, "file:///a.py", 2,
		protocol.TextDocumentContentChangeEvent{
			Range: &protocol.Range{
				Start: protocol.Position{Line: 0, Character: 3},
				End:   protocol.Position{Line: 0, Character: 4},
			},
			Text: "Z",
		}))
	be.Equal(t, doc.text, "é𝕏Z")
}

func TestRegistryBadEditKeepsSnapshot(t *testing.T) {
	reg := newRegistry(fixedResolver(nil))
	reg.observe(didOpen(t, "file:///a.py", 1, "short"))

	doc := reg.observe(didChange(t, "file:///a.py", 2,
		protocol.TextDocumentContentChangeEvent{
			Range: &protocol.Range{
				Start: protocol.Position{Line: 5, Character: 0},
				End:   protocol.Position{Line: 5, Character: 1},
			},
			Text: "x",
		}))
	be.Equal(t, doc.text, "short")
	be.Equal(t, doc.version, int32(2))
}

func TestRegistryDecreasingVersionIgnored(t *testing.T) {
	reg := newRegistry(fixedResolver(nil))
	reg.observe(didOpen(t, "file:///a.py", 5, "five"))

	doc := reg.observe(didChange(t, "file:///a.py", 3,
		protocol.TextDocumentContentChangeEvent{Text: "three"}))
	be.Equal(t, doc.text, "five")
	be.Equal(t, doc.version, int32(5))
}

func TestRegistryChangeForUnopenedDocument(t *testing.T) {
	reg := newRegistry(fixedResolver(nil))
	doc := reg.observe(didChange(t, "file:///nope.py", 1,
		protocol.TextDocumentContentChangeEvent{Text: "x"}))
	be.Equal(t, doc, nil)
}

func TestRegistryClose(t *testing.T) {
	reg := newRegistry(fixedResolver(nil))
	reg.observe(didOpen(t, "file:///a.py", 1, "x"))
	reg.observe(notification(t, "textDocument/didClose", protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///a.py"},
	}))
	be.Equal(t, reg.get("file:///a.py"), nil)
}

func TestRegistryDocumentsUnder(t *testing.T) {
	venvs := map[string]pyenv.Venv{
		"/a/one.py": "/a/.venv",
		"/a/two.py": "/a/.venv",
		"/b/one.py": "/b/.venv",
	}
	reg := newRegistry(fixedResolver(venvs))
	for path := range venvs {
		reg.observe(didOpen(t, "file://"+path, 1, "pass"))
	}
	reg.observe(didOpen(t, "file:///c/loose.py", 1, "pass"))

	be.Equal(t, len(reg.documentsUnder("/a/.venv")), 2)
	be.Equal(t, len(reg.documentsUnder("/b/.venv")), 1)
	be.Equal(t, len(reg.documentsUnder(pyenv.None)), 1)
}

func TestRegistrySnapshotDidOpen(t *testing.T) {
	reg := newRegistry(fixedResolver(nil))
	reg.observe(didOpen(t, "file:///a.py", 1, "v1"))
	reg.observe(didChange(t, "file:///a.py", 7,
		protocol.TextDocumentContentChangeEvent{Text: "v7"}))

	body, err := reg.snapshotDidOpen(reg.get("file:///a.py"))
	be.Err(t, err, nil)

	msg, err := jsonrpc2.Decode(body)
	be.Err(t, err, nil)
	be.Equal(t, msg.Method, "textDocument/didOpen")

	var params protocol.DidOpenTextDocumentParams
	be.Err(t, json.Unmarshal(msg.Params, &params), nil)
	be.Equal(t, params.TextDocument.Version, int32(7))
	be.Equal(t, params.TextDocument.Text, "v7")
	be.Equal(t, params.TextDocument.LanguageID, "python")
}

func TestApplyEditBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		rng     protocol.Range
		insert  string
		want    string
		wantErr bool
	}{
		{
			name: "insert at start",
			text: "abc",
			rng: protocol.Range{
				Start: protocol.Position{}, End: protocol.Position{},
			},
			insert: "x", want: "xabc",
		},
		{
			name: "append at end of line",
			text: "abc",
			rng: protocol.Range{
				Start: protocol.Position{Character: 3},
				End:   protocol.Position{Character: 3},
			},
			insert: "d", want: "abcd",
		},
		{
			name: "delete across lines",
			text: "one\ntwo\nthree",
			rng: protocol.Range{
				Start: protocol.Position{Line: 0, Character: 3},
				End:   protocol.Position{Line: 2, Character: 0},
			},
			insert: " ", want: "one three",
		},
		{
			name: "line out of bounds",
			text: "abc",
			rng: protocol.Range{
				Start: protocol.Position{Line: 2},
				End:   protocol.Position{Line: 2},
			},
			wantErr: true,
		},
		{
			name: "character past line end",
			text: "ab\ncd",
			rng: protocol.Range{
				Start: protocol.Position{Line: 0, Character: 5},
				End:   protocol.Position{Line: 0, Character: 6},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyEdit(tt.text, tt.rng, tt.insert)
			if tt.wantErr {
				be.True(t, err != nil)
				return
			}
			be.Err(t, err, nil)
			be.Equal(t, got, tt.want)
		})
	}
}
