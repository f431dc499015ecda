package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"

	"github.com/venvoy/venvoy/internal/jsonrpc2"
	"github.com/venvoy/venvoy/internal/lsp/protocol"
	"github.com/venvoy/venvoy/internal/pyenv"
)

// document tracks a single open document across backend restarts.
type document struct {
	uri        protocol.DocumentURI
	languageID string
	version    int32
	text       string

	// venv is resolved once at didOpen and never again. A file opened
	// before its .venv exists keeps the no-venv association until it
	// is reopened.
	venv pyenv.Venv
}

// registry is the source of truth for open documents. It outlives
// every backend session and can replay any document to a fresh one.
// It is only touched from the supervisor goroutine.
type registry struct {
	docs    map[protocol.DocumentURI]*document
	resolve func(path string) pyenv.Venv
}

func newRegistry(resolve func(path string) pyenv.Venv) *registry {
	return &registry{
		docs:    make(map[protocol.DocumentURI]*document),
		resolve: resolve,
	}
}

func (g *registry) get(uri protocol.DocumentURI) *document {
	return g.docs[uri]
}

// observe applies a document-sync notification from the client and
// returns the affected document, or nil if the message is not one the
// registry tracks. Malformed or out-of-order messages are logged and
// tolerated; the caller forwards them regardless.
func (g *registry) observe(msg *jsonrpc2.Message) *document {
	switch msg.Method {
	case "textDocument/didOpen":
		var params protocol.DidOpenTextDocumentParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			slog.Warn("registry: bad didOpen params", "error", err)
			return nil
		}
		return g.open(params)
	case "textDocument/didChange":
		var params protocol.DidChangeTextDocumentParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			slog.Warn("registry: bad didChange params", "error", err)
			return nil
		}
		return g.change(params)
	case "textDocument/didSave":
		var params protocol.DidSaveTextDocumentParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			slog.Warn("registry: bad didSave params", "error", err)
			return nil
		}
		doc := g.docs[params.TextDocument.URI]
		if doc == nil {
			slog.Warn("registry: didSave for unopened document", "uri", params.TextDocument.URI)
			return nil
		}
		if params.Text != "" {
			doc.text = params.Text
		}
		return doc
	case "textDocument/didClose":
		var params protocol.DidCloseTextDocumentParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			slog.Warn("registry: bad didClose params", "error", err)
			return nil
		}
		doc := g.docs[params.TextDocument.URI]
		if doc == nil {
			slog.Warn("registry: didClose for unknown document", "uri", params.TextDocument.URI)
			return nil
		}
		delete(g.docs, params.TextDocument.URI)
		return doc
	}
	return nil
}

func (g *registry) open(params protocol.DidOpenTextDocumentParams) *document {
	item := params.TextDocument
	doc := &document{
		uri:        item.URI,
		languageID: item.LanguageID,
		version:    item.Version,
		text:       item.Text,
	}
	if path, err := item.URI.Path(); err != nil {
		slog.Warn("registry: uri not convertible, treating as no venv", "uri", item.URI, "error", err)
		doc.venv = pyenv.None
	} else {
		doc.venv = g.resolve(path)
	}
	g.docs[item.URI] = doc
	return doc
}

func (g *registry) change(params protocol.DidChangeTextDocumentParams) *document {
	doc := g.docs[params.TextDocument.URI]
	if doc == nil {
		slog.Warn("registry: didChange for unopened document", "uri", params.TextDocument.URI)
		return nil
	}
	if params.TextDocument.Version < doc.version {
		slog.Warn("registry: decreasing version, keeping snapshot",
			"uri", doc.uri, "have", doc.version, "got", params.TextDocument.Version)
		return doc
	}
	doc.version = params.TextDocument.Version

	text := doc.text
	for _, change := range params.ContentChanges {
		if change.Range == nil {
			text = change.Text
			continue
		}
		next, err := applyEdit(text, *change.Range, change.Text)
		if err != nil {
			slog.Warn("registry: edit failed, keeping snapshot", "uri", doc.uri, "error", err)
			return doc
		}
		text = next
	}
	doc.text = text
	return doc
}

// documentsUnder returns the documents whose cached venv equals venv.
func (g *registry) documentsUnder(venv pyenv.Venv) []*document {
	var docs []*document
	for _, doc := range g.docs {
		if doc.venv == venv {
			docs = append(docs, doc)
		}
	}
	return docs
}

// snapshotDidOpen synthesizes the didOpen notification that restores
// doc's current state on a fresh backend.
func (g *registry) snapshotDidOpen(doc *document) ([]byte, error) {
	return jsonrpc2.NewNotification("textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        doc.uri,
			LanguageID: doc.languageID,
			Version:    doc.version,
			Text:       doc.text,
		},
	})
}

// applyEdit replaces rng in text with newText. Positions use LSP
// semantics: zero-based lines, UTF-16 code-unit columns.
func applyEdit(text string, rng protocol.Range, newText string) (string, error) {
	start, err := offsetOf(text, rng.Start)
	if err != nil {
		return "", err
	}
	end, err := offsetOf(text, rng.End)
	if err != nil {
		return "", err
	}
	if end < start {
		return "", fmt.Errorf("range end precedes start")
	}
	return text[:start] + newText + text[end:], nil
}

// offsetOf converts an LSP position to a byte offset in text.
func offsetOf(text string, pos protocol.Position) (int, error) {
	offset := 0
	for line := uint32(0); line < pos.Line; line++ {
		next := strings.IndexByte(text[offset:], '\n')
		if next < 0 {
			return 0, fmt.Errorf("line %d out of bounds", pos.Line)
		}
		offset += next + 1
	}
	// Walk the line counting UTF-16 units.
	units := uint32(0)
	for i, r := range text[offset:] {
		if units >= pos.Character {
			return offset + i, nil
		}
		if r == '\n' {
			return 0, fmt.Errorf("character %d past end of line %d", pos.Character, pos.Line)
		}
		units += uint32(utf16.RuneLen(r))
	}
	if units >= pos.Character {
		return len(text), nil
	}
	return 0, fmt.Errorf("character %d past end of text", pos.Character)
}
