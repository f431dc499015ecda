// Package protocol defines the subset of LSP structures the proxy
// needs to inspect. Everything else is forwarded as opaque JSON.
package protocol

import (
	"fmt"
	"net/url"
)

// DocumentURI is a URI identifying a text document, usually file://.
type DocumentURI string

// URIFromPath converts an absolute filesystem path to a file:// URI.
func URIFromPath(path string) DocumentURI {
	u := url.URL{Scheme: "file", Path: path}
	return DocumentURI(u.String())
}

// Path converts a file:// URI back to a filesystem path.
func (uri DocumentURI) Path() (string, error) {
	u, err := url.Parse(string(uri))
	if err != nil {
		return "", fmt.Errorf("protocol: parse uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("protocol: uri %q is not a file uri", uri)
	}
	if u.Path == "" {
		return "", fmt.Errorf("protocol: uri %q has no path", uri)
	}
	return u.Path, nil
}

// Position is a zero-based line/character offset. Character counts
// UTF-16 code units, per the LSP default encoding.
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// Range is a half-open [start, end) span in a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentItem is the full description of an opened document.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int32       `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentIdentifier names a document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document at a version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int32 `json:"version"`
}

// DidOpenTextDocumentParams is the payload of textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent is one edit inside didChange. A nil
// Range means the text replaces the whole document.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidChangeTextDocumentParams is the payload of textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams is the payload of textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidSaveTextDocumentParams is the payload of textDocument/didSave.
type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// Diagnostic is a single reported problem. The proxy only ever emits
// empty diagnostic sets, so the struct stays minimal.
type Diagnostic struct {
	Range    Range  `json:"range"`
	Severity int    `json:"severity,omitempty"`
	Message  string `json:"message"`
}

// PublishDiagnosticsParams is the payload of
// textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// CancelParams is the payload of $/cancelRequest.
type CancelParams struct {
	ID any `json:"id"`
}

// IsDocumentSync reports whether method is one of the document
// synchronization notifications the registry tracks.
func IsDocumentSync(method string) bool {
	switch method {
	case "textDocument/didOpen", "textDocument/didChange",
		"textDocument/didSave", "textDocument/didClose":
		return true
	}
	return false
}
