package protocol_test

import (
	"testing"

	"github.com/nalgeon/be"
	"github.com/venvoy/venvoy/internal/lsp/protocol"
)

func TestURIRoundTrip(t *testing.T) {
	uri := protocol.URIFromPath("/repo/a/m.py")
	be.Equal(t, uri, protocol.DocumentURI("file:///repo/a/m.py"))

	path, err := uri.Path()
	be.Err(t, err, nil)
	be.Equal(t, path, "/repo/a/m.py")
}

func TestURIWithSpaces(t *testing.T) {
	uri := protocol.URIFromPath("/my project/m.py")
	path, err := uri.Path()
	be.Err(t, err, nil)
	be.Equal(t, path, "/my project/m.py")
}

func TestPathRejectsNonFileURIs(t *testing.T) {
	_, err := protocol.DocumentURI("untitled:Untitled-1").Path()
	be.True(t, err != nil)

	_, err = protocol.DocumentURI("https://example.com/a.py").Path()
	be.True(t, err != nil)
}

func TestIsDocumentSync(t *testing.T) {
	be.True(t, protocol.IsDocumentSync("textDocument/didOpen"))
	be.True(t, protocol.IsDocumentSync("textDocument/didClose"))
	be.True(t, !protocol.IsDocumentSync("textDocument/hover"))
	be.True(t, !protocol.IsDocumentSync("initialized"))
}
