package lsp

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// fakeServer is a tiny language server that treats every whole-word match of
// an identifier as a reference. It is enough to drive the client end to end.
type fakeServer struct {
	mu    sync.Mutex
	docs  map[string]string
	calls map[string]int
}

func newFakeServer() *fakeServer {
	return &fakeServer{docs: make(map[string]string), calls: make(map[string]int)}
}

func (s *fakeServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *fakeServer) serve(r io.Reader, w io.Writer) {
	reader := bufio.NewReader(r)
	var writeMu sync.Mutex
	reply := func(id json.RawMessage, result any, rpcErr *RPCError) {
		msg := &Message{ID: id, Error: rpcErr}
		if rpcErr == nil {
			data, _ := json.Marshal(result)
			msg.Result = data
		}
		writeMu.Lock()
		_ = writeMessage(w, msg)
		writeMu.Unlock()
	}

	for {
		msg, err := readMessage(reader)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.calls[msg.Method]++
		s.mu.Unlock()

		switch msg.Method {
		case "initialize":
			reply(msg.ID, map[string]any{
				"capabilities": map[string]any{
					"renameProvider":     map[string]any{"prepareProvider": true},
					"referencesProvider": true,
				},
				"serverInfo":   map[string]any{"name": "fake"},
			}, nil)
		case "textDocument/didOpen":
			var p DidOpenTextDocumentParams
			_ = json.Unmarshal(msg.Params, &p)
			s.setDoc(p.TextDocument.URI, p.TextDocument.Text)
		case "textDocument/didChange":
			var p DidChangeTextDocumentParams
			_ = json.Unmarshal(msg.Params, &p)
			if len(p.ContentChanges) > 0 {
				s.setDoc(p.TextDocument.URI, p.ContentChanges[len(p.ContentChanges)-1].Text)
			}
		case "textDocument/didClose":
			var p DidCloseTextDocumentParams
			_ = json.Unmarshal(msg.Params, &p)
			s.mu.Lock()
			delete(s.docs, p.TextDocument.URI)
			s.mu.Unlock()
		case "textDocument/references":
			var p ReferenceParams
			_ = json.Unmarshal(msg.Params, &p)
			reply(msg.ID, s.references(p.TextDocument.URI, p.Position), nil)
		case "textDocument/rename":
			var p RenameParams
			_ = json.Unmarshal(msg.Params, &p)
			locs := s.references(p.TextDocument.URI, p.Position)
			if len(locs) == 0 {
				reply(msg.ID, nil, nil)
				continue
			}
			edits := make([]TextEdit, 0, len(locs))
			for _, l := range locs {
				edits = append(edits, TextEdit{Range: l.Range, NewText: p.NewName})
			}
			reply(msg.ID, WorkspaceEdit{Changes: map[string][]TextEdit{p.TextDocument.URI: edits}}, nil)
		case "textDocument/prepareRename":
			var p TextDocumentPositionParams
			_ = json.Unmarshal(msg.Params, &p)
			locs := s.references(p.TextDocument.URI, p.Position)
			if len(locs) == 0 {
				reply(msg.ID, nil, nil)
				continue
			}
			reply(msg.ID, map[string]any{"range": s.wordRange(p.TextDocument.URI, p.Position), "placeholder": "x"}, nil)
		case "test/hang":
		case "test/fail":
			reply(msg.ID, nil, &RPCError{Code: InvalidParams, Message: "bad params"})
		case "shutdown":
			reply(msg.ID, nil, nil)
		case "exit":
			if c, ok := w.(io.Closer); ok {
				_ = c.Close()
			}
			return
		}
	}
}

func (s *fakeServer) setDoc(uri, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[uri] = text
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func (s *fakeServer) wordRange(uri string, pos Position) Range {
	s.mu.Lock()
	text := s.docs[uri]
	s.mu.Unlock()
	lines := strings.Split(text, "\n")
	if pos.Line >= len(lines) {
		return Range{}
	}
	line := lines[pos.Line]
	start, end := pos.Character, pos.Character
	for start > 0 && isIdentByte(line[start-1]) {
		start--
	}
	for end < len(line) && isIdentByte(line[end]) {
		end++
	}
	return Range{Start: Position{pos.Line, start}, End: Position{pos.Line, end}}
}

func (s *fakeServer) references(uri string, pos Position) []Location {
	r := s.wordRange(uri, pos)
	if r.Start == r.End {
		return nil
	}
	s.mu.Lock()
	text := s.docs[uri]
	s.mu.Unlock()
	lines := strings.Split(text, "\n")
	word := lines[pos.Line][r.Start.Character:r.End.Character]

	var out []Location
	for i, line := range lines {
		for off := 0; ; {
			idx := strings.Index(line[off:], word)
			if idx < 0 {
				break
			}
			start := off + idx
			end := start + len(word)
			if (start == 0 || !isIdentByte(line[start-1])) && (end == len(line) || !isIdentByte(line[end])) {
				out = append(out, Location{URI: uri, Range: Range{Start: Position{i, start}, End: Position{i, end}}})
			}
			off = end
		}
	}
	return out
}
