// Package stdio implements the newline-delimited JSON-RPC 2.0 transport
// (spec.md §4.10/§6.2): one request per line on stdin, one response per
// line on stdout, logs to stderr, cancellation cooperative via a shared
// context.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loomhq/loomd/internal/dispatcher"
)

// Request is one JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is one JSON-RPC 2.0 response frame; exactly one of Result/Error
// is populated, matching the dispatcher's own envelope contract.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC framing-level error shape, distinct from the
// dispatcher's own tool-level error envelope (which rides inside Result).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server serves one stdio session: it reads newline-delimited requests
// from r, dispatches each through d, and writes newline-delimited
// responses to w.
type Server struct {
	d      *dispatcher.Dispatcher
	r      io.Reader
	w      io.Writer
	logger *slog.Logger
}

// New creates a Server reading requests from r and writing responses to w.
func New(d *dispatcher.Dispatcher, r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	return &Server{d: d, r: r, w: w, logger: logger}
}

// Serve reads and dispatches requests until ctx is cancelled or r returns
// EOF. Each request is handled on its own goroutine so a long-running tool
// call does not block the next line from being read; writes to w are
// serialized.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.handleLine(ctx, lineCopy)
			s.writeResponse(&writeMu, resp)
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio: scan: %w", err)
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{JSONRPC: "2.0", Error: &RPCError{Code: -32700, Message: "parse error"}}
	}

	var args map[string]any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32602, Message: "invalid params"}}
		}
	}

	env := s.d.Invoke(ctx, req.Method, args)
	return Response{JSONRPC: "2.0", ID: req.ID, Result: env}
}

func (s *Server) writeResponse(writeMu *sync.Mutex, resp Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("stdio: marshal response failed", "error", err)
		}
		return
	}
	line = append(line, '\n')

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := s.w.Write(line); err != nil && s.logger != nil {
		s.logger.Error("stdio: write response failed", "error", err)
	}
}
