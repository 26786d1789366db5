package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Cmd represents a cache command type.
type Cmd string

const (
	CmdPut   = Cmd("put")
	CmdGet   = Cmd("get")
	CmdClose = Cmd("close")
)

// Request represents a request from the go command. The body of a put is
// not part of the JSON object; it follows on the next line as a base64
// encoded JSON string.
type Request struct {
	ID       int64
	Command  Cmd
	ActionID []byte `json:",omitempty"`
	OutputID []byte `json:",omitempty"`
	BodySize int64  `json:",omitempty"`
}

// Response represents a response to the go command.
type Response struct {
	ID            int64      `json:",omitempty"`
	Err           string     `json:",omitempty"`
	KnownCommands []Cmd      `json:",omitempty"`
	Miss          bool       `json:",omitempty"`
	OutputID      []byte     `json:",omitempty"`
	Size          int64      `json:",omitempty"`
	Time          *time.Time `json:",omitempty"`
	DiskPath      string     `json:",omitempty"`
}

// CacheProg implements the GOCACHEPROG protocol on top of a CacheBackend.
// Requests are read sequentially and handled concurrently; responses are
// written as they complete and matched by ID on the go command side.
type CacheProg struct {
	backend CacheBackend
	dec     *json.Decoder
	logger  *slog.Logger

	mu sync.Mutex // guards w
	w  *bufio.Writer
}

// NewCacheProg creates a new cache program reading requests from r and
// writing responses to w.
func NewCacheProg(backend CacheBackend, r io.Reader, w io.Writer, logger *slog.Logger) *CacheProg {
	return &CacheProg{
		backend: backend,
		dec:     json.NewDecoder(bufio.NewReader(r)),
		logger:  logger,
		w:       bufio.NewWriter(w),
	}
}

// sendResponse writes one response line and flushes it.
func (cp *CacheProg) sendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if _, err := cp.w.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := cp.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return cp.w.Flush()
}

// readRequest reads the next request and, for a put, its body.
func (cp *CacheProg) readRequest() (*Request, []byte, error) {
	var req Request
	if err := cp.dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("failed to decode request: %w", err)
	}

	if req.Command != CmdPut || req.BodySize == 0 {
		return &req, nil, nil
	}

	// A JSON string decodes into []byte as base64.
	var body []byte
	if err := cp.dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			// The go command went away in the middle of a put.
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("failed to decode body of request %d: %w", req.ID, err)
	}
	return &req, body, nil
}

// handle processes a single request and sends its response.
func (cp *CacheProg) handle(ctx context.Context, req *Request, body []byte) error {
	resp := Response{ID: req.ID}

	switch req.Command {
	case CmdPut:
		diskPath, err := cp.backend.Put(ctx, req.ActionID, req.OutputID, bytes.NewReader(body), req.BodySize)
		if err != nil {
			cp.logger.Error("put failed", "actionID", hex.EncodeToString(req.ActionID), "error", err)
			resp.Err = err.Error()
		} else {
			resp.DiskPath = diskPath
		}

	case CmdGet:
		res, err := cp.backend.Get(ctx, req.ActionID)
		switch {
		case err != nil:
			cp.logger.Error("get failed", "actionID", hex.EncodeToString(req.ActionID), "error", err)
			resp.Err = err.Error()
		case res.Miss:
			resp.Miss = true
		default:
			resp.OutputID = res.OutputID
			resp.DiskPath = res.DiskPath
			resp.Size = res.Size
			putTime := res.PutTime
			resp.Time = &putTime
		}

	case CmdClose:
		if err := cp.backend.Close(); err != nil {
			resp.Err = err.Error()
		}

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return cp.sendResponse(resp)
}

// Run announces the supported commands and serves requests until close or
// end of input.
func (cp *CacheProg) Run(ctx context.Context) error {
	if err := cp.sendResponse(Response{KnownCommands: []Cmd{CmdPut, CmdGet, CmdClose}}); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		writeErr error
	)
	fail := func(err error) {
		errOnce.Do(func() { writeErr = err })
	}

	for {
		req, body, err := cp.readRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			wg.Wait()
			return err
		}

		if req.Command == CmdClose {
			// Let in-flight requests finish before the backend closes.
			wg.Wait()
			if err := cp.handle(ctx, req, nil); err != nil {
				return fmt.Errorf("failed to handle close: %w", err)
			}
			return writeErr
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cp.handle(ctx, req, body); err != nil {
				fail(fmt.Errorf("failed to handle request %d: %w", req.ID, err))
			}
		}()
	}

	wg.Wait()
	return writeErr
}
