package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Worker supervises one native media engine process. The control channel is
// newline-delimited JSON over the process's stdin/stdout: requests carry a
// monotonically increasing id, responses echo it back.
type Worker struct {
	id  string
	cmd *exec.Cmd

	stdin  io.WriteCloser
	nextID uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *channelResponse
	closed  bool
	done    chan struct{}

	logger *zap.SugaredLogger
}

type channelRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type channelResponse struct {
	ID       uint64          `json:"id"`
	Accepted bool            `json:"accepted,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SpawnWorker launches the engine binary and wires its control channel. The
// extra args carry per-process settings such as the RTC port slice.
func SpawnWorker(ctx context.Context, id, binary string, args []string, logger *zap.SugaredLogger) (*Worker, error) {
	cmd := exec.CommandContext(ctx, binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine process: %w", err)
	}

	w := &Worker{
		id:      id,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan *channelResponse),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.readLoop(stdout)
	go w.logLoop(stderr)
	go func() {
		err := cmd.Wait()
		w.fail(fmt.Errorf("engine process exited: %v", err))
	}()
	return w, nil
}

func (w *Worker) ID() string {
	return w.id
}

// Call sends one request over the channel and waits for its response.
func (w *Worker) Call(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal engine request: %w", err)
		}
		data = raw
	}

	id := atomic.AddUint64(&w.nextID, 1)
	ch := make(chan *channelResponse, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, fmt.Errorf("engine process %s is gone", w.id)
	}
	w.pending[id] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	raw, err := json.Marshal(channelRequest{ID: id, Method: method, Data: data})
	if err != nil {
		return nil, err
	}
	raw = append(raw, '\n')

	w.writeMu.Lock()
	_, err = w.stdin.Write(raw)
	w.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write to engine channel: %w", err)
	}

	select {
	case resp := <-ch:
		if !resp.Accepted {
			return nil, fmt.Errorf("engine rejected %s: %s: %s", method, resp.Error, resp.Reason)
		}
		return resp.Data, nil
	case <-w.done:
		return nil, fmt.Errorf("engine process %s is gone", w.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp channelResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			w.logger.Warnw("dropping malformed engine message", "process_id", w.id, "error", err)
			continue
		}
		// Claim the entry before delivering so a duplicate id is dropped
		// and the send can never block the loop or race a close.
		w.mu.Lock()
		ch, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
		}
		w.mu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
	w.fail(fmt.Errorf("engine channel closed"))
}

func (w *Worker) logLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		w.logger.Debugw("engine", "process_id", w.id, "line", scanner.Text())
	}
}

// fail rejects every in-flight call; later calls fail fast.
func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	// readLoop may hold a pending channel for delivery; never close those.
	// In-flight calls unblock through w.done instead.
	w.pending = nil
	close(w.done)
	w.mu.Unlock()
	w.logger.Warnw("engine process failed", "process_id", w.id, "error", err)
}

// Close terminates the process.
func (w *Worker) Close() error {
	w.fail(fmt.Errorf("worker closed"))
	w.stdin.Close()
	if w.cmd.Process != nil {
		return w.cmd.Process.Kill()
	}
	return nil
}
