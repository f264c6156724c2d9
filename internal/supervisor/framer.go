package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/pkg/jsonrpc"
)

const (
	// defaultNotifyCapacity bounds the notification channel; when the
	// consumer falls behind, the oldest notification is dropped.
	defaultNotifyCapacity = 256

	// defaultParseErrorThreshold is the number of consecutive unparseable
	// stdout lines tolerated before the transport is declared failed.
	defaultParseErrorThreshold = 100

	// maxLineBytes caps a single stdout/stderr line. Longer lines are
	// truncated into the log sink rather than buffered without bound.
	maxLineBytes = 1 << 20 // 1 MiB
)

// LogSink receives child output that is not a JSON-RPC frame: stderr lines,
// unparseable stdout lines, and framer-level events.
type LogSink func(level, message string)

// pendingCall is one outstanding request awaiting its response.
type pendingCall struct {
	ch         chan *jsonrpc.Message // buffered, one-shot
	originalID jsonrpc.ID
	rewritten  bool
}

// framer speaks newline-delimited JSON-RPC 2.0 over a child's stdio. Writes
// are serialised by a mutex so concurrent senders cannot interleave frames;
// the read loop correlates responses to pending requests by id and fans
// notifications out to a bounded channel.
type framer struct {
	stdin   io.Writer
	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]*pendingCall
	nextID  atomic.Int64

	notifs  chan *jsonrpc.Message
	dropped atomic.Uint64
	onDrop  func()

	sink LogSink

	failOnce  sync.Once
	failedCh  chan struct{}
	failCause atomic.Pointer[error]

	parseErrorThreshold int
	wg                  sync.WaitGroup
}

func newFramer(stdin io.Writer, sink LogSink, onDrop func()) *framer {
	return &framer{
		stdin:               stdin,
		pending:             make(map[string]*pendingCall),
		notifs:              make(chan *jsonrpc.Message, defaultNotifyCapacity),
		onDrop:              onDrop,
		sink:                sink,
		failedCh:            make(chan struct{}),
		parseErrorThreshold: defaultParseErrorThreshold,
	}
}

// start launches the stdout read loop and the stderr pump.
func (f *framer) start(stdout, stderr io.Reader) {
	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		f.readLoop(stdout)
	}()
	go func() {
		defer f.wg.Done()
		f.stderrLoop(stderr)
	}()
}

// wait blocks until both pump goroutines have exited.
func (f *framer) wait() { f.wg.Wait() }

// notifications returns the bounded channel of child notifications and
// server-initiated requests.
func (f *framer) notifications() <-chan *jsonrpc.Message { return f.notifs }

// droppedNotifications returns the count of notifications evicted because
// the consumer could not keep up.
func (f *framer) droppedNotifications() uint64 { return f.dropped.Load() }

// call sends a request and blocks until the response arrives, the context
// ends, or the transport fails. If the request id is absent or duplicates an
// outstanding id, a fresh monotonic id is substituted on the wire and the
// client's original id is restored on the returned response.
func (f *framer) call(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	select {
	case <-f.failedCh:
		return nil, service.ErrTransportClosed
	default:
	}

	wire, pc, key, err := f.register(req)
	if err != nil {
		return nil, err
	}

	if err := f.writeFrame(wire); err != nil {
		f.unregister(key)
		f.fail(fmt.Errorf("write to child: %w", err))
		return nil, service.ErrTransportClosed
	}

	select {
	case resp := <-pc.ch:
		if resp == nil {
			return nil, service.ErrTransportClosed
		}
		if pc.rewritten {
			return restoreID(resp, pc.originalID)
		}
		return resp, nil
	case <-ctx.Done():
		f.unregister(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, service.ErrTimeout
		}
		return nil, ctx.Err()
	case <-f.failedCh:
		f.unregister(key)
		return nil, service.ErrTransportClosed
	}
}

// notify sends a notification frame without correlation.
func (f *framer) notify(msg *jsonrpc.Message) error {
	select {
	case <-f.failedCh:
		return service.ErrTransportClosed
	default:
	}
	if err := f.writeFrame(msg.Raw); err != nil {
		f.fail(fmt.Errorf("write to child: %w", err))
		return service.ErrTransportClosed
	}
	return nil
}

// register inserts the pending entry, rewriting the id when absent or
// already outstanding. Returns the wire bytes to send and the map key.
func (f *framer) register(req *jsonrpc.Message) (wire []byte, pc *pendingCall, key string, err error) {
	f.pendMu.Lock()
	defer f.pendMu.Unlock()

	pc = &pendingCall{ch: make(chan *jsonrpc.Message, 1), originalID: req.ID}

	id := req.ID
	_, taken := f.pending[id.Key()]
	if !id.IsSet() || taken {
		for {
			id = jsonrpc.StringID(fmt.Sprintf("px-%d", f.nextID.Add(1)))
			if _, dup := f.pending[id.Key()]; !dup {
				break
			}
		}
		pc.rewritten = true
	}

	wire = req.Raw
	if pc.rewritten {
		wire, err = jsonrpc.WithID(req.Raw, id)
		if err != nil {
			return nil, nil, "", fmt.Errorf("rewrite request id: %w", err)
		}
	}

	key = id.Key()
	f.pending[key] = pc
	return wire, pc, key, nil
}

func (f *framer) unregister(key string) {
	f.pendMu.Lock()
	delete(f.pending, key)
	f.pendMu.Unlock()
}

// writeFrame serialises one frame: payload bytes plus the line terminator in
// a single write.
func (f *framer) writeFrame(payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err := f.stdin.Write(frame)
	return err
}

// fail marks the transport as failed exactly once and completes every
// outstanding request with a transport-closed result.
func (f *framer) fail(cause error) {
	f.failOnce.Do(func() {
		f.failCause.Store(&cause)
		close(f.failedCh)

		f.pendMu.Lock()
		for key, pc := range f.pending {
			close(pc.ch) // receivers observe nil
			delete(f.pending, key)
		}
		f.pendMu.Unlock()

		if f.sink != nil {
			f.sink("error", fmt.Sprintf("transport closed: %v", cause))
		}
	})
}

// failed reports whether the transport has failed, and the cause.
func (f *framer) failed() (bool, error) {
	select {
	case <-f.failedCh:
		if p := f.failCause.Load(); p != nil {
			return true, *p
		}
		return true, nil
	default:
		return false, nil
	}
}

// readLoop splits the child's stdout on newlines and dispatches each frame.
func (f *framer) readLoop(stdout io.Reader) {
	consecutiveParseErrors := 0

	r := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := readLine(r)
		if len(line) > 0 {
			if f.dispatch(line) {
				consecutiveParseErrors = 0
			} else {
				consecutiveParseErrors++
				if consecutiveParseErrors == f.parseErrorThreshold {
					// Declare the transport failed but keep draining so the
					// child does not block on a full stdout pipe; remaining
					// lines still land in the log sink.
					f.fail(fmt.Errorf("parse errors exceeded threshold (%d)", f.parseErrorThreshold))
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.fail(errors.New("child closed stdout"))
			} else {
				f.fail(fmt.Errorf("read from child: %w", err))
			}
			return
		}
	}
}

// dispatch routes one stdout line. Returns false if the line was not a
// well-formed JSON-RPC message.
func (f *framer) dispatch(line []byte) bool {
	msg, err := jsonrpc.Parse(line)
	if err != nil {
		// Not a frame: forward the raw text to the log sink.
		if f.sink != nil {
			f.sink("stdout", string(line))
		}
		return false
	}

	switch msg.Kind {
	case jsonrpc.KindResponse:
		f.pendMu.Lock()
		pc, ok := f.pending[msg.ID.Key()]
		if ok {
			delete(f.pending, msg.ID.Key())
		}
		f.pendMu.Unlock()
		if !ok {
			if f.sink != nil {
				f.sink("warn", fmt.Sprintf("dropped response with unknown id %s", msg.ID))
			}
			return true
		}
		pc.ch <- msg
	case jsonrpc.KindNotification, jsonrpc.KindRequest:
		// Server-initiated requests are delivered out-of-band like
		// notifications; the proxy never answers them.
		f.deliverNotification(msg)
	}
	return true
}

// deliverNotification enqueues on the bounded channel, evicting the oldest
// entry when full.
func (f *framer) deliverNotification(msg *jsonrpc.Message) {
	for {
		select {
		case f.notifs <- msg:
			return
		default:
		}
		select {
		case <-f.notifs:
			f.dropped.Add(1)
			if f.onDrop != nil {
				f.onDrop()
			}
		default:
		}
	}
}

// stderrLoop forwards stderr lines to the log sink. Stderr bytes are never
// frames.
func (f *framer) stderrLoop(stderr io.Reader) {
	r := bufio.NewReaderSize(stderr, 64*1024)
	for {
		line, err := readLine(r)
		if len(line) > 0 && f.sink != nil {
			f.sink("stderr", string(line))
		}
		if err != nil {
			return
		}
	}
}

// readLine reads up to the next newline, capping the returned line at
// maxLineBytes. Overlong lines are truncated and the remainder discarded so
// a child spewing garbage cannot exhaust memory.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			if len(line) < maxLineBytes {
				room := maxLineBytes - len(line)
				if len(chunk) > room {
					chunk = chunk[:room]
				}
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			return trimEOL(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return trimEOL(line), err
		}
	}
}

func trimEOL(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// restoreID maps the child's response back to the client's original id.
// When the client omitted the id, the response carries null.
func restoreID(resp *jsonrpc.Message, original jsonrpc.ID) (*jsonrpc.Message, error) {
	target := original
	if !original.IsSet() {
		target = jsonrpc.RawID(json.RawMessage("null"))
	}
	raw, err := jsonrpc.WithID(resp.Raw, target)
	if err != nil {
		return nil, fmt.Errorf("restore response id: %w", err)
	}
	restored := *resp
	restored.Raw = raw
	restored.ID = original
	return &restored, nil
}
