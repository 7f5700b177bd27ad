package snapctrl_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	snapctrl "github.com/snapctrl/go-snapctrl"
)

// mockServer is an in-process snapserver speaking newline-delimited
// JSON-RPC over real TCP. Each incoming request is passed to handle; a nil
// handle (or a nil reply) leaves the request unanswered.
type mockServer struct {
	t      *testing.T
	ln     net.Listener
	handle func(method string, id uint64, params json.RawMessage) *mockReply

	mu       sync.Mutex
	accepted int
	conns    []net.Conn

	closeOnce sync.Once
}

type mockReply struct {
	result string
	errObj string
	delay  time.Duration
}

func resultReply(result string) *mockReply { return &mockReply{result: result} }

// compactJSON collapses a possibly multi-line JSON payload onto one line so
// it fits the newline-delimited framing the mock speaks.
func compactJSON(src string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(src)); err != nil {
		return src
	}
	return buf.String()
}

func newMockServer(t *testing.T, handle func(method string, id uint64, params json.RawMessage) *mockReply) *mockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &mockServer{t: t, ln: ln, handle: handle}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *mockServer) hostPort() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (s *mockServer) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *mockServer) close() {
	s.closeOnce.Do(func() {
		s.ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			c.Close()
		}
	})
}

// push writes raw bytes to the most recent connection.
func (s *mockServer) push(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Error("push: no connection")
		return
	}
	conn := s.conns[len(s.conns)-1]
	if _, err := conn.Write([]byte(raw)); err != nil {
		s.t.Logf("push: %v", err)
	}
}

// notify pushes one notification line.
func (s *mockServer) notify(method, params string) {
	s.push(fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s}`+"\n", method, params))
}

func (s *mockServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *mockServer) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.t.Logf("mock server: bad request: %v", err)
			continue
		}
		if s.handle == nil {
			continue
		}
		reply := s.handle(req.Method, req.ID, req.Params)
		if reply == nil {
			continue
		}
		go func(id uint64, r *mockReply) {
			if r.delay > 0 {
				time.Sleep(r.delay)
			}
			var line string
			if r.errObj != "" {
				line = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":%s}`+"\n", id, compactJSON(r.errObj))
			} else {
				line = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, compactJSON(r.result))
			}
			s.mu.Lock()
			conn.Write([]byte(line))
			s.mu.Unlock()
		}(req.ID, reply)
	}
}

func dialMock(t *testing.T, s *mockServer, opts ...snapctrl.ConnOption) *snapctrl.Conn {
	t.Helper()
	host, port := s.hostPort()
	conn, err := snapctrl.Dial(context.Background(), host, port, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCallReturnsMatchingResult(t *testing.T) {
	srv := newMockServer(t, func(method string, id uint64, _ json.RawMessage) *mockReply {
		return resultReply(strconv.Quote("result for " + method))
	})
	conn := dialMock(t, srv)

	result, err := conn.Call(context.Background(), "Server.GetRPCVersion", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got != "result for Server.GetRPCVersion" {
		t.Errorf("got result %q", got)
	}
}

func TestCallCorrelatesReorderedResponses(t *testing.T) {
	// The slow call's response arrives after the fast call's; each caller
	// must still receive its own result.
	srv := newMockServer(t, func(method string, id uint64, _ json.RawMessage) *mockReply {
		r := resultReply(strconv.Quote(method))
		if method == "slow" {
			r.delay = 150 * time.Millisecond
		}
		return r
	})
	conn := dialMock(t, srv)

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, method := range []string{"slow", "fast"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			res, err := conn.Call(context.Background(), m, nil)
			if err != nil {
				t.Errorf("call %s: %v", m, err)
				return
			}
			var got string
			json.Unmarshal(res, &got)
			mu.Lock()
			results[m] = got
			mu.Unlock()
		}(method)
	}
	wg.Wait()

	if results["slow"] != "slow" || results["fast"] != "fast" {
		t.Errorf("responses misrouted: %v", results)
	}
}

func TestCallTimeoutAndLateResponseDiscarded(t *testing.T) {
	srv := newMockServer(t, func(method string, id uint64, _ json.RawMessage) *mockReply {
		if method == "late" {
			return &mockReply{result: `"too late"`, delay: 200 * time.Millisecond}
		}
		return resultReply(`"ok"`)
	})
	conn := dialMock(t, srv, snapctrl.WithCallTimeout(50*time.Millisecond))

	if _, err := conn.Call(context.Background(), "late", nil); !errors.Is(err, snapctrl.ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}

	// The late response must be silently dropped; the session stays usable.
	time.Sleep(250 * time.Millisecond)
	if _, err := conn.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("call after late response: %v", err)
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	srv := newMockServer(t, func(method string, id uint64, _ json.RawMessage) *mockReply {
		return &mockReply{errObj: `{"code":-32601,"message":"Method not found","data":"Nope.Nope"}`}
	})
	conn := dialMock(t, srv)

	_, err := conn.Call(context.Background(), "Nope.Nope", nil)
	var rpcErr *snapctrl.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d, want -32601", rpcErr.Code)
	}
	want := "[-32601] Method not found: Nope.Nope"
	if rpcErr.Error() != want {
		t.Errorf("Error() = %q, want %q", rpcErr.Error(), want)
	}
}

func TestCloseResolvesPendingCalls(t *testing.T) {
	srv := newMockServer(t, nil) // never answers
	conn := dialMock(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "hang", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, snapctrl.ErrConnClosed) {
			t.Errorf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not resolved by Close")
	}

	if _, err := conn.Call(context.Background(), "after", nil); !errors.Is(err, snapctrl.ErrConnClosed) {
		t.Errorf("call after close: expected ErrConnClosed, got %v", err)
	}
}

func TestNotificationsDeliveredInOrder(t *testing.T) {
	srv := newMockServer(t, nil)
	conn := dialMock(t, srv)

	for i := range 3 {
		srv.notify("Client.OnVolumeChanged", fmt.Sprintf(`{"id":"c","volume":{"percent":%d}}`, i))
	}

	for i := range 3 {
		select {
		case n := <-conn.Notifications():
			var p struct {
				Volume struct {
					Percent int `json:"percent"`
				} `json:"volume"`
			}
			if err := json.Unmarshal(n.Params, &p); err != nil {
				t.Fatalf("params: %v", err)
			}
			if p.Volume.Percent != i {
				t.Errorf("notification %d out of order: percent = %d", i, p.Volume.Percent)
			}
		case <-time.After(time.Second):
			t.Fatalf("notification %d never arrived", i)
		}
	}
}

func TestChunkedLineStillDecodes(t *testing.T) {
	srv := newMockServer(t, nil)
	conn := dialMock(t, srv)

	line := `{"jsonrpc":"2.0","method":"Group.OnMute","params":{"id":"g1","mute":true}}` + "\n"
	srv.push(line[:20])
	time.Sleep(30 * time.Millisecond)
	srv.push(line[20:])

	select {
	case n := <-conn.Notifications():
		if n.Method != "Group.OnMute" {
			t.Errorf("method = %q", n.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("chunked notification never arrived")
	}
}

func TestNotificationOverflowInvokesDropHandler(t *testing.T) {
	srv := newMockServer(t, nil)
	dropped := make(chan string, 8)
	conn := dialMock(t, srv,
		snapctrl.WithNotificationBuffer(1),
		snapctrl.WithNotificationDropHandler(func(method string) { dropped <- method }))
	_ = conn // notifications deliberately not drained

	for range 4 {
		srv.notify("Client.OnVolumeChanged", `{"id":"c","volume":{"percent":1}}`)
	}

	select {
	case method := <-dropped:
		if method != "Client.OnVolumeChanged" {
			t.Errorf("dropped method = %q", method)
		}
	case <-time.After(time.Second):
		t.Fatal("drop handler never invoked")
	}
}

func TestCorruptedStreamTearsDownConnection(t *testing.T) {
	srv := newMockServer(t, nil)
	conn := dialMock(t, srv, snapctrl.WithDecodeFailureLimit(3))

	for range 3 {
		srv.push("this is not json\n")
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not torn down after consecutive decode failures")
	}
}

func TestDecodeFailureCounterResets(t *testing.T) {
	srv := newMockServer(t, nil)
	conn := dialMock(t, srv, snapctrl.WithDecodeFailureLimit(3))

	// Two bad lines, one good, two bad: never three in a row.
	srv.push("garbage\n")
	srv.push("garbage\n")
	srv.notify("Group.OnMute", `{"id":"g1","mute":true}`)
	srv.push("garbage\n")
	srv.push("garbage\n")

	select {
	case <-conn.Notifications():
	case <-time.After(time.Second):
		t.Fatal("good notification never arrived")
	}

	select {
	case <-conn.Done():
		t.Fatal("connection torn down although failures were not consecutive")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialFailureReturnsConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = snapctrl.Dial(context.Background(), "127.0.0.1", port)
	var connErr *snapctrl.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError, got %v", err)
	}
}
