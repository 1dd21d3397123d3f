// Package ipc is the conductor's IpcServer: a local-only, newline-
// delimited JSON command channel. It binds a Unix domain socket on
// platforms that support one, falling back to a loopback-only TCP
// listener elsewhere.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"conductor/pkg/health"
	"conductor/pkg/logx"
	"conductor/pkg/messagebus"
	"conductor/pkg/processmgr"
)

// Request is one decoded IPC command line.
type Request struct {
	Cmd       string          `json:"cmd"`
	Path      string          `json:"path,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Recipient *string         `json:"recipient,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is the JSON object written back for every request.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func ok(data interface{}) Response { return Response{OK: true, Data: data} }
func okEmpty() Response            { return Response{OK: true} }
func errResp(err error) Response   { return Response{OK: false, Error: err.Error()} }
func errMsg(msg string) Response   { return Response{OK: false, Error: msg} }

// ShutdownRequester lets the server ask the Supervisor to begin shutdown.
type ShutdownRequester interface {
	RequestShutdown()
}

// Server is the conductor's IpcServer.
type Server struct {
	path     string
	tcpPort  int
	logger   *logx.Logger

	procmgr    *processmgr.ProcessManager
	health     *health.HealthChecker
	bus        *messagebus.MessageBus
	shutdown   ShutdownRequester

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Options configures a new Server.
type Options struct {
	Path    string
	TCPPort int
}

// New constructs an IpcServer dispatching to the given components.
func New(procmgr *processmgr.ProcessManager, hc *health.HealthChecker, bus *messagebus.MessageBus, shutdown ShutdownRequester, logger *logx.Logger, opts Options) *Server {
	return &Server{
		path:     opts.Path,
		tcpPort:  opts.TCPPort,
		logger:   logger,
		procmgr:  procmgr,
		health:   hc,
		bus:      bus,
		shutdown: shutdown,
	}
}

// Run binds the transport and accepts connections until ctx is cancelled.
// Bind failures abort the server (returned as an error); accept errors are
// logged and the loop continues.
func (s *Server) Run(ctx context.Context) error {
	listener, cleanup, err := s.listen()
	if err != nil {
		return fmt.Errorf("ipc: bind: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	defer cleanup()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Info("ipc server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			s.logger.Warn("ipc: accept error: %v", err)
			continue
		}

		if tcpConn, isTCP := conn.(*net.TCPConn); isTCP {
			addr, _ := tcpConn.RemoteAddr().(*net.TCPAddr)
			if addr == nil || !addr.IP.IsLoopback() {
				s.logger.Warn("ipc: rejected non-loopback connection from %v", tcpConn.RemoteAddr())
				_ = conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) listen() (net.Listener, func(), error) {
	if runtime.GOOS != "windows" {
		_ = os.Remove(s.path)
		l, err := net.Listen("unix", s.path)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = os.Remove(s.path) }, nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.tcpPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// On cancellation, unblock a pending read so the handler returns; a
	// response that is already being written is not cut off.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-handlerDone:
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			resp := s.dispatchLine(ctx, line)
			data, encErr := json.Marshal(resp)
			if encErr != nil {
				s.logger.Error("ipc: failed to encode response: %v", encErr)
				return
			}
			data = append(data, '\n')
			if _, werr := conn.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatchLine(ctx context.Context, line string) Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return errMsg(fmt.Sprintf("invalid command: %v", err))
	}
	return s.dispatch(ctx, req)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "ping":
		return ok(map[string]bool{"pong": true})

	case "save_state":
		return okEmpty()

	case "drain_and_shutdown":
		s.procmgr.StopAll(ctx)
		s.shutdown.RequestShutdown()
		return okEmpty()

	case "swap_binary":
		s.logger.Info("swap_binary requested, path=%s (placement is the caller's responsibility)", req.Path)
		pid, err := s.procmgr.Restart(ctx, processmgr.Engine)
		if err != nil {
			return errResp(err)
		}
		return ok(map[string]int{"pid": pid})

	case "get_status":
		return ok(map[string]interface{}{
			"children": s.procmgr.StatusAll(),
			"health":   s.health.Summary(),
		})

	case "wake_agent":
		s.bus.MarkOnline(req.AgentID)
		msgs, err := s.bus.DeliverPending(ctx, req.AgentID)
		if err != nil {
			return errResp(err)
		}
		return ok(map[string]int{"delivered": len(msgs)})

	case "publish":
		msg := messagebus.NewMessage(req.Topic, req.Sender, req.Recipient, req.Payload)
		if err := s.bus.Publish(ctx, msg); err != nil {
			return errResp(err)
		}
		return okEmpty()

	default:
		return errMsg(fmt.Sprintf("unknown command: %q", req.Cmd))
	}
}
