// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package lcmipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/jbpf-go/jbpf/agent"
	"github.com/jbpf-go/jbpf/internal/jbpflog"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// Controller is the subset of *agent.Agent the server needs: enough
// to register a per-connection thread identity and run the two
// lifecycle entry points. Declared as an interface so tests can pass
// a fake without spinning up a whole Agent.
type Controller interface {
	RegisterThread() (*agent.ThreadContext, error)
	UnregisterThread(tc *agent.ThreadContext)
	Load(req *lcmapi.LoadRequest, tc *agent.ThreadContext) (lcmapi.Outcome, string)
	Unload(req *lcmapi.UnloadRequest, tc *agent.ThreadContext) (lcmapi.Outcome, string)
}

// SocketPath builds <run_path>/<namespace>/<socket_name>.
func SocketPath(runPath, namespace, socketName string) string {
	return filepath.Join(runPath, namespace, socketName)
}

// EnsureRunDir creates <run_path>/<namespace> with mode 0777 if it
// does not already exist; the run directory hosts the UNIX sockets.
func EnsureRunDir(runPath, namespace string) error {
	dir := filepath.Join(runPath, namespace)
	return os.MkdirAll(dir, 0o777)
}

// Server is the LCM-IPC socket server: one UNIX-domain stream
// listener accepting connections that each carry exactly one
// load/unload request, answered with exactly one response before the
// connection closes.
type Server struct {
	ln   net.Listener
	ctrl Controller
	log  *jbpflog.Helper

	wg sync.WaitGroup
}

// Listen binds the server to socketPath, removing any stale socket
// file left behind by a prior unclean shutdown first.
func Listen(socketPath string, ctrl Controller, log *jbpflog.Helper) (*Server, error) {
	if log == nil {
		log = jbpflog.New("lcmipc", nil)
	}
	_ = os.Remove(socketPath) // stale socket from a prior unclean exit
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("lcmipc: listen %s: %w", socketPath, err)
	}
	return &Server{ln: ln, ctrl: ctrl, log: log}, nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until Close is called. Run it in its own
// goroutine — it blocks.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight ones
// to finish.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var typ msgType
	if err := binary.Read(conn, binary.LittleEndian, &typ); err != nil {
		s.log.Warnf("lcmipc: failed to read msg_type: %v", err)
		return
	}

	tc, err := s.ctrl.RegisterThread()
	if err != nil {
		s.log.Errorf("lcmipc: register thread: %v", err)
		writeResp(conn, reqFail, err.Error())
		return
	}
	defer s.ctrl.UnregisterThread(tc)

	switch typ {
	case msgCodeletSetLoad:
		var w wireLoadReq
		if err := binary.Read(conn, binary.LittleEndian, &w); err != nil {
			writeResp(conn, reqFail, fmt.Sprintf("lcmipc: decode load request: %v", err))
			return
		}
		req := decodeLoadRequest(&w)
		outcome, msg := s.ctrl.Load(req, tc)
		s.log.Infof("codeletset %q load -> %s", req.CodeletSetID.Name, outcome)
		writeOutcome(conn, outcome, msg)

	case msgCodeletSetUnload:
		var w wireUnloadReq
		if err := binary.Read(conn, binary.LittleEndian, &w); err != nil {
			writeResp(conn, reqFail, fmt.Sprintf("lcmipc: decode unload request: %v", err))
			return
		}
		req := decodeUnloadRequest(&w)
		outcome, msg := s.ctrl.Unload(req, tc)
		s.log.Infof("codeletset %q unload -> %s", req.CodeletSetID.Name, outcome)
		writeOutcome(conn, outcome, msg)

	default:
		writeResp(conn, reqFail, fmt.Sprintf("lcmipc: unknown msg_type %d", typ))
	}
}

func writeOutcome(conn net.Conn, outcome lcmapi.Outcome, msg string) {
	ro := reqSuccess
	if outcome != lcmapi.LoadSuccess {
		ro = reqFail
	}
	writeResp(conn, ro, msg)
}

func writeResp(conn net.Conn, outcome reqOutcome, msg string) {
	var resp wireResp
	resp.Outcome = outcome
	setErrMsg(&resp.ErrMsg, msg)
	_ = binary.Write(conn, binary.LittleEndian, resp)
}

// SendLoadRequest implements the client side of the wire protocol:
// dial socketPath, send one load request, read and return the
// response. The returned bool is the wire-level
// SUCCESS/FAIL outcome; msg carries the server's (possibly truncated)
// error text on failure.
func SendLoadRequest(socketPath string, req *lcmapi.LoadRequest) (bool, string, error) {
	w, err := encodeLoadRequest(req)
	if err != nil {
		return false, "", err
	}
	var buf bytes.Buffer
	if err := writeMsg(&buf, msgCodeletSetLoad, w); err != nil {
		return false, "", err
	}
	return roundTrip(socketPath, buf.Bytes())
}

// SendUnloadRequest is SendLoadRequest's unload counterpart.
func SendUnloadRequest(socketPath string, req *lcmapi.UnloadRequest) (bool, string, error) {
	w, err := encodeUnloadRequest(req)
	if err != nil {
		return false, "", err
	}
	var buf bytes.Buffer
	if err := writeMsg(&buf, msgCodeletSetUnload, w); err != nil {
		return false, "", err
	}
	return roundTrip(socketPath, buf.Bytes())
}

func roundTrip(socketPath string, payload []byte) (bool, string, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false, "", fmt.Errorf("lcmipc: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return false, "", fmt.Errorf("lcmipc: write request: %w", err)
	}

	var resp wireResp
	if err := binary.Read(conn, binary.LittleEndian, &resp); err != nil {
		return false, "", fmt.Errorf("lcmipc: read response: %w", err)
	}
	return resp.Outcome == reqSuccess, getErrMsg(resp.ErrMsg), nil
}
