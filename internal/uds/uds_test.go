package uds

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSockPath keeps socket paths under the 104-byte sun_path limit on macOS.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "af-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T, setup func(s *Server)) (*Server, *Client) {
	t.Helper()
	sock := shortSockPath(t, "t.sock")
	server := NewServer(sock)
	if setup != nil {
		setup(server)
	}
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sock)
	client.SetTimeout(5 * time.Second)
	return server, client
}

func TestFraming_RoundTrip(t *testing.T) {
	sock := shortSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if !assert.NoError(t, ReadFrame(conn, &req)) {
			return
		}
		assert.Equal(t, CmdSnapshot, req.Command)
		assert.Equal(t, ProtocolVersion, req.ProtocolVersion)
		assert.NoError(t, WriteFrame(conn, SuccessResponse(map[string]string{"result": "ok"})))
	}()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest(CmdSnapshot, nil)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	assert.True(t, resp.Success)
	<-done
}

func TestFraming_LargePayload(t *testing.T) {
	_, client := startServer(t, func(s *Server) {
		s.Handle(CmdBroadcast, func(req *Request) *Response {
			var p struct{ Text string }
			if err := req.DecodeParams(&p); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
			return SuccessResponse(map[string]int{"length": len(p.Text)})
		})
	})

	var out map[string]int
	err := client.Call(CmdBroadcast, map[string]string{"Text": strings.Repeat("x", 1<<20)}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1<<20, out["length"])
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client := startServer(t, func(s *Server) {
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CmdPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client := startServer(t, nil)

	err := client.Call("nonexistent", nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail), "got %v", err)
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	_, client := startServer(t, func(s *Server) {
		s.Handle(CmdClearAll, func(*Request) *Response { panic("boom") })
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(map[string]string{"status": "ok"}) })
	})

	err := client.Call(CmdClearAll, nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeInternal, detail.Code)

	// the server keeps serving
	var out map[string]string
	require.NoError(t, client.Call(CmdPing, nil, &out))
	assert.Equal(t, "ok", out["status"])
}

func TestServer_MultipleClients(t *testing.T) {
	server, _ := startServer(t, func(s *Server) {
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(map[string]string{"status": "ok"}) })
	})

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(server.SocketPath())
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(CmdPing, nil, nil)
		}()
	}
	for i := 0; i < 10; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
	assert.Contains(t, err.Error(), "agentflow daemon")
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, client := startServer(t, func(s *Server) {
		s.SetConnTimeout(300 * time.Millisecond)
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	// an idle connection is dropped by the server
	conn, err := net.Dial("unix", server.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(500 * time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, readErr := conn.Read(make([]byte, 1))
	assert.Error(t, readErr)

	assert.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestServer_SocketLifecycle(t *testing.T) {
	sock := shortSockPath(t, "p.sock")
	server := NewServer(sock)
	require.NoError(t, server.Start())

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestResponse_Decode(t *testing.T) {
	var out map[string]int
	require.NoError(t, SuccessResponse(map[string]int{"count": 42}).Decode(&out))
	assert.Equal(t, 42, out["count"])

	assert.NoError(t, SuccessResponse(nil).Decode(&out))
	assert.Nil(t, SuccessResponse(nil).Data)

	err := ErrorResponse(ErrCodeValidation, "bad ids").Decode(nil)
	assert.EqualError(t, err, "VALIDATION_ERROR: bad ids")

	err = (&Response{}).Decode(nil)
	assert.Error(t, err)
}

func TestRequest_DecodeParams(t *testing.T) {
	req, err := NewRequest(CmdDeleteMessages, map[string][]string{"ids": {"a", "b"}})
	require.NoError(t, err)

	var p struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, req.DecodeParams(&p))
	assert.Equal(t, []string{"a", "b"}, p.IDs)

	empty, _ := NewRequest(CmdPing, nil)
	assert.NoError(t, empty.DecodeParams(&p))

	bad := &Request{Command: CmdDeliver, Params: json.RawMessage(`{"ids":`)}
	assert.Error(t, bad.DecodeParams(&p))
}
