package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfd/internal/control"
	"shelfd/internal/webservice"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelfd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("web:\n  port: 4000\n"), 0o600))

	out, err := run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "port: 4000")
	assert.Contains(t, out, "push_idle_timeout: 30s")
}

type stubController struct {
	state   webservice.RunningState
	failure *webservice.Failure
}

func (s *stubController) Apply(_ context.Context, cmd webservice.Command) (webservice.RunningState, error) {
	if cmd.Kind == webservice.CommandStop {
		s.state = webservice.Stopped()
		return s.state, nil
	}
	if s.failure == nil {
		s.state = webservice.Running(net.ParseIP("192.168.1.7"), webservice.Resolve(cmd.Port))
	}
	return s.state, nil
}

func (s *stubController) State() webservice.RunningState   { return s.state }
func (s *stubController) LastFailure() *webservice.Failure { return s.failure }

func controlAddr(t *testing.T, ctrl control.Controller) string {
	t.Helper()
	srv := control.New(control.Options{Addr: "127.0.0.1:0", Controller: ctrl})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestCtlStartStatusStop(t *testing.T) {
	addr := controlAddr(t, &stubController{state: webservice.Stopped()})

	out, err := run(t, "ctl", "--addr", addr, "start", "--port", "3000")
	require.NoError(t, err)
	assert.Contains(t, out, "serving at 192.168.1.7:3000")
	assert.Contains(t, out, "ws://192.168.1.7:3001/")
	assert.Contains(t, out, "shelfd ctl stop")

	out, err = run(t, "ctl", "--addr", addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "serving at")

	out, err = run(t, "ctl", "--addr", addr, "stop")
	require.NoError(t, err)
	assert.Equal(t, "stopped\n", out)
}

func TestCtlStartFailurePrintsReason(t *testing.T) {
	addr := controlAddr(t, &stubController{
		state:   webservice.Stopped(),
		failure: &webservice.Failure{Kind: webservice.FailureEnvironment, Message: "no network address"},
	})

	out, err := run(t, "ctl", "--addr", addr, "start")
	require.Error(t, err)
	assert.Contains(t, out, "stopped")
	assert.Contains(t, out, "last failure (environment): no network address")
}

func TestCtlWithoutDaemon(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = run(t, "ctl", "--addr", addr, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is shelfd running?")
}
