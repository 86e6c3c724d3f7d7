package control

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfd/internal/health"
	"shelfd/internal/webservice"
)

type fakeController struct {
	mu      sync.Mutex
	state   webservice.RunningState
	failure *webservice.Failure
	applied []webservice.Command
	// failNext makes the next Start end in Stopped with this failure.
	failNext *webservice.Failure
	// supersede makes Start a no-op, as when a later Stop cancelled it.
	supersede bool
	err       error
}

func (f *fakeController) Apply(_ context.Context, cmd webservice.Command) (webservice.RunningState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.state, f.err
	}
	f.applied = append(f.applied, cmd)
	switch cmd.Kind {
	case webservice.CommandStart:
		if f.supersede {
			break
		}
		if f.failNext != nil {
			f.failure, f.failNext = f.failNext, nil
			f.state = webservice.Stopped()
			break
		}
		port := webservice.Resolve(cmd.Port)
		f.state = webservice.Running(net.ParseIP("192.168.1.20"), port)
		f.failure = nil
	case webservice.CommandStop:
		f.state = webservice.Stopped()
	}
	return f.state, nil
}

func (f *fakeController) State() webservice.RunningState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) LastFailure() *webservice.Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}

func newTestClient(t *testing.T, ctrl Controller) (*Client, *Server) {
	t.Helper()
	s := New(Options{Addr: "127.0.0.1:0", Controller: ctrl, Health: health.NewTracker()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return NewClient(strings.TrimPrefix(ts.URL, "http://")), s
}

func TestStartStopRoundTrip(t *testing.T) {
	ctrl := &fakeController{state: webservice.Stopped()}
	client, _ := newTestClient(t, ctrl)
	ctx := context.Background()

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Phase)
	assert.False(t, st.Running)

	port := 2000
	st, err = client.Start(ctx, &port)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 2000, st.Port)
	assert.Equal(t, 2001, st.PushPort)
	assert.Equal(t, "http://192.168.1.20:2000", st.URL)

	st, err = client.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Phase)

	require.Len(t, ctrl.applied, 2)
	assert.Equal(t, webservice.CommandStart, ctrl.applied[0].Kind)
	require.NotNil(t, ctrl.applied[0].Port)
	assert.Equal(t, 2000, *ctrl.applied[0].Port)
	assert.Equal(t, webservice.CommandStop, ctrl.applied[1].Kind)
}

func TestStartWithoutPortUsesConfigured(t *testing.T) {
	ctrl := &fakeController{state: webservice.Stopped()}
	client, _ := newTestClient(t, ctrl)

	st, err := client.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, webservice.DefaultPort, st.Port)
	assert.Nil(t, ctrl.applied[0].Port)
}

func TestStartFailureIsReported(t *testing.T) {
	ctrl := &fakeController{
		state:    webservice.Stopped(),
		failNext: &webservice.Failure{Kind: webservice.FailureTransport, Message: "listen tcp :1122: bind: address already in use"},
	}
	client, _ := newTestClient(t, ctrl)

	_, err := client.Start(context.Background(), nil)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 503, reqErr.Code)
	assert.Equal(t, "listen tcp :1122: bind: address already in use", reqErr.Message)
	require.NotNil(t, reqErr.Status)
	require.NotNil(t, reqErr.Status.LastFailure)
	assert.Equal(t, "transport", reqErr.Status.LastFailure.Kind)
	assert.False(t, reqErr.Status.Running)
}

func TestSupersededStartDoesNotReportOldFailure(t *testing.T) {
	stale := &webservice.Failure{Kind: webservice.FailureEnvironment, Message: "no network address"}
	ctrl := &fakeController{state: webservice.Stopped(), failure: stale, supersede: true}
	client, _ := newTestClient(t, ctrl)

	st, err := client.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Phase)
	require.NotNil(t, st.LastFailure)
	assert.Equal(t, "no network address", st.LastFailure.Message)
}

func TestControllerGoneIsUnavailable(t *testing.T) {
	ctrl := &fakeController{state: webservice.Stopped(), err: webservice.ErrLoopStopped}
	client, _ := newTestClient(t, ctrl)

	_, err := client.Stop(context.Background())
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 503, reqErr.Code)
}

func TestDispatcherRoutes(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0", Controller: &fakeController{}})
	assert.Equal(t, []string{RescanCommandName, webservice.StartCommandName, webservice.StopCommandName}, s.Dispatcher().Names())

	resp, err := s.Dispatcher().Dispatch(context.Background(), webservice.StopCommand())
	require.NoError(t, err)
	st, ok := resp.(webservice.RunningState)
	require.True(t, ok)
	assert.Equal(t, webservice.PhaseStopped, st.Phase)

	_, err = s.Dispatcher().Dispatch(context.Background(), rescanCommand{})
	assert.Error(t, err, "no library configured")
}

func TestStatusConversion(t *testing.T) {
	st := Status(webservice.Starting(), nil)
	assert.Equal(t, "starting", st.Phase)
	assert.True(t, st.Running)
	assert.Empty(t, st.URL)
}

func TestServerLifecycleOnLoopback(t *testing.T) {
	tracker := health.NewTracker()
	s := New(Options{Addr: "127.0.0.1:0", Controller: &fakeController{state: webservice.Stopped()}, Health: tracker})
	require.NoError(t, s.Start(context.Background()))

	client := NewClient(s.Addr().String())
	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Phase)

	hs, ok := tracker.Status(health.ComponentControl)
	require.True(t, ok)
	assert.Equal(t, health.LevelOK, hs.Level)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
	_, err = client.Status(context.Background())
	assert.Error(t, err)
}

func TestRejectsNonLoopbackAddress(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:1121", ":1121", "192.168.1.5:1121"} {
		s := New(Options{Addr: addr, Controller: &fakeController{}})
		err := s.Start(context.Background())
		assert.ErrorIs(t, err, ErrNotLoopback, addr)
	}
	assert.NoError(t, checkLoopback("localhost:1121"))
	assert.NoError(t, checkLoopback("[::1]:1121"))
}
