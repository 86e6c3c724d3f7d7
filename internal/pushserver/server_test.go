package pushserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfd/internal/events"
	"shelfd/internal/library"
)

func startServer(t *testing.T, deps Deps, idle time.Duration) (*Server, string) {
	t.Helper()
	s := New(deps)
	require.NoError(t, s.StartWithTimeout(context.Background(), 0, idle))
	t.Cleanup(func() { s.Stop() })
	port := s.Addr().(*net.TCPAddr).Port
	return s, fmt.Sprintf("ws://127.0.0.1:%d/", port)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHelloAndPing(t *testing.T) {
	s, url := startServer(t, Deps{}, 0)
	conn := dial(t, url)

	hello := read(t, conn)
	assert.Equal(t, TypeHello, hello.Type)
	assert.Len(t, hello.ClientID, 36)
	require.Eventually(t, func() bool { return s.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	assert.Equal(t, TypePong, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
	assert.Equal(t, TypeError, read(t, conn).Type)
}

func TestBusEventsAreBroadcast(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	_, url := startServer(t, Deps{Bus: bus}, 0)
	a, b := dial(t, url), dial(t, url)
	read(t, a)
	read(t, b)

	bus.Publish(events.Event{Topic: events.TopicLibraryChanged, Payload: events.LibraryChanged{Added: 3, Total: 3}})
	for _, conn := range []*websocket.Conn{a, b} {
		msg := read(t, conn)
		assert.Equal(t, TypeLibrary, msg.Type)
		require.NotNil(t, msg.Library)
		assert.Equal(t, 3, msg.Library.Added)
	}
}

func TestClientProgressIsSavedAndFannedOut(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "books")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	bus := events.NewBus()
	defer bus.Close()
	lib, err := library.Open(library.Options{DatabasePath: filepath.Join(root, "db"), Dir: dir, Bus: bus})
	require.NoError(t, err)
	defer lib.Close()
	_, err = lib.Rescan(context.Background())
	require.NoError(t, err)

	_, url := startServer(t, Deps{Bus: bus, Library: lib}, 0)
	writer, watcher := dial(t, url), dial(t, url)
	read(t, writer)
	read(t, watcher)

	id := library.BookID("a.txt")
	require.NoError(t, writer.WriteJSON(Message{Type: TypeProgress, BookID: id, Position: "ch-9", Percent: 90, Device: "phone"}))

	got := read(t, watcher)
	assert.Equal(t, TypeProgress, got.Type)
	assert.Equal(t, "ch-9", got.Position)
	assert.Equal(t, "phone", got.Device)
	require.NotNil(t, got.UpdatedAt)

	p, err := lib.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 90.0, p.Percent)

	// the writer receives its own update too
	assert.Equal(t, "ch-9", read(t, writer).Position)

	require.NoError(t, writer.WriteJSON(Message{Type: TypeProgress, BookID: "missing", Position: "x"}))
	errMsg := read(t, writer)
	assert.Equal(t, TypeError, errMsg.Type)
	assert.Equal(t, "missing", errMsg.BookID)
}

func TestIdleClientIsDropped(t *testing.T) {
	s, url := startServer(t, Deps{}, 150*time.Millisecond)
	conn := dial(t, url)
	read(t, conn)

	require.Eventually(t, func() bool { return s.clientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestActiveClientOutlivesIdleTimeout(t *testing.T) {
	s, url := startServer(t, Deps{}, 300*time.Millisecond)
	conn := dial(t, url)
	read(t, conn)

	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
		assert.Equal(t, TypePong, read(t, conn).Type)
	}
	assert.Equal(t, 1, s.clientCount())
}

func TestStopClosesClientsAndPort(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	s, url := startServer(t, Deps{Bus: bus}, 0)
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, s.Stop())
	assert.False(t, s.Alive())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	assert.NoError(t, s.Stop())
}

func TestStartReportsBindError(t *testing.T) {
	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer taken.Close()

	s := New(Deps{})
	err = s.StartWithTimeout(context.Background(), taken.Addr().(*net.TCPAddr).Port, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.False(t, s.Alive())
}
