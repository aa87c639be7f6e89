package endpoint_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gierens/rft/internal/clock"
	"github.com/gierens/rft/pkg/endpoint"
	"github.com/gierens/rft/pkg/flowctl"
	"github.com/gierens/rft/pkg/rftfs"
)

func newTestLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(log)
}

func startServer(t *testing.T, root string) string {
	t.Helper()
	fs, err := rftfs.New(root)
	if err != nil {
		t.Fatalf("rftfs.New: %v", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep := endpoint.New(conn, fs, flowctl.DefaultMSS, clock.Real{}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go ep.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		ep.Close()
	})
	return conn.LocalAddr().String()
}

func dialTest(t *testing.T, addr string) *endpoint.Session {
	t.Helper()
	// Dial's own handshake wait uses a wall-clock read deadline, not ctx;
	// ctx instead bounds the session's background Serve loop, so it must
	// outlive this call rather than being cancelled when it returns.
	sess, err := endpoint.Dial(context.Background(), addr, clock.Real{}, newTestLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func TestPutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	sess := dialTest(t, addr)

	content := bytes.Repeat([]byte("rft-roundtrip-payload "), 400) // a few KB, spans several MSS chunks
	localPath := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(localPath, content, 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	if err := sess.Put(localPath, "remote.bin"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	downloadPath := filepath.Join(t.TempDir(), "download.bin")
	if err := sess.Get("remote.bin", downloadPath); err != nil {
		t.Fatalf("Get: %v", err)
	}

	got, err := os.ReadFile(downloadPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestStatListDelete(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	sess := dialTest(t, addr)

	localPath := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(localPath, []byte("hello rft"), 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}
	if err := sess.Put(localPath, "notes.txt"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := sess.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "notes.txt" && e.Size == uint64(len("hello rft")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("List did not report notes.txt: %+v", entries)
	}

	st, err := sess.Stat("notes.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != uint64(len("hello rft")) || st.IsDir {
		t.Fatalf("unexpected stat result: %+v", st)
	}

	if err := sess.Delete("notes.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := sess.Stat("notes.txt"); err == nil {
		t.Fatalf("expected Stat to fail after Delete")
	}
}
