package command

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gierens/rft/pkg/rftfs"
	"github.com/gierens/rft/pkg/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := rftfs.New(root)
	if err != nil {
		t.Fatalf("rftfs.New: %v", err)
	}
	return New(fs, 64, nil), root
}

func TestReadCommandStreamsAndCompletes(t *testing.T) {
	d, root := newTestDispatcher(t)
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello, world!"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := &wire.CommandFrame{FrameID: 1, CommandType: wire.CommandTypeRead}
	payload := &wire.ReadCmdPayloadFrame{Offset: 0, Length: 13, ExpectedCRC: 0, Path: "/hello.txt"}
	active, answer, err := d.Begin(cmd, payload)
	if err != nil || answer != nil || active == nil {
		t.Fatalf("expected active read transfer, got answer=%+v err=%v", answer, err)
	}

	chunks, err := d.PumpSend(active, 1024)
	if err != nil {
		t.Fatalf("PumpSend: %v", err)
	}
	var total []byte
	for _, c := range chunks {
		total = append(total, c.Payload...)
	}
	if string(total) != "hello, world!" {
		t.Fatalf("unexpected streamed bytes: %q", total)
	}
	if !active.Transfer.SendComplete() {
		t.Fatalf("expected send to be complete")
	}
	final := d.FinishSend(active)
	if final.Status != wire.ErrorCodeReserved {
		t.Fatalf("expected success answer, got %+v", final)
	}
}

func TestReadCommandChecksumChanged(t *testing.T) {
	d, root := newTestDispatcher(t)
	os.WriteFile(filepath.Join(root, "f.txt"), []byte("mutated content"), 0o644)

	cmd := &wire.CommandFrame{FrameID: 1, CommandType: wire.CommandTypeRead}
	payload := &wire.ReadCmdPayloadFrame{Offset: 0, Length: 15, ExpectedCRC: 0xDEADBEEF, Path: "/f.txt"}
	active, answer, err := d.Begin(cmd, payload)
	if err != nil || active != nil {
		t.Fatalf("expected no active transfer on crc mismatch")
	}
	if answer.Status != wire.ErrorCodeChecksumChanged {
		t.Fatalf("expected ChecksumChanged, got %v", answer.Status)
	}
}

func TestWriteCommandPreallocatesAndCompletes(t *testing.T) {
	d, root := newTestDispatcher(t)

	cmd := &wire.CommandFrame{FrameID: 2, CommandType: wire.CommandTypeWrite}
	payload := &wire.ReadCmdPayloadFrame{Offset: 0, Length: 5, ExpectedCRC: 0, Path: "/out.bin"}
	active, answer, err := d.Begin(cmd, payload)
	if err != nil || answer != nil || active == nil {
		t.Fatalf("expected active write transfer")
	}

	if err := d.AcceptData(active, 0, []byte("abcde")); err != nil {
		t.Fatalf("AcceptData: %v", err)
	}
	final := d.FinishReceive(active)
	if final.Status != wire.ErrorCodeReserved {
		t.Fatalf("expected success, got %+v", final)
	}
	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "abcde" {
		t.Fatalf("unexpected file contents: %q", got)
	}
}

func TestListDeleteStatExit(t *testing.T) {
	d, root := newTestDispatcher(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("12345"), 0o644)

	listAns := d.doList(&wire.CommandFrame{FrameID: 1, CommandType: wire.CommandTypeList, Path: "/"})
	if listAns.Status != wire.ErrorCodeReserved || listAns.Detail == "" {
		t.Fatalf("unexpected list answer: %+v", listAns)
	}

	statAns := d.doStat(&wire.CommandFrame{FrameID: 2, CommandType: wire.CommandTypeStat, Path: "/a.txt"})
	if statAns.Size != 5 || statAns.IsDir {
		t.Fatalf("unexpected stat answer: %+v", statAns)
	}

	delAns := d.doDelete(&wire.CommandFrame{FrameID: 3, CommandType: wire.CommandTypeDelete, Path: "/a.txt"})
	if delAns.Status != wire.ErrorCodeReserved {
		t.Fatalf("unexpected delete answer: %+v", delAns)
	}

	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected file to be deleted")
	}

	_, exitAns, err := d.Begin(&wire.CommandFrame{FrameID: 4, CommandType: wire.CommandTypeExit}, nil)
	if err != nil || exitAns.Status != wire.ErrorCodeReserved {
		t.Fatalf("unexpected exit answer: %+v err=%v", exitAns, err)
	}
}

func TestStatNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ans := d.doStat(&wire.CommandFrame{FrameID: 1, CommandType: wire.CommandTypeStat, Path: "/missing"})
	if ans.Status != wire.ErrorCodeNotFound {
		t.Fatalf("expected NotFound, got %v", ans.Status)
	}
}
