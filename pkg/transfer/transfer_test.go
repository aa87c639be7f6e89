package transfer

import (
	"bytes"
	"hash/crc32"
	"io"
	"testing"
)

// memFile is an in-memory rftfs.File for deterministic tests.
type memFile struct {
	data []byte
}

func newMemFile(size int) *memFile { return &memFile{data: make([]byte, size)} }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func (m *memFile) Close() error { return nil }

func (m *memFile) Truncate(size int64) error {
	if int64(len(m.data)) == size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func TestReceiveOutOfOrderThenComplete(t *testing.T) {
	f := newMemFile(13)
	tr := NewReceive("/hello.txt", f, 0, 13, 0)

	if err := tr.AcceptData(7, []byte("world!")); err != nil {
		t.Fatalf("AcceptData: %v", err)
	}
	if tr.ReceiveComplete() {
		t.Fatalf("should not be complete yet")
	}
	if err := tr.AcceptData(0, []byte("hello, w")); err != nil {
		t.Fatalf("AcceptData: %v", err)
	}
	if !tr.ReceiveComplete() {
		t.Fatalf("expected transfer complete")
	}
	if !bytes.Equal(f.data, []byte("hello, world!")) {
		t.Fatalf("unexpected file contents: %q", f.data)
	}
}

func TestDuplicateDataFrameIsIdempotent(t *testing.T) {
	f := newMemFile(5)
	tr := NewReceive("/f", f, 0, 5, 0)
	tr.AcceptData(0, []byte("abcde"))
	tr.AcceptData(0, []byte("abcde"))
	if !tr.ReceiveComplete() {
		t.Fatalf("expected complete after duplicate writes")
	}
	if string(f.data) != "abcde" {
		t.Fatalf("unexpected contents: %q", f.data)
	}
}

func TestVerifyCRCMatches(t *testing.T) {
	f := newMemFile(13)
	f.WriteAt([]byte("hello, world!"), 0)
	want := crc32.ChecksumIEEE([]byte("hello, world!"))
	tr := NewReceive("/f", f, 0, 13, want)
	ok, err := tr.VerifyCRC()
	if err != nil {
		t.Fatalf("VerifyCRC: %v", err)
	}
	if !ok {
		t.Fatalf("expected CRC to match")
	}
}

func TestVerifyCRCZeroMeansSkip(t *testing.T) {
	f := newMemFile(4)
	tr := NewReceive("/f", f, 0, 4, 0)
	ok, err := tr.VerifyCRC()
	if err != nil || !ok {
		t.Fatalf("expected skip-check to report ok, got ok=%v err=%v", ok, err)
	}
}

func TestSendChunksRespectMSSAndQuota(t *testing.T) {
	f := newMemFile(10)
	f.WriteAt([]byte("0123456789"), 0)
	tr := NewSend("/f", f, 0, 10, 4) // MSS=4

	chunks, err := tr.NextChunks(6) // quota allows only 1.5 chunks worth
	if err != nil {
		t.Fatalf("NextChunks: %v", err)
	}
	var total int
	for _, c := range chunks {
		if len(c.Payload) > 4 {
			t.Fatalf("chunk exceeds MSS: %d", len(c.Payload))
		}
		total += len(c.Payload)
	}
	if total > 6 {
		t.Fatalf("chunked more than quota: %d", total)
	}
	if tr.SendComplete() {
		t.Fatalf("should not be complete after partial send")
	}

	for !tr.SendComplete() {
		more, err := tr.NextChunks(4)
		if err != nil {
			t.Fatalf("NextChunks: %v", err)
		}
		if len(more) == 0 {
			t.Fatalf("no progress made before completion")
		}
	}
}
