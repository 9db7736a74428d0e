//go:build linux

package fchv

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/fshooks"
)

func sendMsg(t *testing.T, conn net.Conn, payload []byte) (byte, []byte) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	var respLen [4]byte
	if _, err := io.ReadFull(conn, respLen[:]); err != nil {
		t.Fatalf("read response length: %v", err)
	}
	n := binary.BigEndian.Uint32(respLen[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return body[0], body[1:]
}

func pathPayload(op byte, path string) []byte {
	buf := make([]byte, 1+2+len(path))
	buf[0] = op
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(path)))
	copy(buf[3:], path)
	return buf
}

func TestFileOpServerOpenReadWriteClose(t *testing.T) {
	table := fshooks.NewTable(nil)
	table.Declare("/input.dat", fshooks.NewFile([]byte("hello"), true, true))

	vsockPath := filepath.Join(t.TempDir(), "vsock.sock")
	srv, err := startFileOpServer(vsockPath, table)
	if err != nil {
		t.Fatalf("startFileOpServer: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("unix", fmt.Sprintf("%s_%d", vsockPath, FileOpPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	status, body := sendMsg(t, conn, pathPayload(opExistence, "/input.dat"))
	if status != statusOK || body[0] != 1 {
		t.Fatalf("existence = status=%d body=%v, want OK/Exists", status, body)
	}

	status, body = sendMsg(t, conn, pathPayload(opOpen, "/input.dat"))
	if status != statusOK {
		t.Fatalf("open status = %d, want statusOK", status)
	}
	handle := binary.BigEndian.Uint64(body)

	readReq := make([]byte, 1+8+4)
	readReq[0] = opRead
	binary.BigEndian.PutUint64(readReq[1:9], handle)
	binary.BigEndian.PutUint32(readReq[9:13], 16)
	status, body = sendMsg(t, conn, readReq)
	if status != statusOK || string(body[4:4+5]) != "hello" {
		t.Fatalf("read status=%d body=%v, want \"hello\"", status, body)
	}

	writeData := []byte(" world")
	writeReq := make([]byte, 1+8+4+len(writeData))
	writeReq[0] = opWrite
	binary.BigEndian.PutUint64(writeReq[1:9], handle)
	binary.BigEndian.PutUint32(writeReq[9:13], uint32(len(writeData)))
	copy(writeReq[13:], writeData)
	status, body = sendMsg(t, conn, writeReq)
	if status != statusOK || binary.BigEndian.Uint32(body) != uint32(len(writeData)) {
		t.Fatalf("write status=%d body=%v", status, body)
	}

	closeReq := make([]byte, 9)
	closeReq[0] = opClose
	binary.BigEndian.PutUint64(closeReq[1:9], handle)
	if status, _ := sendMsg(t, conn, closeReq); status != statusOK {
		t.Fatalf("close status = %d, want statusOK", status)
	}
}

func TestFileOpServerOpenUnknownPath(t *testing.T) {
	table := fshooks.NewTable(nil)
	vsockPath := filepath.Join(t.TempDir(), "vsock.sock")
	srv, err := startFileOpServer(vsockPath, table)
	if err != nil {
		t.Fatalf("startFileOpServer: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("unix", fmt.Sprintf("%s_%d", vsockPath, FileOpPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	status, _ := sendMsg(t, conn, pathPayload(opOpen, "/missing"))
	if status != statusNotFound {
		t.Errorf("status = %d, want statusNotFound", status)
	}
}

