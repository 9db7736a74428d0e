//go:build linux

package fchv

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/snapfuzz/snapfuzz/internal/fshooks"
)

// File-op codes (guest -> host), one per NT file API the in-guest hooks
// forward to a Table instead of letting the syscall touch a real file.
const (
	opExistence        = 1 // [2-byte path_len][path]
	opOpen             = 2 // [2-byte path_len][path]
	opRead             = 3 // [8-byte handle][4-byte len]
	opWrite            = 4 // [8-byte handle][4-byte len][bytes]
	opSeek             = 5 // [8-byte handle][8-byte offset]
	opStandardInfo     = 6 // [8-byte handle]
	opSetDeleteOnClose = 7 // [8-byte handle][1-byte bool]
	opSetEndOfFile     = 8 // [8-byte handle][8-byte size]
	opClose            = 9 // [8-byte handle]
)

// Response status codes (host -> guest).
const (
	statusOK       = 0
	statusNotFound = 1
	statusIO       = 2
)

// fileOpServer answers a restored guest's file-hook requests against a
// Table over a vsock UDS, the same "{vsockPath}_{port}" convention
// internal/vm/fileserver_linux.go uses for its host-file server.
type fileOpServer struct {
	table    *fshooks.Table
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

func startFileOpServer(vsockPath string, table *fshooks.Table) (*fileOpServer, error) {
	listenPath := fmt.Sprintf("%s_%d", vsockPath, FileOpPort)
	os.Remove(listenPath)

	listener, err := net.Listen("unix", listenPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listenPath, err)
	}

	s := &fileOpServer{table: table, listener: listener, done: make(chan struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *fileOpServer) Close() error {
	close(s.done)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *fileOpServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *fileOpServer) handleConn(conn net.Conn) {
	defer conn.Close()
	// Open guest handles are scoped to a single connection: the agent
	// reopens whatever it needs after a restore drops the connection.
	open := make(map[uint64]*fshooks.File)

	for {
		var msgLen uint32
		if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
			return
		}
		if msgLen == 0 || msgLen > 1024*1024 {
			return
		}
		payload := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		s.handleMessage(conn, payload, open)
	}
}

func (s *fileOpServer) handleMessage(conn net.Conn, payload []byte, open map[uint64]*fshooks.File) {
	if len(payload) < 1 {
		writeStatus(conn, statusIO)
		return
	}
	op := payload[0]
	rest := payload[1:]

	switch op {
	case opExistence:
		s.handleExistence(conn, rest)
	case opOpen:
		s.handleOpen(conn, rest, open)
	case opRead:
		s.handleRead(conn, rest, open)
	case opWrite:
		s.handleWrite(conn, rest, open)
	case opSeek:
		s.handleSeek(conn, rest, open)
	case opStandardInfo:
		s.handleStandardInfo(conn, rest, open)
	case opSetDeleteOnClose:
		s.handleSetDeleteOnClose(conn, rest, open)
	case opSetEndOfFile:
		s.handleSetEndOfFile(conn, rest, open)
	case opClose:
		s.handleClose(conn, rest, open)
	default:
		writeStatus(conn, statusIO)
	}
}

func (s *fileOpServer) handleExistence(conn net.Conn, data []byte) {
	path, ok := readPathOp(data)
	if !ok {
		writeStatus(conn, statusIO)
		return
	}
	var b byte
	switch s.table.Existence(path) {
	case fshooks.Exists:
		b = 1
	default:
		b = 0
	}
	writeFramed(conn, statusOK, []byte{b})
}

func (s *fileOpServer) handleOpen(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	path, ok := readPathOp(data)
	if !ok {
		writeStatus(conn, statusIO)
		return
	}
	f, ok := s.table.Open(path)
	if !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	f.ResetCursor()
	handle := s.table.AllocateHandle(f)
	open[handle] = f

	resp := make([]byte, 8)
	binary.BigEndian.PutUint64(resp, handle)
	writeFramed(conn, statusOK, resp)
}

func (s *fileOpServer) lookup(open map[uint64]*fshooks.File, handle uint64) (*fshooks.File, bool) {
	f, ok := open[handle]
	return f, ok
}

func (s *fileOpServer) handleRead(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	if len(data) < 12 {
		writeStatus(conn, statusIO)
		return
	}
	handle := binary.BigEndian.Uint64(data[0:8])
	readLen := binary.BigEndian.Uint32(data[8:12])
	if readLen > 1024*1024 {
		readLen = 1024 * 1024
	}
	f, ok := s.lookup(open, handle)
	if !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	buf := make([]byte, readLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		writeStatus(conn, statusIO)
		return
	}
	hdr := make([]byte, 4+n)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(n))
	copy(hdr[4:], buf[:n])
	writeFramed(conn, statusOK, hdr)
}

func (s *fileOpServer) handleWrite(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	if len(data) < 12 {
		writeStatus(conn, statusIO)
		return
	}
	handle := binary.BigEndian.Uint64(data[0:8])
	dataLen := binary.BigEndian.Uint32(data[8:12])
	if int(12+dataLen) > len(data) {
		writeStatus(conn, statusIO)
		return
	}
	f, ok := s.lookup(open, handle)
	if !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	n, err := f.Write(data[12 : 12+dataLen])
	if err != nil {
		writeStatus(conn, statusIO)
		return
	}
	resp := make([]byte, 4)
	binary.BigEndian.PutUint32(resp, uint32(n))
	writeFramed(conn, statusOK, resp)
}

func (s *fileOpServer) handleSeek(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	if len(data) < 16 {
		writeStatus(conn, statusIO)
		return
	}
	handle := binary.BigEndian.Uint64(data[0:8])
	offset := binary.BigEndian.Uint64(data[8:16])
	f, ok := s.lookup(open, handle)
	if !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	f.Seek(int(offset))
	writeStatus(conn, statusOK)
}

func (s *fileOpServer) handleStandardInfo(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	if len(data) < 8 {
		writeStatus(conn, statusIO)
		return
	}
	handle := binary.BigEndian.Uint64(data[0:8])
	f, ok := s.lookup(open, handle)
	if !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	info := f.Standard()
	resp := make([]byte, 8+8+4+1)
	binary.BigEndian.PutUint64(resp[0:8], uint64(info.AllocationSize))
	binary.BigEndian.PutUint64(resp[8:16], uint64(info.EndOfFile))
	binary.BigEndian.PutUint32(resp[16:20], uint32(info.NumberOfLinks))
	if info.DeletePending {
		resp[20] = 1
	}
	writeFramed(conn, statusOK, resp)
}

func (s *fileOpServer) handleSetDeleteOnClose(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	if len(data) < 9 {
		writeStatus(conn, statusIO)
		return
	}
	handle := binary.BigEndian.Uint64(data[0:8])
	f, ok := s.lookup(open, handle)
	if !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	f.SetDeleteOnClose(data[8] != 0)
	writeStatus(conn, statusOK)
}

func (s *fileOpServer) handleSetEndOfFile(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	if len(data) < 16 {
		writeStatus(conn, statusIO)
		return
	}
	handle := binary.BigEndian.Uint64(data[0:8])
	size := binary.BigEndian.Uint64(data[8:16])
	f, ok := s.lookup(open, handle)
	if !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	f.SetEndOfFile(int(size))
	writeStatus(conn, statusOK)
}

func (s *fileOpServer) handleClose(conn net.Conn, data []byte, open map[uint64]*fshooks.File) {
	if len(data) < 8 {
		writeStatus(conn, statusIO)
		return
	}
	handle := binary.BigEndian.Uint64(data[0:8])
	if _, ok := open[handle]; !ok {
		writeStatus(conn, statusNotFound)
		return
	}
	delete(open, handle)
	if err := s.table.Close(handle); err != nil {
		writeStatus(conn, statusIO)
		return
	}
	writeStatus(conn, statusOK)
}

func readPathOp(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	pathLen := binary.BigEndian.Uint16(data[0:2])
	if int(2+pathLen) > len(data) {
		return "", false
	}
	return string(data[2 : 2+pathLen]), true
}

// writeFramed sends [4-byte length][status][body].
func writeFramed(conn net.Conn, status byte, body []byte) {
	resp := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(resp[0:4], uint32(1+len(body)))
	resp[4] = status
	copy(resp[5:], body)
	conn.Write(resp)
}

func writeStatus(conn net.Conn, status byte) {
	writeFramed(conn, status, nil)
}
