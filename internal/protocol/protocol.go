// Package protocol implements the master/worker wire format spec.md §4.7
// describes: a length-prefixed binary stream carrying testcases one way
// and {testcase, coverage, result} tuples the other. Framing is grounded
// on internal/vm/fileserver_linux.go's length-prefixed message loop
// (read a fixed header, then exactly that many payload bytes), adapted
// from that file's big-endian op-code framing to the little-endian,
// single-message-kind-per-direction framing this protocol needs.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
)

// maxMessageLen caps a single frame's payload, guarding a worker or master
// against a corrupt length header driving an unbounded allocation.
const maxMessageLen = 64 * 1024 * 1024

// WriteTestcase sends a master->worker frame: a u32-LE length followed by
// the raw testcase bytes.
func WriteTestcase(w io.Writer, testcase []byte) error {
	return writeFrame(w, testcase)
}

// ReadTestcase receives a master->worker frame.
func ReadTestcase(r io.Reader) ([]byte, error) {
	return readFrame(r)
}

// Report is the worker->master tuple: the testcase that was run, the
// coverage ids it newly tripped, and the terminal result.
type Report struct {
	Testcase []byte
	Coverage []addr.Gva
	Result   backend.Result
}

// WriteReport sends a worker->master frame:
//
//	u32-LE frame length
//	u32-LE testcase length || testcase bytes
//	u64-LE coverage count  || count * u64-LE Gva
//	u8 result kind || (Crash only) u16-LE name length || name bytes
func WriteReport(w io.Writer, rep Report) error {
	body := make([]byte, 0, 4+len(rep.Testcase)+8+len(rep.Coverage)*8+1+2+len(rep.Result.Name))

	var tcLen [4]byte
	binary.LittleEndian.PutUint32(tcLen[:], uint32(len(rep.Testcase)))
	body = append(body, tcLen[:]...)
	body = append(body, rep.Testcase...)

	var covCount [8]byte
	binary.LittleEndian.PutUint64(covCount[:], uint64(len(rep.Coverage)))
	body = append(body, covCount[:]...)
	for _, gva := range rep.Coverage {
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], uint64(gva))
		body = append(body, v[:]...)
	}

	body = append(body, byte(rep.Result.Kind))
	if rep.Result.Kind == backend.Crash {
		var nameLen [2]byte
		binary.LittleEndian.PutUint16(nameLen[:], uint16(len(rep.Result.Name)))
		body = append(body, nameLen[:]...)
		body = append(body, rep.Result.Name...)
	}

	return writeFrame(w, body)
}

// ReadReport receives a worker->master frame.
func ReadReport(r io.Reader) (Report, error) {
	body, err := readFrame(r)
	if err != nil {
		return Report{}, err
	}
	return decodeReport(body)
}

func decodeReport(body []byte) (Report, error) {
	if len(body) < 4 {
		return Report{}, fmt.Errorf("protocol: report frame too short for testcase length")
	}
	tcLen := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]
	if uint64(len(body)) < uint64(tcLen) {
		return Report{}, fmt.Errorf("protocol: report frame truncated in testcase")
	}
	testcase := append([]byte(nil), body[:tcLen]...)
	body = body[tcLen:]

	if len(body) < 8 {
		return Report{}, fmt.Errorf("protocol: report frame too short for coverage count")
	}
	covCount := binary.LittleEndian.Uint64(body[0:8])
	body = body[8:]
	if covCount > uint64(maxMessageLen/8) {
		return Report{}, fmt.Errorf("protocol: implausible coverage count %d", covCount)
	}
	if uint64(len(body)) < covCount*8 {
		return Report{}, fmt.Errorf("protocol: report frame truncated in coverage list")
	}
	coverage := make([]addr.Gva, covCount)
	for i := range coverage {
		coverage[i] = addr.Gva(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
	}
	body = body[covCount*8:]

	if len(body) < 1 {
		return Report{}, fmt.Errorf("protocol: report frame missing result kind")
	}
	kind := backend.ResultKind(body[0])
	body = body[1:]

	result := backend.Result{Kind: kind}
	if kind == backend.Crash {
		if len(body) < 2 {
			return Report{}, fmt.Errorf("protocol: crash result missing name length")
		}
		nameLen := binary.LittleEndian.Uint16(body[0:2])
		body = body[2:]
		if uint64(len(body)) < uint64(nameLen) {
			return Report{}, fmt.Errorf("protocol: crash result truncated in name")
		}
		result.Name = string(body[:nameLen])
	}

	return Report{Testcase: testcase, Coverage: coverage, Result: result}, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: writing frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: writing frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("protocol: reading frame header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxMessageLen {
		return nil, fmt.Errorf("protocol: frame length %d exceeds limit", n)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: reading frame payload: %w", err)
	}
	return payload, nil
}
