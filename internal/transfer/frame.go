package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Framing selects the wire layout of one transfer connection
type Framing string

const (
	// FramingFramed prefixes the payload with its relative path and length:
	// uint16 BE path length, path bytes, uint64 BE payload length, payload.
	FramingFramed Framing = "framed"
	// FramingRaw streams file bytes only; end of stream marks end of file
	FramingRaw Framing = "raw"
)

const MaxPathLen = 4096

var (
	ErrInvalidFrame = errors.New("invalid frame")
	ErrUnsafePath   = errors.New("unsafe relative path")
)

func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(s)) {
	case FramingFramed, "":
		return FramingFramed, nil
	case FramingRaw:
		return FramingRaw, nil
	}
	return "", fmt.Errorf("unknown framing %q", s)
}

// Header precedes the payload of a framed transfer
type Header struct {
	RelPath string
	Size    uint64
}

func WriteHeader(w io.Writer, h Header) error {
	if err := ValidateRelPath(h.RelPath); err != nil {
		return err
	}
	buf := make([]byte, 0, 2+len(h.RelPath)+8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.RelPath)))
	buf = append(buf, h.RelPath...)
	buf = binary.BigEndian.AppendUint64(buf, h.Size)
	_, err := w.Write(buf)
	return err
}

func ReadHeader(r io.Reader) (Header, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Header{}, fmt.Errorf("%w: path length: %v", ErrInvalidFrame, err)
	}
	pathLen := binary.BigEndian.Uint16(lenBuf[:])
	if pathLen == 0 || int(pathLen) > MaxPathLen {
		return Header{}, fmt.Errorf("%w: path length %d", ErrInvalidFrame, pathLen)
	}

	pathBuf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return Header{}, fmt.Errorf("%w: path: %v", ErrInvalidFrame, err)
	}

	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Header{}, fmt.Errorf("%w: payload length: %v", ErrInvalidFrame, err)
	}

	h := Header{RelPath: string(pathBuf), Size: binary.BigEndian.Uint64(sizeBuf[:])}
	if err := ValidateRelPath(h.RelPath); err != nil {
		return Header{}, err
	}
	return h, nil
}

// ValidateRelPath accepts clean, slash separated paths that stay inside
// the receiving root
func ValidateRelPath(rel string) error {
	switch {
	case rel == "", len(rel) > MaxPathLen:
		return fmt.Errorf("%w: bad length", ErrUnsafePath)
	case strings.ContainsRune(rel, 0), strings.ContainsRune(rel, '\\'):
		return fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	case path.IsAbs(rel), path.Clean(rel) != rel, rel == ".":
		return fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	case rel == "..", strings.HasPrefix(rel, "../"):
		return fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return nil
}
