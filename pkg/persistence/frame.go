package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the on-disk frame format.
const (
	// MagicByte is the marker used to identify the start of a valid frame.
	MagicByte = 0xA5

	// HeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10

	// OpCodeSnapshot marks a frame holding a full graph snapshot.
	OpCodeSnapshot = 0x02
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a snapshot file.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended abruptly (e.g., power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrUnexpectedOpCode indicates a valid frame of the wrong kind.
	ErrUnexpectedOpCode = errors.New("unexpected frame opcode")
)

// Frame is one decoded record.
type Frame struct {
	Op      byte
	Payload []byte
}

// FrameWriter handles the safe writing of binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload into a binary frame and writes it.
// Frame Format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	header := make([]byte, HeaderSize)
	header[0] = MagicByte
	header[1] = op
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	// 'fw.w' should be a bufio.Writer so header and payload reach the file
	// in one write.
	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads the next frame from the reader, validating the Magic Byte
// and the CRC32 Checksum. It returns io.EOF only on a clean end of stream.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		// If we are at EOF exactly at the start of a frame, it's a clean exit.
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return Frame{}, ErrInvalidMagic
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		// Even if it's EOF here, it's an error because we expected 'length' bytes.
		return Frame{}, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return Frame{}, ErrChecksumMismatch
	}
	return Frame{Op: header[1], Payload: payload}, nil
}
