// messages.go
//
// Handshake message layouts. Indices are little-endian. Framing (message
// type, MACs) is added by the caller.

package noise

import "encoding/binary"

const (
	// InitiationSize = 4 + 32 + (32+16) + (12+16)
	InitiationSize = 4 + PublicKeySize + PublicKeySize + TagSize + TimestampSize + TagSize
	// ResponseSize = 4 + 4 + 32 + 16
	ResponseSize = 4 + 4 + PublicKeySize + TagSize
	// DataHeaderSize is receiver index plus counter in front of a data packet.
	DataHeaderSize = 4 + 8
	// DataOverhead is what Encrypt adds to a plaintext.
	DataOverhead = DataHeaderSize + TagSize
)

// Initiation is the first handshake message.
type Initiation struct {
	Sender    uint32
	Ephemeral PublicKey
	Static    [PublicKeySize + TagSize]byte
	Timestamp [TimestampSize + TagSize]byte
}

// Response is the second handshake message.
type Response struct {
	Sender    uint32
	Receiver  uint32
	Ephemeral PublicKey
	Empty     [TagSize]byte
}

// Marshal returns the wire encoding of m.
func (m *Initiation) Marshal() []byte {
	b := make([]byte, InitiationSize)
	binary.LittleEndian.PutUint32(b[0:4], m.Sender)
	off := 4
	off += copy(b[off:], m.Ephemeral[:])
	off += copy(b[off:], m.Static[:])
	copy(b[off:], m.Timestamp[:])
	return b
}

// Unmarshal decodes b into m.
func (m *Initiation) Unmarshal(b []byte) error {
	if len(b) != InitiationSize {
		return ErrMessageSize
	}
	m.Sender = binary.LittleEndian.Uint32(b[0:4])
	off := 4
	off += copy(m.Ephemeral[:], b[off:])
	off += copy(m.Static[:], b[off:])
	copy(m.Timestamp[:], b[off:])
	return nil
}

// Marshal returns the wire encoding of m.
func (m *Response) Marshal() []byte {
	b := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint32(b[0:4], m.Sender)
	binary.LittleEndian.PutUint32(b[4:8], m.Receiver)
	off := 8
	off += copy(b[off:], m.Ephemeral[:])
	copy(b[off:], m.Empty[:])
	return b
}

// Unmarshal decodes b into m.
func (m *Response) Unmarshal(b []byte) error {
	if len(b) != ResponseSize {
		return ErrMessageSize
	}
	m.Sender = binary.LittleEndian.Uint32(b[0:4])
	m.Receiver = binary.LittleEndian.Uint32(b[4:8])
	off := 8
	off += copy(m.Ephemeral[:], b[off:])
	copy(m.Empty[:], b[off:])
	return nil
}

// DataIndex returns the receiver index of a data packet produced by Encrypt.
func DataIndex(packet []byte) (uint32, bool) {
	if len(packet) < DataOverhead {
		return 0, false
	}
	return binary.LittleEndian.Uint32(packet[0:4]), true
}
