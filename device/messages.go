// messages.go
//
// WireGuard framing around the noise messages:
// - 4 byte prefix: type + 3 reserved bytes
// - MAC1/MAC2 trailer on handshake messages
//
// Initiation: [Type:1][Reserved:3][noise initiation:112][MAC1:16][MAC2:16] = 148
// Response:   [Type:1][Reserved:3][noise response:56][MAC1:16][MAC2:16]    = 92
// Transport:  [Type:1][Reserved:3][Receiver:4][Counter:8][Payload+Tag]

package device

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2s"

	"github.com/drio/wgnoise/noise"
)

// Message type constants
const (
	MessageTypeHandshakeInitiation = 1
	MessageTypeHandshakeResponse   = 2
	MessageTypeTransportData       = 4
)

const (
	LabelMAC1 = "mac1----"

	headerSize = 4
	macSize    = blake2s.Size128

	MessageInitiationSize      = headerSize + noise.InitiationSize + 2*macSize
	MessageResponseSize        = headerSize + noise.ResponseSize + 2*macSize
	MessageTransportHeaderSize = headerSize + noise.DataHeaderSize
	MessageTransportOverhead   = headerSize + noise.DataOverhead
	MessageKeepaliveSize       = MessageTransportOverhead
)

var (
	errMessageSize = errors.New("invalid message size")
	errMAC1        = errors.New("invalid MAC1")
)

// mac1Key returns HASH(LABEL_MAC1 || static_public). Messages sent to a peer
// are keyed with the peer's key, messages received are checked with ours.
func mac1Key(pk noise.PublicKey) [blake2s.Size]byte {
	return blake2s.Sum256(append([]byte(LabelMAC1), pk[:]...))
}

// blake2sMac computes the keyed BLAKE2s-128 used for MAC1 and MAC2
func blake2sMac(key []byte, input []byte) [macSize]byte {
	var result [macSize]byte
	h, err := blake2s.New128(key)
	if err != nil {
		// keys are always 32 bytes
		panic(err)
	}
	h.Write(input)
	h.Sum(result[:0])
	return result
}

// appendMACs appends MAC1 over frame and a zero MAC2. Cookies are not
// implemented so MAC2 is always empty.
func appendMACs(frame []byte, key *[blake2s.Size]byte) []byte {
	mac1 := blake2sMac(key[:], frame)
	frame = append(frame, mac1[:]...)
	var mac2 [macSize]byte
	return append(frame, mac2[:]...)
}

// checkMAC1 verifies MAC1 on a handshake frame.
func checkMAC1(frame []byte, key *[blake2s.Size]byte) bool {
	if len(frame) < 2*macSize {
		return false
	}
	body := frame[:len(frame)-2*macSize]
	got := frame[len(frame)-2*macSize : len(frame)-macSize]
	want := blake2sMac(key[:], body)
	return subtle.ConstantTimeCompare(got, want[:]) == 1
}

func header(msgType byte, capacity int) []byte {
	b := make([]byte, headerSize, capacity)
	b[0] = msgType
	return b
}

// marshalInitiation frames msg for the peer with static key peer.
func marshalInitiation(msg *noise.Initiation, peer noise.PublicKey) []byte {
	frame := append(header(MessageTypeHandshakeInitiation, MessageInitiationSize), msg.Marshal()...)
	key := mac1Key(peer)
	return appendMACs(frame, &key)
}

// marshalResponse frames msg for the peer with static key peer.
func marshalResponse(msg *noise.Response, peer noise.PublicKey) []byte {
	frame := append(header(MessageTypeHandshakeResponse, MessageResponseSize), msg.Marshal()...)
	key := mac1Key(peer)
	return appendMACs(frame, &key)
}

// unmarshalInitiation checks size and MAC1 and decodes the noise message.
func unmarshalInitiation(frame []byte, key *[blake2s.Size]byte) (*noise.Initiation, error) {
	if len(frame) != MessageInitiationSize {
		return nil, errMessageSize
	}
	if !checkMAC1(frame, key) {
		return nil, errMAC1
	}
	var msg noise.Initiation
	if err := msg.Unmarshal(frame[headerSize : headerSize+noise.InitiationSize]); err != nil {
		return nil, err
	}
	return &msg, nil
}

// unmarshalResponse checks size and MAC1 and decodes the noise message.
func unmarshalResponse(frame []byte, key *[blake2s.Size]byte) (*noise.Response, error) {
	if len(frame) != MessageResponseSize {
		return nil, errMessageSize
	}
	if !checkMAC1(frame, key) {
		return nil, errMAC1
	}
	var msg noise.Response
	if err := msg.Unmarshal(frame[headerSize : headerSize+noise.ResponseSize]); err != nil {
		return nil, err
	}
	return &msg, nil
}

// marshalTransport prefixes a data packet produced by noise.Remote.Encrypt.
func marshalTransport(packet []byte) []byte {
	return append(header(MessageTypeTransportData, headerSize+len(packet)), packet...)
}

// transportReceiver returns the receiver index of a transport frame.
func transportReceiver(frame []byte) (uint32, bool) {
	if len(frame) < headerSize {
		return 0, false
	}
	return noise.DataIndex(frame[headerSize:])
}

// getMessageType extracts the message type from a WireGuard packet
func getMessageType(packet []byte) uint8 {
	if len(packet) < headerSize {
		return 0
	}
	return packet[0]
}
