// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	protocolVersion byte = 0x03
	// macSize is the truncated HMAC-SHA-256 trailing a normal message.
	macSize = 8
)

// Field numbers of the libolm envelope encoding.
const (
	fieldRatchetKey = 1
	fieldChainIndex = 2
	fieldCiphertext = 4

	fieldOneTimeKey  = 1
	fieldBaseKey     = 2
	fieldIdentityKey = 3
	fieldMessage     = 4
)

const (
	wireVarint = 0
	wireBytes  = 2
)

// MessageType is the wire discriminant Matrix carries next to an Olm
// ciphertext in m.room.encrypted to-device events.
type MessageType int

const (
	MessageTypePreKey MessageType = 0
	MessageTypeNormal MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePreKey:
		return "pre_key"
	case MessageTypeNormal:
		return "normal"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Message is an Olm envelope. The only implementations are
// *PreKeyMessage and *NormalMessage, so a (type, bytes) pair that
// disagrees with itself cannot be represented.
type Message interface {
	Type() MessageType
	// Bytes returns the encoded envelope. Callers must not modify it.
	Bytes() []byte

	isOlmMessage()
}

// NormalMessage is a post-handshake ratchet message.
type NormalMessage struct {
	ratchetKey Curve25519PublicKey
	chainIndex uint32
	raw        []byte
}

func (m *NormalMessage) Type() MessageType { return MessageTypeNormal }
func (m *NormalMessage) Bytes() []byte     { return m.raw }
func (m *NormalMessage) isOlmMessage()     {}

// RatchetKey is the sender's current ratchet public key.
func (m *NormalMessage) RatchetKey() Curve25519PublicKey { return m.ratchetKey }

// ChainIndex is the message's position in the sender's chain.
func (m *NormalMessage) ChainIndex() uint32 { return m.chainIndex }

// PreKeyMessage carries the initiator's handshake keys around a normal
// message. It is sent until the initiator hears back from the peer.
type PreKeyMessage struct {
	oneTimeKey  Curve25519PublicKey
	baseKey     Curve25519PublicKey
	identityKey Curve25519PublicKey
	message     *NormalMessage
	raw         []byte
}

func (m *PreKeyMessage) Type() MessageType { return MessageTypePreKey }
func (m *PreKeyMessage) Bytes() []byte     { return m.raw }
func (m *PreKeyMessage) isOlmMessage()     {}

// IdentityKey is the initiator's Curve25519 identity key.
func (m *PreKeyMessage) IdentityKey() Curve25519PublicKey { return m.identityKey }

// BaseKey is the initiator's ephemeral handshake key.
func (m *PreKeyMessage) BaseKey() Curve25519PublicKey { return m.baseKey }

// OneTimeKey is the responder's one-time key the initiator claimed.
func (m *PreKeyMessage) OneTimeKey() Curve25519PublicKey { return m.oneTimeKey }

// Message is the wrapped normal message.
func (m *PreKeyMessage) Message() *NormalMessage { return m.message }

// ParseMessage decodes an envelope received off the wire in the libolm
// encoding. Only the framing is checked; authentication happens in
// [Session.Decrypt]. Any framing problem is reported as ErrBadMessage.
func ParseMessage(messageType MessageType, data []byte) (Message, error) {
	switch messageType {
	case MessageTypePreKey:
		return parsePreKeyMessage(data)
	case MessageTypeNormal:
		return parseNormalMessage(data)
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessage, int(messageType))
	}
}

func parseNormalMessage(data []byte) (*NormalMessage, error) {
	if len(data) < 1+macSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrBadMessage, len(data))
	}
	fields, err := readEnvelope(data[:len(data)-macSize])
	if err != nil {
		return nil, err
	}
	ratchetKey, err := fields.key(fieldRatchetKey, "ratchet")
	if err != nil {
		return nil, err
	}
	index, ok := fields[fieldChainIndex]
	if !ok || index.wireType != wireVarint {
		return nil, fmt.Errorf("%w: missing chain index", ErrBadMessage)
	}
	if index.varint > math.MaxUint32 {
		return nil, fmt.Errorf("%w: chain index %d out of range", ErrBadMessage, index.varint)
	}
	ciphertext, ok := fields[fieldCiphertext]
	if !ok || ciphertext.wireType != wireBytes || len(ciphertext.data) == 0 {
		return nil, fmt.Errorf("%w: missing ciphertext", ErrBadMessage)
	}
	return &NormalMessage{
		ratchetKey: ratchetKey,
		chainIndex: uint32(index.varint),
		raw:        data,
	}, nil
}

func parsePreKeyMessage(data []byte) (*PreKeyMessage, error) {
	fields, err := readEnvelope(data)
	if err != nil {
		return nil, err
	}
	oneTimeKey, err := fields.key(fieldOneTimeKey, "one-time")
	if err != nil {
		return nil, err
	}
	baseKey, err := fields.key(fieldBaseKey, "base")
	if err != nil {
		return nil, err
	}
	identityKey, err := fields.key(fieldIdentityKey, "identity")
	if err != nil {
		return nil, err
	}
	inner, ok := fields[fieldMessage]
	if !ok || inner.wireType != wireBytes {
		return nil, fmt.Errorf("%w: missing inner message", ErrBadMessage)
	}
	message, err := parseNormalMessage(inner.data)
	if err != nil {
		return nil, err
	}
	return &PreKeyMessage{
		oneTimeKey:  oneTimeKey,
		baseKey:     baseKey,
		identityKey: identityKey,
		message:     message,
		raw:         data,
	}, nil
}

type field struct {
	wireType uint64
	varint   uint64
	data     []byte
}

type envelopeFields map[uint64]field

// readEnvelope checks the version byte and splits the rest into tagged
// fields. Unknown field numbers are kept and ignored by callers.
func readEnvelope(data []byte) (envelopeFields, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrBadMessage, len(data))
	}
	if data[0] != protocolVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadMessage, data[0], protocolVersion)
	}
	fields := make(envelopeFields)
	rest := data[1:]
	for len(rest) > 0 {
		tag, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: truncated field tag", ErrBadMessage)
		}
		rest = rest[n:]
		number, wireType := tag>>3, tag&0x7
		switch wireType {
		case wireVarint:
			value, n := binary.Uvarint(rest)
			if n <= 0 {
				return nil, fmt.Errorf("%w: truncated field %d", ErrBadMessage, number)
			}
			rest = rest[n:]
			fields[number] = field{wireType: wireType, varint: value}
		case wireBytes:
			length, n := binary.Uvarint(rest)
			if n <= 0 || length > uint64(len(rest)-n) {
				return nil, fmt.Errorf("%w: truncated field %d", ErrBadMessage, number)
			}
			end := n + int(length)
			fields[number] = field{wireType: wireType, data: rest[n:end]}
			rest = rest[end:]
		default:
			return nil, fmt.Errorf("%w: field %d has unsupported wire type %d", ErrBadMessage, number, wireType)
		}
	}
	return fields, nil
}

func (f envelopeFields) key(number uint64, name string) (Curve25519PublicKey, error) {
	var key Curve25519PublicKey
	value, ok := f[number]
	if !ok || value.wireType != wireBytes {
		return key, fmt.Errorf("%w: missing %s key", ErrBadMessage, name)
	}
	if len(value.data) != KeySize {
		return key, fmt.Errorf("%w: %s key is %d bytes, want %d", ErrBadMessage, name, len(value.data), KeySize)
	}
	copy(key[:], value.data)
	return key, nil
}
