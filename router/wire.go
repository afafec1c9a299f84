package router

import (
	"encoding/binary"

	"github.com/splax-s/splax/capability"
)

// MaxPayload bounds a DistributedMessage's payload; a message exceeding
// it is rejected as ErrMessageTooLarge rather than split.
const MaxPayload = 64 * 1024

// Flag bits for DistributedMessage.Flags.
const (
	FlagRequest    uint32 = 1 << 0
	FlagResponse   uint32 = 1 << 1
	FlagPriority   uint32 = 1 << 2
	FlagEncrypted  uint32 = 1 << 3
	FlagCompressed uint32 = 1 << 4
	FlagOneway     uint32 = 1 << 5
	FlagStream     uint32 = 1 << 6
	FlagEndStream  uint32 = 1 << 7
)

// GlobalChannelID identifies a channel across the whole cluster.
type GlobalChannelID struct {
	Node    uint64
	Channel uint64
}

// DistributedMessage is the cross-node IPC message, using a fixed
// little-endian wire layout.
type DistributedMessage struct {
	MsgID          uint64
	Src            GlobalChannelID
	Dst            GlobalChannelID
	Timestamp      uint64
	Flags          uint32
	Payload        []byte
	SerializedCaps [][]byte
}

// Encode serializes m as:
//
//	u64 msg_id | u64 src_node | u64 src_channel | u64 dst_node | u64 dst_channel |
//	u64 timestamp | u32 flags | u32 payload_len | payload |
//	u32 cap_count | repeated(u32 cap_len, cap_bytes)
func (m *DistributedMessage) Encode() ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, ErrMessageTooLarge
	}

	size := 8*6 + 4 + 4 + len(m.Payload) + 4
	for _, c := range m.SerializedCaps {
		size += 4 + len(c)
	}

	buf := make([]byte, size)
	off := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}

	putU64(m.MsgID)
	putU64(m.Src.Node)
	putU64(m.Src.Channel)
	putU64(m.Dst.Node)
	putU64(m.Dst.Channel)
	putU64(m.Timestamp)
	putU32(m.Flags)
	putU32(uint32(len(m.Payload)))
	off += copy(buf[off:], m.Payload)
	putU32(uint32(len(m.SerializedCaps)))
	for _, c := range m.SerializedCaps {
		putU32(uint32(len(c)))
		off += copy(buf[off:], c)
	}
	return buf, nil
}

// Decode parses the wire format Encode produces, returning ErrInvalidMessage
// for any truncated or inconsistent input.
func Decode(data []byte) (*DistributedMessage, error) {
	const fixed = 8*6 + 4 + 4
	if len(data) < fixed {
		return nil, ErrInvalidMessage
	}

	off := 0
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(data[off:])
		off += 8
		return v
	}
	getU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v
	}

	m := &DistributedMessage{}
	m.MsgID = getU64()
	m.Src.Node = getU64()
	m.Src.Channel = getU64()
	m.Dst.Node = getU64()
	m.Dst.Channel = getU64()
	m.Timestamp = getU64()
	m.Flags = getU32()

	payloadLen := getU32()
	if payloadLen > MaxPayload || off+int(payloadLen) > len(data) {
		return nil, ErrInvalidMessage
	}
	m.Payload = append([]byte(nil), data[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	if off+4 > len(data) {
		return nil, ErrInvalidMessage
	}
	capCount := getU32()
	m.SerializedCaps = make([][]byte, 0, capCount)
	for i := uint32(0); i < capCount; i++ {
		if off+4 > len(data) {
			return nil, ErrInvalidMessage
		}
		capLen := getU32()
		if off+int(capLen) > len(data) {
			return nil, ErrInvalidMessage
		}
		m.SerializedCaps = append(m.SerializedCaps, append([]byte(nil), data[off:off+int(capLen)]...))
		off += int(capLen)
	}

	return m, nil
}

// attachCaps serializes a set of capability tokens for inclusion in a
// DistributedMessage, via the capability engine's own signed wire format.
func attachCaps(ce *capability.Engine, toks []capability.Token) ([][]byte, error) {
	out := make([][]byte, 0, len(toks))
	for _, t := range toks {
		blob, err := ce.Serialize(t)
		if err != nil {
			return nil, err
		}
		out = append(out, blob)
	}
	return out, nil
}
