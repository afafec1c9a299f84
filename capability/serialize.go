package capability

import (
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// SerializedSize is the exact wire size of a serialized token:
// token[32] | resource_type:u16 | operations:u64 | expires:u64 |
// origin_node:u64 | signature[64].
const SerializedSize = 32 + 2 + 8 + 8 + 8 + 64

const signatureSize = 64

// canonicalize builds the stable byte sequence that gets signed — every
// field preceding the signature, little-endian, so a signature computed
// here verifies identically on any node.
func canonicalize(tok Token, resourceType ResourceType, ops Operation, expires uint64, originNode uint64) []byte {
	buf := make([]byte, 32+2+8+8+8)
	copy(buf[0:32], tok[:])
	binary.LittleEndian.PutUint16(buf[32:34], uint16(resourceType))
	binary.LittleEndian.PutUint64(buf[34:42], uint64(ops))
	binary.LittleEndian.PutUint64(buf[42:50], expires)
	binary.LittleEndian.PutUint64(buf[50:58], originNode)
	return buf
}

func (e *Engine) sign(msg []byte) ([]byte, error) {
	h, err := blake2b.New512(e.signingKey)
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

// Serialize produces the signed, cross-node-transferable blob for token.
// Expiry 0 means "no expiry".
func (e *Engine) Serialize(token Token) ([]byte, error) {
	e.mu.RLock()
	r, ok := e.byToken[token]
	if !ok {
		e.mu.RUnlock()
		return nil, denied(KindUnknown)
	}
	resourceType, ops, originNode := r.resourceType, r.ops, r.originNode
	var expires uint64
	if r.expires != nil {
		expires = *r.expires
	}
	e.mu.RUnlock()

	msg := canonicalize(token, resourceType, ops, expires, originNode)
	sig, err := e.sign(msg)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, SerializedSize)
	out = append(out, msg...)
	out = append(out, sig...)
	return out, nil
}

// Deserialize verifies a serialized capability's signature, checks expiry,
// rejects tokens whose origin node has been evicted (via evicted, which may
// be nil to skip that check), and installs the resulting record so the
// token is usable locally. Returns ErrInvalidSerialization for malformed
// input, a DeniedError{KindSignatureInvalid} for a bad signature, a
// DeniedError{KindExpired} for an expired token, and ErrOriginEvicted for
// an evicted origin.
func (e *Engine) Deserialize(data []byte, now uint64, evicted EvictionChecker) (Token, error) {
	if len(data) != SerializedSize {
		return Token{}, ErrInvalidSerialization
	}

	var tok Token
	copy(tok[:], data[0:32])
	resourceType := ResourceType(binary.LittleEndian.Uint16(data[32:34]))
	ops := Operation(binary.LittleEndian.Uint64(data[34:42]))
	expires := binary.LittleEndian.Uint64(data[42:50])
	originNode := binary.LittleEndian.Uint64(data[50:58])
	sig := data[58 : 58+signatureSize]

	msg := canonicalize(tok, resourceType, ops, expires, originNode)
	wantSig, err := e.sign(msg)
	if err != nil {
		return Token{}, err
	}
	if subtle.ConstantTimeCompare(sig, wantSig) != 1 {
		return Token{}, denied(KindSignatureInvalid)
	}

	if expires != 0 && now > expires {
		return Token{}, denied(KindExpired)
	}
	if evicted != nil && evicted(originNode) {
		return Token{}, ErrOriginEvicted
	}

	var expPtr *uint64
	if expires != 0 {
		expPtr = &expires
	}

	e.mu.Lock()
	e.byToken[tok] = &record{
		resourceType: resourceType,
		resourceID:   0,
		ops:          ops,
		expires:      expPtr,
		originNode:   originNode,
	}
	e.mu.Unlock()

	e.metrics.IncrCounter("capability.deserialized", 1)
	return tok, nil
}
