package router

import (
	"fmt"

	"github.com/flynn/noise"
)

// sessionCipherSuite is the router's default Noise cipher suite,
// ChaCha20-Poly1305 over Curve25519/SHA256.
var sessionCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// alternateCipherSuite is the AES-GCM variant of the suite. No Router
// option selects it; sessions always use sessionCipherSuite.
var alternateCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// handshake wraps a Noise NN handshake (anonymous, no static keys — nodes
// authenticate each other out of band via capability tokens exchanged once
// the session is up, not via Noise static keys) and seals whole messages
// rather than framing a raw byte stream.
type handshake struct {
	hs          *noise.HandshakeState
	cs1         *noise.CipherState
	cs2         *noise.CipherState
	complete    bool
	isInitiator bool
}

func newHandshake(suite noise.CipherSuite, initiator bool) (*handshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: suite,
		Pattern:     noise.HandshakeNN,
		Initiator:   initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("router: noise init failed: %w", err)
	}
	return &handshake{hs: hs, isInitiator: initiator}, nil
}

func (h *handshake) writeMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		h.cs1, h.cs2 = cs1, cs2
		h.complete = true
	}
	return msg, nil
}

func (h *handshake) readMessage(msg []byte) ([]byte, error) {
	payload, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		h.cs1, h.cs2 = cs1, cs2
		h.complete = true
	}
	return payload, nil
}

// seal encrypts a whole DistributedMessage wire payload under the
// session's established cipher state.
func (h *handshake) seal(plaintext []byte) ([]byte, error) {
	if !h.complete {
		return nil, ErrEncryptionError
	}
	if h.isInitiator {
		return h.cs1.Encrypt(nil, nil, plaintext)
	}
	return h.cs2.Encrypt(nil, nil, plaintext)
}

// open decrypts a sealed message produced by the peer's seal.
func (h *handshake) open(ciphertext []byte) ([]byte, error) {
	if !h.complete {
		return nil, ErrEncryptionError
	}
	var (
		pt  []byte
		err error
	)
	if h.isInitiator {
		pt, err = h.cs2.Decrypt(nil, nil, ciphertext)
	} else {
		pt, err = h.cs1.Decrypt(nil, nil, ciphertext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionError, err)
	}
	return pt, nil
}
