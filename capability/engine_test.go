package capability

import "testing"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(1)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return e
}

func TestGrantMonotonicity(t *testing.T) {
	e := newTestEngine(t)

	root, err := e.MintRoot(ResourceStorage, 1, OpRead|OpWrite|OpGrant)
	if err != nil {
		t.Fatalf("MintRoot() failed: %v", err)
	}

	c1, err := e.Grant(root, OpRead, nil, 0)
	if err != nil {
		t.Fatalf("Grant(root, read) failed: %v", err)
	}
	c2, err := e.Grant(c1, OpRead, nil, 0)
	if err != nil {
		t.Fatalf("Grant(c1, read) failed: %v", err)
	}

	depth, err := e.Depth(c2)
	if err != nil || depth != 2 {
		t.Errorf("Depth(c2) = %d, %v, want 2, nil", depth, err)
	}

	if err := e.Check(c2, OpRead, 0); err != nil {
		t.Errorf("Check(c2, read) = %v, want nil", err)
	}
	if err := e.Check(c2, OpWrite, 0); KindOf(err) != KindInsufficientOps {
		t.Errorf("Check(c2, write) kind = %v, want InsufficientOps", KindOf(err))
	}
}

func TestGrantRejectsSupersetOps(t *testing.T) {
	e := newTestEngine(t)
	root, _ := e.MintRoot(ResourceStorage, 1, OpRead)
	if _, err := e.Grant(root, OpRead|OpWrite, nil, 0); KindOf(err) != KindInsufficientOps {
		t.Errorf("Grant() kind = %v, want InsufficientOps", KindOf(err))
	}
}

func TestGrantRejectsExcessiveDepth(t *testing.T) {
	e := newTestEngine(t)
	tok, err := e.MintRoot(ResourceStorage, 1, OpRead)
	if err != nil {
		t.Fatalf("MintRoot() failed: %v", err)
	}
	for i := 0; i < MaxDelegation; i++ {
		tok, err = e.Grant(tok, OpRead, nil, 0)
		if err != nil {
			t.Fatalf("Grant() #%d failed: %v", i, err)
		}
	}
	if _, err := e.Grant(tok, OpRead, nil, 0); KindOf(err) != KindDepthExceeded {
		t.Errorf("Grant() beyond MaxDelegation kind = %v, want DepthExceeded", KindOf(err))
	}
}

// TestRevocationClosure checks that revoking a token also revokes every
// token derived from it, transitively.
func TestRevocationClosure(t *testing.T) {
	e := newTestEngine(t)

	c0, _ := e.MintRoot(ResourceStorage, 1, OpRead|OpWrite|OpGrant)
	c1, err := e.Grant(c0, OpRead, nil, 0)
	if err != nil {
		t.Fatalf("Grant(c0) failed: %v", err)
	}
	c2, err := e.Grant(c1, OpRead, nil, 0)
	if err != nil {
		t.Fatalf("Grant(c1) failed: %v", err)
	}

	if err := e.Check(c2, OpRead, 0); err != nil {
		t.Fatalf("Check(c2, read) before revoke = %v, want nil", err)
	}
	if err := e.Check(c2, OpWrite, 0); KindOf(err) != KindInsufficientOps {
		t.Errorf("Check(c2, write) kind = %v, want InsufficientOps", KindOf(err))
	}

	if err := e.Revoke(c0); err != nil {
		t.Fatalf("Revoke(c0) failed: %v", err)
	}

	if err := e.Check(c1, OpRead, 0); KindOf(err) != KindRevoked {
		t.Errorf("Check(c1) after revoke kind = %v, want Revoked", KindOf(err))
	}
	if err := e.Check(c2, OpRead, 0); KindOf(err) != KindRevoked {
		t.Errorf("Check(c2) after revoke kind = %v, want Revoked", KindOf(err))
	}

	// Idempotent.
	if err := e.Revoke(c0); err != nil {
		t.Errorf("second Revoke(c0) = %v, want nil", err)
	}
}

func TestCheckExpiry(t *testing.T) {
	e := newTestEngine(t)
	root, _ := e.MintRoot(ResourceTime, 1, OpRead)
	exp := uint64(100)
	child, err := e.Grant(root, OpRead, &exp, 0)
	if err != nil {
		t.Fatalf("Grant() failed: %v", err)
	}

	if err := e.Check(child, OpRead, 50); err != nil {
		t.Errorf("Check() before expiry = %v, want nil", err)
	}
	if err := e.Check(child, OpRead, 200); KindOf(err) != KindExpired {
		t.Errorf("Check() after expiry kind = %v, want Expired", KindOf(err))
	}
}

// TestGrantRejectsExpiredParent checks that deriving from an
// already-expired parent is denied rather than silently producing a live
// child.
func TestGrantRejectsExpiredParent(t *testing.T) {
	e := newTestEngine(t)
	exp := uint64(100)
	root, err := e.Grant(mustMintRoot(t, e, ResourceTime, 1, OpRead), OpRead, &exp, 0)
	if err != nil {
		t.Fatalf("Grant(root) failed: %v", err)
	}
	if _, err := e.Grant(root, OpRead, nil, 200); KindOf(err) != KindExpired {
		t.Errorf("Grant() from expired parent kind = %v, want Expired", KindOf(err))
	}
}

func mustMintRoot(t *testing.T, e *Engine, rt ResourceType, id uint64, ops Operation) Token {
	t.Helper()
	tok, err := e.MintRoot(rt, id, ops)
	if err != nil {
		t.Fatalf("MintRoot() failed: %v", err)
	}
	return tok
}

func TestSerializeRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	root, _ := e.MintRoot(ResourceNetwork, 7, OpRead|OpWrite)

	blob, err := e.Serialize(root)
	if err != nil {
		t.Fatalf("Serialize() failed: %v", err)
	}
	if len(blob) != SerializedSize {
		t.Fatalf("Serialize() len = %d, want %d", len(blob), SerializedSize)
	}

	other, err := NewEngine(1, WithSigningKey(e.signingKey))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	tok, err := other.Deserialize(blob, 0, nil)
	if err != nil {
		t.Fatalf("Deserialize() failed: %v", err)
	}
	ops, err := other.Ops(tok)
	if err != nil || ops != (OpRead|OpWrite) {
		t.Errorf("Ops() = %v, %v, want OpRead|OpWrite, nil", ops, err)
	}
}

func TestDeserializeRejectsBadSignature(t *testing.T) {
	e := newTestEngine(t)
	root, _ := e.MintRoot(ResourceNetwork, 7, OpRead)
	blob, _ := e.Serialize(root)
	blob[len(blob)-1] ^= 0xFF

	if _, err := e.Deserialize(blob, 0, nil); KindOf(err) != KindSignatureInvalid {
		t.Errorf("Deserialize() kind = %v, want SignatureInvalid", KindOf(err))
	}
}

func TestDeserializeRejectsEvictedOrigin(t *testing.T) {
	e := newTestEngine(t)
	root, _ := e.MintRoot(ResourceNetwork, 7, OpRead)
	blob, _ := e.Serialize(root)

	_, err := e.Deserialize(blob, 0, func(origin uint64) bool { return true })
	if err != ErrOriginEvicted {
		t.Errorf("Deserialize() err = %v, want ErrOriginEvicted", err)
	}
}

func TestCheckUnknownToken(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Check(Token{1, 2, 3}, OpRead, 0); KindOf(err) != KindUnknown {
		t.Errorf("Check(unknown) kind = %v, want Unknown", KindOf(err))
	}
}

func TestMintRootRefusedAfterSeal(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.MintRoot(ResourceStorage, 1, OpRead); err != nil {
		t.Fatalf("first MintRoot() failed: %v", err)
	}
	if _, err := e.MintRoot(ResourceChannel, 2, OpRead); err != nil {
		t.Fatalf("second MintRoot() before Seal failed: %v", err)
	}
	e.Seal()
	if _, err := e.MintRoot(ResourceStorage, 3, OpRead); err != ErrNotRootAuthority {
		t.Errorf("MintRoot() after Seal = %v, want ErrNotRootAuthority", err)
	}
}
