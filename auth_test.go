package mq

import "testing"

func TestStaticACLBackendMayConnect(t *testing.T) {
	b := NewStaticACLBackend()

	// No credentials registered: any CONNECT succeeds.
	if err := b.MayConnect("device-1", "", ""); err != nil {
		t.Fatalf("expected open connect to succeed, got %v", err)
	}

	if err := b.AddCredential("device-1", "s3cret"); err != nil {
		t.Fatalf("AddCredential: %v", err)
	}

	if err := b.MayConnect("device-1", "", ""); err == nil {
		t.Error("expected connect without password to fail once a credential is registered")
	}
	if err := b.MayConnect("device-1", "", "wrong"); err == nil {
		t.Error("expected connect with wrong password to fail")
	}
	if err := b.MayConnect("device-1", "", "s3cret"); err != nil {
		t.Errorf("expected connect with correct password to succeed, got %v", err)
	}

	// A clientID with no registered credential is unaffected.
	if err := b.MayConnect("device-2", "", ""); err != nil {
		t.Errorf("expected unregistered client to connect freely, got %v", err)
	}
}

func TestStaticACLBackendMayAct(t *testing.T) {
	b := NewStaticACLBackend()
	b.SetDefaultAllow(false)
	b.AddRule("device-1", "sensors/device-1/#", true, false)

	if err := b.MayAct("device-1", "sensors/device-1/temp", true); err != nil {
		t.Errorf("expected matching publish rule to allow, got %v", err)
	}
	if err := b.MayAct("device-1", "sensors/device-1/temp", false); err == nil {
		t.Error("expected subscribe to be denied when only publish is granted")
	}
	if err := b.MayAct("device-1", "sensors/device-2/temp", true); err == nil {
		t.Error("expected publish outside the granted filter to be denied")
	}
	if err := b.MayAct("device-2", "anything", true); err == nil {
		t.Error("expected a client with no rules at all to be denied under defaultAllow=false")
	}
}

func TestDeviceCredentialHasherRoundTrip(t *testing.T) {
	h := NewDeviceCredentialHasher()
	secret := []byte("device-secret-0123")

	encoded, err := h.Hash(secret)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if encoded == "" {
		t.Fatal("expected a non-empty encoded hash")
	}

	ok, err := h.Verify(secret, encoded)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("expected the correct secret to verify")
	}

	ok, err = h.Verify([]byte("wrong-secret"), encoded)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("expected an incorrect secret to fail verification")
	}
}

func TestSystemTopicGuard(t *testing.T) {
	if err := systemTopicGuard("$SYS/broker/version"); err == nil {
		t.Error("expected $SYS publish to be rejected")
	}
	if err := systemTopicGuard("sensors/device-1/temp"); err != nil {
		t.Errorf("expected ordinary topic to pass, got %v", err)
	}
}
