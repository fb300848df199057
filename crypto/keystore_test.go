package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded, err := EncryptKey(key, "passphrase", LightScrypt)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decoded, err := DecryptKey(encoded, "passphrase")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decoded.Address() != key.Address() {
		t.Fatalf("address mismatch: got %s want %s", decoded.Address(), key.Address())
	}
	if _, err := DecryptKey(encoded, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestKeystoreFileRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	if err := SaveToKeystore(path, key, "secret"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("unexpected address %s", loaded.Address())
	}
}

func TestParseAddressAndHexKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	parsed, err := PrivateKeyFromHex("0x" + hex.EncodeToString(key.Bytes()))
	if err != nil {
		t.Fatalf("parse hex key: %v", err)
	}
	if parsed.Address() != key.Address() {
		t.Fatalf("hex key address mismatch")
	}
	if _, err := ParseAddress(key.Address().Hex()); err != nil {
		t.Fatalf("parse address: %v", err)
	}
	if _, err := ParseAddress("nhb1notanaddress"); err == nil {
		t.Fatalf("expected invalid address error")
	}
}
