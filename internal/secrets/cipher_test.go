package secrets

import (
	"strings"
	"testing"
)

func TestAesGcmRoundTrip(t *testing.T) {
	c, err := NewAesGcmCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewAesGcmCipher: %v", err)
	}
	enc, err := c.Encrypt("warehouse-password")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if enc == "warehouse-password" {
		t.Fatal("ciphertext equals plaintext")
	}
	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if dec != "warehouse-password" {
		t.Fatalf("round trip = %q", dec)
	}
}

func TestAesGcmKeyLength(t *testing.T) {
	if _, err := NewAesGcmCipher([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestAesGcmRejectsGarbage(t *testing.T) {
	c, _ := NewAesGcmCipher([]byte("0123456789abcdef0123456789abcdef"))
	if _, err := c.Decrypt("not base64 !!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := c.Decrypt("AAAA"); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
	enc, _ := c.Encrypt("value")
	tampered := strings.Replace(enc, enc[:1], "x", 1)
	if tampered != enc {
		if _, err := c.Decrypt(tampered); err == nil {
			t.Fatal("expected error for tampered ciphertext")
		}
	}
}
