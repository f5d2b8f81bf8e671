package ids

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"
)

func TestDeviceID_Deterministic(t *testing.T) {
	a := DeviceID("user-123")
	b := DeviceID("user-123")
	if a != b {
		t.Fatalf("device id not stable: %q vs %q", a, b)
	}
	if DeviceID("user-456") == a {
		t.Fatal("different users produced the same device id")
	}
}

func TestMID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		m := MID()
		if seen[m] {
			t.Fatalf("MID collision: %s", m)
		}
		seen[m] = true
	}
}

// P4: sign is a pure function.
func TestSign_Deterministic(t *testing.T) {
	a := Sign(1700000000000, "tok", `{"a":1}`)
	b := Sign(1700000000000, "tok", `{"a":1}`)
	if a != b {
		t.Fatalf("sign not deterministic: %q vs %q", a, b)
	}
	if Sign(1700000000001, "tok", `{"a":1}`) == a {
		t.Fatal("sign did not vary with timestamp")
	}
}

func encryptForTest(t *testing.T, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(decryptKey)
	if err != nil {
		t.Fatal(err)
	}
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), make([]byte, padLen)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	iv := make([]byte, aes.BlockSize)
	mode := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out
}

func TestDecrypt_RoundTrip(t *testing.T) {
	want := []byte(`{"hello":"world"}`)
	ciphertext := encryptForTest(t, want)

	got, err := Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecrypt_RejectsMalformed(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
	}
	for _, c := range cases {
		if _, err := Decrypt(c); err == nil {
			t.Fatalf("expected error decrypting %v", c)
		}
	}
}
