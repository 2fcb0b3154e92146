package relay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateKeySecretSize(t *testing.T) {
	cases := []struct {
		alg  Algorithm
		size int
	}{
		{HS256, 32},
		{HS384, 48},
		{HS512, 64},
	}
	for _, c := range cases {
		k, err := GenerateKey(c.alg, "kid-1")
		if err != nil {
			t.Fatalf("GenerateKey(%s): %v", c.alg, err)
		}
		if len(k.Secret) != c.size {
			t.Errorf("GenerateKey(%s) secret size = %d, want %d", c.alg, len(k.Secret), c.size)
		}
		if !k.can(KeyOpSign) || !k.can(KeyOpVerify) {
			t.Errorf("GenerateKey(%s) should permit both sign and verify", c.alg)
		}
	}
}

func TestGenerateKeyUnsupportedAlgorithm(t *testing.T) {
	if _, err := GenerateKey("HS128", ""); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestSaveLoadKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")

	want, err := GenerateKey(HS256, "kid-1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := SaveKeyFile(path, want); err != nil {
		t.Fatalf("SaveKeyFile: %v", err)
	}

	got, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	if got.Algorithm != want.Algorithm || got.KID != want.KID {
		t.Fatalf("LoadKeyFile = %+v, want alg/kid matching %+v", got, want)
	}
	if string(got.Secret) != string(want.Secret) {
		t.Fatal("LoadKeyFile secret does not match what was saved")
	}
}

func TestLoadKeyFileRawJSONFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.json")

	raw := `{"alg":"HS256","key_ops":["sign","verify"],"k":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","kid":"raw"}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	k, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	if k.KID != "raw" {
		t.Fatalf("LoadKeyFile KID = %q, want %q", k.KID, "raw")
	}
}

func TestLoadKeyFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("not base64 and not json{"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadKeyFile(path); err == nil {
		t.Fatal("expected error loading garbage key file")
	}
}
