package config

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("s3cret-jwt", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if strings.Contains(enc, "s3cret") {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "s3cret-jwt" {
		t.Errorf("DecryptValue = %q, want %q", got, "s3cret-jwt")
	}

	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
	if _, err := DecryptValue("nocolon", "passphrase"); err == nil {
		t.Error("expected format error")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	jwtEnc, err := EncryptValue("jwt-plain", "k")
	if err != nil {
		t.Fatal(err)
	}
	keyEnc, err := EncryptValue("api-plain", "k")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
gateway:
  auth:
    jwt_secret: "enc:`+jwtEnc+`"
    api_keys:
      - name: ops
        key: "enc:`+keyEnc+`"
`)

	t.Setenv("A2A_CONFIG_KEY", "k")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Auth.JWTSecret != "jwt-plain" {
		t.Errorf("JWTSecret = %q, want jwt-plain", cfg.Gateway.Auth.JWTSecret)
	}
	if cfg.Gateway.Auth.APIKeys[0].Key != "api-plain" {
		t.Errorf("api key = %q, want api-plain", cfg.Gateway.Auth.APIKeys[0].Key)
	}
}

func TestLoadEncryptedWithoutKey(t *testing.T) {
	enc, err := EncryptValue("x", "k")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "analysis:\n  api_key: \"enc:"+enc+"\"\n")

	t.Setenv("A2A_CONFIG_KEY", "")
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "analysis.api_key") {
		t.Errorf("Load error = %v, want mention of analysis.api_key", err)
	}
}
