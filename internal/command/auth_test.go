package command

import "testing"

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, salt, err := HashAPIKey("secret-key-123")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	if !VerifyAPIKey("secret-key-123", hash, salt) {
		t.Error("expected correct key to verify")
	}
	if VerifyAPIKey("wrong-key", hash, salt) {
		t.Error("expected wrong key to fail verification")
	}
}

func TestHashAPIKey_ProducesDistinctSaltsPerCall(t *testing.T) {
	hash1, salt1, _ := HashAPIKey("same-key")
	hash2, salt2, _ := HashAPIKey("same-key")
	if salt1 == salt2 {
		t.Error("expected distinct random salts across calls")
	}
	if hash1 == hash2 {
		t.Error("expected distinct hashes given distinct salts")
	}
}
