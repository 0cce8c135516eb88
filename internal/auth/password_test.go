package auth

import "testing"

// testHashParams keeps hashing cheap in tests.
var testHashParams = HashParams{
	Memory:      16384,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()
	password := "testPassword123!"

	hash, err := HashPassword(password, testHashParams)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "" {
		t.Fatal("HashPassword() returned empty hash")
	}

	match, err := VerifyPassword(password, hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !match {
		t.Error("VerifyPassword() = false, want true for correct password")
	}

	match, err = VerifyPassword("wrongPassword!", hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if match {
		t.Error("VerifyPassword() = true, want false for wrong password")
	}
}

func TestNeedsRehash(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("testPassword", testHashParams)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	doubled := testHashParams
	doubled.Memory *= 2

	tests := []struct {
		name   string
		hash   string
		params HashParams
		want   bool
	}{
		{name: "matching parameters", hash: hash, params: testHashParams, want: false},
		{name: "memory changed", hash: hash, params: doubled, want: true},
		{name: "undecodable hash", hash: "not-a-hash", params: testHashParams, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NeedsRehash(tt.hash, tt.params); got != tt.want {
				t.Errorf("NeedsRehash() = %v, want %v", got, tt.want)
			}
		})
	}
}
