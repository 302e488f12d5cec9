package hasher

import "testing"

func TestHashStable(t *testing.T) {
	a := Hash([]byte("paper"), Params{"grading_mode": "strict", "lang": "en"})
	b := Hash([]byte("paper"), Params{"lang": "en", "grading_mode": "strict"})
	if a != b {
		t.Fatalf("param order changed digest: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	// Persisted cache keys depend on this exact format.
	if got := Hash(nil, nil); got != "6e340b9cffb37a989ca544e6bb780a2c78901d3fb33738768511a30617afa01d" {
		t.Errorf("Hash(nil, nil) = %s", got)
	}
}

func TestHashDistinguishes(t *testing.T) {
	base := Hash([]byte("paper"), Params{"grading_mode": "strict"})
	tests := []struct {
		name string
		got  string
	}{
		{"different bytes", Hash([]byte("paper2"), Params{"grading_mode": "strict"})},
		{"different mode", Hash([]byte("paper"), Params{"grading_mode": "lenient"})},
		{"no params", Hash([]byte("paper"), nil)},
		{"param smuggled into data", Hash([]byte("paper\x00grading_mode=strict\n"), nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got == base {
				t.Error("expected a different digest")
			}
		})
	}
}

func TestHashPagesBoundaries(t *testing.T) {
	a := HashPages([][]byte{[]byte("ab"), []byte("c")}, nil)
	b := HashPages([][]byte{[]byte("a"), []byte("bc")}, nil)
	if a == b {
		t.Error("page boundary shift should change the digest")
	}
	if HashPages([][]byte{[]byte("ab"), []byte("c")}, nil) != a {
		t.Error("HashPages not deterministic")
	}
	if HashPages(nil, nil) == HashPages([][]byte{{}}, nil) {
		t.Error("zero pages and one empty page should differ")
	}
}

func TestKey(t *testing.T) {
	if got := Key("exam1", "abc", "3"); got != "exam1:abc:3" {
		t.Errorf("Key() = %q", got)
	}
}
