package canonicalize

import "testing"

func TestJCSKeyOrdering(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	ca, err := JCS(a)
	if err != nil {
		t.Fatalf("JCS(a): %v", err)
	}
	cb, err := JCS(b)
	if err != nil {
		t.Fatalf("JCS(b): %v", err)
	}

	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical forms, got %q vs %q", ca, cb)
	}
	if string(ca) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

func TestHashDeterministic(t *testing.T) {
	v := map[string]interface{}{"x": "y", "n": 1}
	h1, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS("a<b>&c")
	if err != nil {
		t.Fatalf("JCS: %v", err)
	}
	if string(out) != `"a<b>&c"` {
		t.Fatalf("expected unescaped HTML characters, got %s", out)
	}
}
