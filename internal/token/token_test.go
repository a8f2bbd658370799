package token

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

var plaintextCorpus = []string{
	"",
	"alice@example.com",
	"bob.smith+news@mail.example.org",
	"+1 (555) 010-9999",
	"555-01-2345",
	"4111 1111 1111 1111",
	"Jane Doe",
	"42 Wallaby Way, Sydney",
	"tok_",
	"tok_abc",
	"tok_abc_poc",
	"tok_abcd1234ef_poc",
	"tok_YWxpY2U_poc",
	"tok__poc",
	"TOK_YWxpY2VAZXhhbXBsZS5jb20_POC",
	"ünïcödé välüé",
	"日本語のテキスト",
	"line\nbreak",
}

func TestTokenize(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		for _, v := range plaintextCorpus {
			a, err := Tokenize(v, "t001")
			if err != nil {
				t.Fatalf("Tokenize(%q) failed: %v", v, err)
			}
			b, _ := Tokenize(v, "t001")
			if a != b {
				t.Errorf("Tokenize(%q) not deterministic: %q != %q", v, a, b)
			}
		}
	})

	t.Run("DistinctValuesDistinctTokens", func(t *testing.T) {
		seen := make(map[string]string)
		for i := 0; i < 500; i++ {
			v := fmt.Sprintf("user%03d@example.com", i)
			tok, err := Tokenize(v, "poc")
			if err != nil {
				t.Fatalf("Tokenize(%q) failed: %v", v, err)
			}
			if prev, ok := seen[tok]; ok {
				t.Fatalf("collision between %q and %q", prev, v)
			}
			seen[tok] = v
		}
	})

	t.Run("NamespaceScoped", func(t *testing.T) {
		a, _ := Tokenize("alice@example.com", "t001")
		b, _ := Tokenize("alice@example.com", "t002")
		if a == b {
			t.Error("Tokens from different namespaces should differ")
		}
		if !strings.HasSuffix(a, "_t001") {
			t.Errorf("Token %q should end with the namespace suffix", a)
		}
	})

	t.Run("Grammar", func(t *testing.T) {
		tok, _ := Tokenize("alice@example.com", "poc")
		if !strings.HasPrefix(tok, Prefix) {
			t.Errorf("Token %q missing prefix", tok)
		}
		if !grammar.MatchString(tok) {
			t.Errorf("Token %q does not match Pattern", tok)
		}
	})

	t.Run("Unencodable", func(t *testing.T) {
		cases := map[string]string{
			"invalid utf8": string([]byte{0xff, 0xfe}),
			"nul byte":     "a\x00b",
			"too long":     strings.Repeat("x", MaxValueBytes+1),
		}
		for name, v := range cases {
			_, err := Tokenize(v, "poc")
			if !errors.Is(err, ErrUnencodable) {
				t.Errorf("%s: expected ErrUnencodable, got %v", name, err)
			}
			var encErr *EncodingError
			if !errors.As(err, &encErr) {
				t.Errorf("%s: expected *EncodingError, got %T", name, err)
			}
		}
	})

	t.Run("InvalidNamespace", func(t *testing.T) {
		for _, ns := range []string{"", "T001", "t_001", strings.Repeat("a", MaxNamespaceLen+1)} {
			if _, err := Tokenize("x", ns); !errors.Is(err, ErrInvalidNamespace) {
				t.Errorf("namespace %q: expected ErrInvalidNamespace, got %v", ns, err)
			}
		}
	})
}

func TestIsToken(t *testing.T) {
	t.Run("PlaintextNeverMatches", func(t *testing.T) {
		for _, v := range plaintextCorpus {
			if IsToken(v) {
				t.Errorf("IsToken(%q) = true for plaintext", v)
			}
		}
	})

	t.Run("TokensAlwaysMatch", func(t *testing.T) {
		for _, ns := range []string{"poc", "t001", "tenant42"} {
			for _, v := range plaintextCorpus {
				tok, err := Tokenize(v, ns)
				if err != nil {
					t.Fatalf("Tokenize(%q, %q) failed: %v", v, ns, err)
				}
				if !IsToken(tok) {
					t.Errorf("IsToken(Tokenize(%q, %q)) = false", v, ns)
				}
			}
		}
	})

	t.Run("TamperedTokenRejected", func(t *testing.T) {
		tok, _ := Tokenize("alice@example.com", "poc")
		swapped := strings.TrimSuffix(tok, "_poc") + "_t001"
		if IsToken(swapped) {
			t.Error("Token with swapped namespace should fail the checksum")
		}
		body := []byte(tok)
		body[len(Prefix)] ^= 0x01
		if IsToken(string(body)) {
			t.Error("Token with altered payload should fail the checksum")
		}
	})

	t.Run("TokenOfTokenIsDistinct", func(t *testing.T) {
		tok, _ := Tokenize("alice", "poc")
		again, _ := Tokenize(tok, "poc")
		if again == tok {
			t.Error("Tokenizing a token must not be the identity")
		}
	})
}

func TestHasTokenShape(t *testing.T) {
	tok, _ := Tokenize("alice@example.com", "poc")
	if !HasTokenShape(tok) {
		t.Errorf("HasTokenShape(%q) = false", tok)
	}

	// Shape without a valid checksum still counts as a token for storage
	forged := "tok_YWxpY2U_poc"
	if !HasTokenShape(forged) {
		t.Errorf("HasTokenShape(%q) = false", forged)
	}
	if IsToken(forged) {
		t.Errorf("IsToken(%q) = true for a forged checksum", forged)
	}

	for _, v := range []string{"alice@example.com", "tok_", "tok__poc", "TOK_YWxpY2VAZXhhbXBsZS5jb20_POC"} {
		if HasTokenShape(v) {
			t.Errorf("HasTokenShape(%q) = true", v)
		}
	}
}

func TestDetokenize(t *testing.T) {
	for _, v := range plaintextCorpus {
		tok, _ := Tokenize(v, "t001")
		got, ns, err := Detokenize(tok)
		if err != nil {
			t.Fatalf("Detokenize(%q) failed: %v", tok, err)
		}
		if got != v || ns != "t001" {
			t.Errorf("Detokenize(%q) = (%q, %q), want (%q, %q)", tok, got, ns, v, "t001")
		}
	}

	if _, _, err := Detokenize("alice@example.com"); !errors.Is(err, ErrNotToken) {
		t.Errorf("expected ErrNotToken, got %v", err)
	}
}

func TestNormalizeNamespace(t *testing.T) {
	cases := map[string]string{
		"T001":        "t001",
		"tenant-a_01": "tenanta01",
		"Sales.EU":    "saleseu",
	}
	for in, want := range cases {
		got, err := NormalizeNamespace(in)
		if err != nil || got != want {
			t.Errorf("NormalizeNamespace(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}

	long, _ := NormalizeNamespace(strings.Repeat("ab", 40))
	if len(long) != MaxNamespaceLen {
		t.Errorf("expected truncation to %d, got %d", MaxNamespaceLen, len(long))
	}

	if _, err := NormalizeNamespace("___"); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("expected ErrInvalidNamespace, got %v", err)
	}
}
