package ledger

import "testing"

func TestFold_KnownValues(t *testing.T) {
	cases := []struct {
		in       string
		signed   string
		unsigned string
	}{
		{"", "0", "00000000"},
		{"abc", "17862", "00017862"},
		{"hello world", "6aefe2c4", "6aefe2c4"},
		{"The quick brown fox", "-67ac295d", "9853d6a3"},
		{"alicebobhi", "-20f6950a", "df096af6"},
		// Non-BMP runes fold as two UTF-16 code units.
		{"😀", "1b0d63", "001b0d63"},
	}
	for _, c := range cases {
		if got := SchemeFold32Signed.Sum(c.in); got != c.signed {
			t.Fatalf("signed(%q)=%q want %q", c.in, got, c.signed)
		}
		if got := SchemeFold32.Sum(c.in); got != c.unsigned {
			t.Fatalf("fold32(%q)=%q want %q", c.in, got, c.unsigned)
		}
	}
}

func TestSum_ConcatenatesFieldsInOrder(t *testing.T) {
	got := SchemeFold32Signed.Sum("genesis", int64(1700000000000), "Genesis Block", "System", "", uint64(0))
	if got != "4c9f40ee" {
		t.Fatalf("sum=%q want 4c9f40ee", got)
	}
	if SchemeFold32.Sum("ab", "c") != SchemeFold32.Sum("abc") {
		t.Fatalf("fields must concatenate without separators")
	}
}

func TestMeetsDifficulty(t *testing.T) {
	cases := []struct {
		hash string
		d    int
		want bool
	}{
		{"00ab12cd", 2, true},
		{"0ab12cde", 2, false},
		{"-0ab", 1, false},
		{"0", 1, true},
		{"0", 2, false},
		{"abc", 0, true},
	}
	for _, c := range cases {
		if got := meetsDifficulty(c.hash, c.d); got != c.want {
			t.Fatalf("meetsDifficulty(%q,%d)=%v want %v", c.hash, c.d, got, c.want)
		}
	}
}
