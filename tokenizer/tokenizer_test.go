package tokenizer

import "testing"

func TestSupportedLanguagesCsvSortedAndDeduped(t *testing.T) {
	tt := &Tokenizer{languages: map[string]int{"en": 1, "zh": 2, "ar": 3}}
	got := tt.SupportedLanguagesCsv()
	want := "ar,en,zh"
	if got != want {
		t.Errorf("SupportedLanguagesCsv() = %q, want %q", got, want)
	}
}

func TestLanguageTokenLookupIsCaseInsensitive(t *testing.T) {
	tt := &Tokenizer{languages: map[string]int{"en": 7}}
	id, ok := tt.LanguageToken("EN")
	if !ok || id != 7 {
		t.Errorf("LanguageToken(EN) = (%d, %v), want (7, true)", id, ok)
	}
	if _, ok := tt.LanguageToken("fr"); ok {
		t.Error("LanguageToken(fr) should not be found")
	}
}

func TestTokenStringOutOfRange(t *testing.T) {
	tt := &Tokenizer{idToTok: []string{"a", "b"}}
	if got := tt.TokenString(5); got != "" {
		t.Errorf("TokenString(5) = %q, want empty", got)
	}
	if got := tt.TokenString(1); got != "b" {
		t.Errorf("TokenString(1) = %q, want b", got)
	}
}

func TestIsSpecial(t *testing.T) {
	tt := &Tokenizer{idToTok: []string{"<|bos|>", "hello"}}
	if !tt.IsSpecial(0) {
		t.Error("expected id 0 to be special")
	}
	if tt.IsSpecial(1) {
		t.Error("expected id 1 to not be special")
	}
}

func TestRoleTokensMissingReturnsMinusOne(t *testing.T) {
	// Load records an absent role token as -1; mirror that state here.
	tt := &Tokenizer{tokToID: map[string]int{}, systemID: -1, userID: -1, asstID: -1}
	sys, usr, asst := tt.RoleTokens()
	if sys != -1 || usr != -1 || asst != -1 {
		t.Errorf("RoleTokens() = (%d,%d,%d), want all -1", sys, usr, asst)
	}
}
