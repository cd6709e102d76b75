package langdetect

import "testing"

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"en":      "en",
		" EN_us ": "en",
		"pt-BR":   "pt",
		"und":     "und",
		"":        "",
		"e":       "",
		"1x":      "",
	}
	for input, want := range cases {
		if got := NormalizeCode(input); got != want {
			t.Fatalf("NormalizeCode(%q): expected %q, got %q", input, want, got)
		}
	}
}

func TestResolvePrefersDeclaredLanguage(t *testing.T) {
	if got := Resolve("de-DE", "completely english text about tariffs"); got != "de" {
		t.Fatalf("expected declared de, got %q", got)
	}
}

func TestResolveDetectsWhenUndetermined(t *testing.T) {
	got := Resolve("und", "Die Bundesregierung kündigt neue Zölle auf Stahlimporte aus China an")
	if got != "de" {
		t.Fatalf("expected detected de, got %q", got)
	}
	if got := Resolve("", "ok"); got != "" {
		t.Fatalf("expected short sample to stay unknown, got %q", got)
	}
}
