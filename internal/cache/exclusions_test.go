package cache

import "testing"

func TestExclusionListNil(t *testing.T) {
	var el *ExclusionList
	if el.Excluded("claude-sonnet-4-5-20250929") {
		t.Fatal("nil list excluded a model")
	}
	if el.Rules() != 0 {
		t.Fatalf("Rules() = %d on nil list", el.Rules())
	}
}

func TestExclusionListLiterals(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4-vision-preview", "gemini-2.5-pro"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4-vision-preview", true},
		{"gemini-2.5-pro", true},
		{"gemini-2.5-flash", false},
		{"GPT-4-VISION-PREVIEW", false}, // literals are case-sensitive
		{"gpt-4", false},                // no prefix matching for literals
		{"claude-haiku-4-5-20251001", false},
	}
	for _, tc := range cases {
		if got := el.Excluded(tc.model); got != tc.want {
			t.Errorf("Excluded(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestExclusionListPatterns(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`^azure-`, `claude-opus`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"azure-gpt-4o", true},
		{"azure-gpt-35-turbo", true},
		{"claude-opus-4-1-20250805", true},
		{"claude-sonnet-4-5-20250929", false},
		{"gpt-4o", false},
		{"gemini-2.5-flash", false},
	}
	for _, tc := range cases {
		if got := el.Excluded(tc.model); got != tc.want {
			t.Errorf("Excluded(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestExclusionListMixedRules(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4o-mini"}, []string{`^gemini-`})
	if err != nil {
		t.Fatal(err)
	}

	if !el.Excluded("gpt-4o-mini") {
		t.Error("literal rule missed")
	}
	if !el.Excluded("gemini-2.0-flash") {
		t.Error("pattern rule missed")
	}
	if el.Excluded("gpt-4o") {
		t.Error("unrelated model excluded")
	}
}

func TestExclusionListBadPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{`[unclosed(`}); err == nil {
		t.Fatal("invalid regexp accepted")
	}
}

func TestExclusionListSkipsEmptyEntries(t *testing.T) {
	el, err := NewExclusionList([]string{"", "o3", ""}, []string{"", `^claude-`})
	if err != nil {
		t.Fatal(err)
	}
	if !el.Excluded("o3") || !el.Excluded("claude-haiku-4-5-20251001") {
		t.Fatal("non-empty rules did not survive the empty siblings")
	}
	if el.Rules() != 2 {
		t.Fatalf("Rules() = %d, want 2", el.Rules())
	}
}
