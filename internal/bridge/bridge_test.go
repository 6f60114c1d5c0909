package bridge

import "testing"

func TestDomainMatches(t *testing.T) {
	cases := []struct {
		url  string
		want string
		yes  bool
	}{
		{"https://www.github.com/u", "github.com", true},
		{"https://www.github.com/u", "api.github.com", true},
		{"https://www.github.com/u", "github.co", false},
		{"https://WWW.GitHub.com/u", "github.com", true},
		{"not-a-url-but-has-github.com-in-it", "github.com", true},
		{"completely-unrelated", "github.com", false},
	}
	for _, c := range cases {
		got := domainMatches(c.url, stripWWW(c.want))
		if got != c.yes {
			t.Errorf("domainMatches(%q, %q) = %v, want %v", c.url, c.want, got, c.yes)
		}
	}
}

func TestStripWWW(t *testing.T) {
	if stripWWW("WWW.Example.com") != "example.com" {
		t.Fatal("expected www stripped and lowercased")
	}
	if stripWWW("example.com") != "example.com" {
		t.Fatal("expected unchanged when no www prefix")
	}
}
