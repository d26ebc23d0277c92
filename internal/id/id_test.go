package id_test

import (
	"testing"

	"github.com/nurrl-dev/furrow/internal/id"
)

func TestParseAccepts(t *testing.T) {
	cases := []string{
		"user/repo.git",
		"/user/repo.git",
		"//user/repo.git",
		"_.git",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			if _, err := id.Parse(s); err != nil {
				t.Fatalf("Parse(%q): unexpected error: %v", s, err)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	cases := []string{
		"",
		"/",
		"..",
		".git",
		"~/user/repo.git",
		"./repo.git",
		"user/../repo.git",
		"/user/repo",
		"..git",
		".toto.git",
		"toto..git",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			if _, err := id.Parse(s); err == nil {
				t.Fatalf("Parse(%q): expected error, got nil", s)
			}
		})
	}
}

func TestGlobalAuthorityClassification(t *testing.T) {
	parsed, err := id.Parse("_.git")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kind() != id.GlobalAuthority {
		t.Fatalf("Kind() = %v, want GlobalAuthority", parsed.Kind())
	}
	if !parsed.IsAuthority() {
		t.Fatalf("IsAuthority() = false, want true")
	}
}

func TestLocalAuthorityClassification(t *testing.T) {
	parsed, err := id.Parse("bob/_.git")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kind() != id.LocalAuthority {
		t.Fatalf("Kind() = %v, want LocalAuthority", parsed.Kind())
	}
}

func TestNormalClassification(t *testing.T) {
	parsed, err := id.Parse("bob/app.git")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kind() != id.Normal {
		t.Fatalf("Kind() = %v, want Normal", parsed.Kind())
	}
}

func TestToAuthority(t *testing.T) {
	parsed, err := id.Parse("bob/app.git")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	auth := parsed.ToAuthority()
	if auth.Kind() != id.LocalAuthority {
		t.Fatalf("ToAuthority().Kind() = %v, want LocalAuthority", auth.Kind())
	}
	if !auth.IsAuthority() {
		t.Fatalf("ToAuthority().IsAuthority() = false")
	}
	if auth.Namespace == nil || *auth.Namespace != "bob" {
		t.Fatalf("ToAuthority() lost namespace: %+v", auth)
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{"user/repo.git", "_.git", "bob/_.git", "app.git"}
	for _, s := range inputs {
		t.Run(s, func(t *testing.T) {
			first, err := id.Parse(s)
			if err != nil {
				t.Fatalf("Parse(%q): %v", s, err)
			}
			second, err := id.Parse(first.String())
			if err != nil {
				t.Fatalf("Parse(render(Parse(%q))): %v", s, err)
			}
			if !first.Equal(second) {
				t.Fatalf("round-trip mismatch: %v != %v", first, second)
			}
		})
	}
}

func TestDisplayForm(t *testing.T) {
	parsed, err := id.Parse("user/repo.git")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := parsed.String(), "user/repo.git"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
