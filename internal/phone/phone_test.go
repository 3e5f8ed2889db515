package phone

import (
	"reflect"
	"strings"
	"testing"
)

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"+12025550123":      true,
		"+123456789012345":  true,
		"+123456789":        false, // 9 digits
		"+1234567890":       true,  // 10 digits
		"12025550123":       false,
		"+1202555012a":      false,
		"":                  false,
		"+1234567890123456": false,
	}
	for in, want := range cases {
		if got := Valid(in); got != want {
			t.Fatalf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		" +1 (202) 555-0123 ": "+12025550123",
		"0044 20 7946 0958":   "+442079460958",
		"+7.912.345.67.89":    "+79123456789",
		"+1202x5550123":       "+1202x5550123",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseList(t *testing.T) {
	in := "+12025550123\n\n+1 202 555 0124, +12025550123;+12025550125\n   \nnot-a-number\n"

	got, err := ParseList(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseList() error: %v", err)
	}
	want := []string{"+12025550123", "+12025550124", "+12025550125", "notanumber"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseList() = %v, want %v", got, want)
	}
}
