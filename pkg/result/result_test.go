package result

import (
	"errors"
	"testing"
)

func TestEligible(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    bool
	}{
		{Claimed, true},
		{Available, true},
		{Unknown, false},
		{Illegal, false},
		{WAFBlocked, false},
		{Error, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.verdict), func(t *testing.T) {
			if got := tt.verdict.Eligible(); got != tt.want {
				t.Errorf("%s.Eligible() = %v, want %v", tt.verdict, got, tt.want)
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	for _, v := range Verdicts {
		got, err := ParseVerdict(string(v))
		if err != nil {
			t.Fatalf("ParseVerdict(%q) error = %v", v, err)
		}
		if got != v {
			t.Errorf("ParseVerdict(%q) = %q", v, got)
		}
	}
	if _, err := ParseVerdict("MAYBE"); err == nil {
		t.Error("ParseVerdict(MAYBE) should fail")
	}
}

func TestKindSentinel(t *testing.T) {
	if KindNone.Sentinel() != nil {
		t.Error("KindNone should have no sentinel")
	}
	if !errors.Is(KindTimeout.Sentinel(), ErrTimeout) {
		t.Error("KindTimeout sentinel mismatch")
	}
	if !errors.Is(KindProxyFailed.Sentinel(), ErrProxyFailed) {
		t.Error("KindProxyFailed sentinel mismatch")
	}
}
