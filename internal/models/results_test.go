package models

import "testing"

func TestWorst(t *testing.T) {
	tests := []struct {
		a, b, want Results
	}{
		{Success, Success, Success},
		{Success, Warnings, Warnings},
		{Warnings, Failure, Failure},
		{Failure, Exception, Exception},
		{Exception, Retry, Retry},
		{Retry, Cancelled, Cancelled},
		// Skipped members never drag a buildset below success.
		{Skipped, Success, Success},
		{Skipped, Skipped, Skipped},
		{ResultsUnset, Success, Success},
		{Cancelled, Success, Cancelled},
	}

	for _, tt := range tests {
		if got := Worst(tt.a, tt.b); got != tt.want {
			t.Errorf("Worst(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
		if got := Worst(tt.b, tt.a); got != tt.want {
			t.Errorf("Worst(%s, %s) = %s, want %s", tt.b, tt.a, got, tt.want)
		}
	}
}

func TestResultsString(t *testing.T) {
	tests := []struct {
		r    Results
		want string
	}{
		{Success, "success"},
		{Warnings, "warnings"},
		{Failure, "failure"},
		{Skipped, "skipped"},
		{Exception, "exception"},
		{Retry, "retry"},
		{Cancelled, "cancelled"},
		{ResultsUnset, "unset"},
		{Results(99), "unset"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("Results(%d).String() = %q, want %q", int(tt.r), got, tt.want)
		}
	}
}

func TestStampSetEqual(t *testing.T) {
	base := StampSet{
		"default": {Repository: "https://example.com/repo.git", Branch: "main", Revision: "abc"},
	}

	same := StampSet{
		"default": {Repository: "https://example.com/repo.git", Branch: "main", Revision: "abc"},
	}
	if !base.Equal(same) {
		t.Error("identical stamp sets compared unequal")
	}

	differentRev := StampSet{
		"default": {Repository: "https://example.com/repo.git", Branch: "main", Revision: "def"},
	}
	if base.Equal(differentRev) {
		t.Error("different revisions compared equal")
	}

	extraCodebase := StampSet{
		"default": base["default"],
		"docs":    {Repository: "https://example.com/docs.git", Revision: "abc"},
	}
	if base.Equal(extraCodebase) || extraCodebase.Equal(base) {
		t.Error("sets with different codebases compared equal")
	}

	if !(StampSet{}).Equal(StampSet{}) {
		t.Error("empty sets compared unequal")
	}
}

func TestStampSetOf(t *testing.T) {
	rows := []BuildsetSourceStamp{
		{Codebase: "default", Repository: "https://example.com/repo.git", Branch: "main", Revision: "abc", Project: "core"},
		{Codebase: "docs", Repository: "https://example.com/docs.git", Branch: "main", Revision: "def"},
	}
	set := StampSetOf(rows)
	if len(set) != 2 {
		t.Fatalf("set size = %d, want 2", len(set))
	}
	if set["default"].Revision != "abc" || set["default"].Project != "core" {
		t.Errorf("default stamp = %+v", set["default"])
	}
	if set["docs"].Repository != "https://example.com/docs.git" {
		t.Errorf("docs stamp = %+v", set["docs"])
	}
}
