package models

// Results encodes the outcome of a build or build request.
type Results int

// Result codes. Unset marks a request that has not finished yet.
const (
	ResultsUnset Results = -1
	Success      Results = 0
	Warnings     Results = 1
	Failure      Results = 2
	Skipped      Results = 3
	Exception    Results = 4
	Retry        Results = 5
	Cancelled    Results = 6
)

// severity orders results from least to most severe for Worst().
// Skipped ranks below Success: a buildset whose members all skipped is
// still a success overall.
var severity = map[Results]int{
	ResultsUnset: -1,
	Skipped:      0,
	Success:      1,
	Warnings:     2,
	Failure:      3,
	Exception:    4,
	Retry:        5,
	Cancelled:    6,
}

func (r Results) String() string {
	switch r {
	case Success:
		return "success"
	case Warnings:
		return "warnings"
	case Failure:
		return "failure"
	case Skipped:
		return "skipped"
	case Exception:
		return "exception"
	case Retry:
		return "retry"
	case Cancelled:
		return "cancelled"
	default:
		return "unset"
	}
}

// Worst returns the more severe of two results.
func Worst(a, b Results) Results {
	if severity[b] > severity[a] {
		return b
	}
	return a
}
