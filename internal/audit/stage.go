package audit

import "fmt"

// Stage is one pipeline phase.
type Stage string

// Pipeline stages in execution order.
const (
	StageCrawl   Stage = "crawl"
	StageAnalyze Stage = "analyze"
)

// ParseStage converts a stored string into a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageCrawl, StageAnalyze:
		return Stage(s), nil
	default:
		return "", fmt.Errorf("unknown stage %q", s)
	}
}

// Status returns the unit status held while the stage runs.
func (s Stage) Status() Status {
	switch s {
	case StageCrawl:
		return StatusCrawling
	case StageAnalyze:
		return StatusAnalyzing
	default:
		return ""
	}
}

// Label is the progressive form used in user-facing messages.
func (s Stage) Label() string {
	return string(s.Status())
}

// Next returns the stage that follows s and false when s is the last stage.
func (s Stage) Next() (Stage, bool) {
	if s == StageCrawl {
		return StageAnalyze, true
	}
	return "", false
}

// StageForStatus maps an active status back to its running stage.
func StageForStatus(st Status) (Stage, bool) {
	switch st {
	case StatusCrawling:
		return StageCrawl, true
	case StatusAnalyzing:
		return StageAnalyze, true
	default:
		return "", false
	}
}

func (s Stage) String() string {
	return string(s)
}
