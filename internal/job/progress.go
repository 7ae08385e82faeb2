package job

import "strings"

// Analysis phases in pipeline order.
const (
	PhaseInit     = "init"
	PhaseLoad     = "load"
	PhaseAnalyze  = "analyze"
	PhaseGenerate = "generate"
	PhaseComplete = "complete"
)

// MapProgress converts a phase and its intra-phase percent into overall
// progress. Intra is clamped to 0..100 and scaled with truncating integer
// arithmetic:
//
//	init      5
//	load      10 + intra/5          (10..30)
//	analyze   30 + intra*0.4        (30..70)
//	generate  70 + intra*0.25       (70..95)
//	complete  100
//
// Unknown phases report false.
func MapProgress(phase string, intra int) (int, bool) {
	intra = min(max(intra, 0), 100)

	switch strings.ToLower(phase) {
	case PhaseInit:
		return 5, true
	case PhaseLoad:
		return 10 + intra/5, true
	case PhaseAnalyze:
		return 30 + intra*4/10, true
	case PhaseGenerate:
		return 70 + intra*25/100, true
	case PhaseComplete:
		return 100, true
	default:
		return 0, false
	}
}
