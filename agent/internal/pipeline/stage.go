package pipeline

// Stage is the step an invocation is in.
type Stage int32

const (
	Idle Stage = iota
	Fetching
	Extracting
	Aggregating
	Published
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Extracting:
		return "extracting"
	case Aggregating:
		return "aggregating"
	case Published:
		return "published"
	}
	return "unknown"
}
