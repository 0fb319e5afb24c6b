package schema

// FunctionType tags the target of a durable call.
type FunctionType int

const (
	FunctionActivity FunctionType = iota
	FunctionOrchestrator
	FunctionEntity
)

func (t FunctionType) String() string {
	switch t {
	case FunctionActivity:
		return "activity"
	case FunctionOrchestrator:
		return "orchestrator"
	case FunctionEntity:
		return "entity"
	default:
		return "unknown"
	}
}
