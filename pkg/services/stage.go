package services

import "strconv"

// Provisioning steps, in execution order.
const (
	StepAuthenticate   = 1
	StepInstantiate    = 2
	StepReadVariables  = 3
	StepWriteVariables = 4
	StepEnableServices = 5
	StepStartFlow      = 6
)

var stepNames = map[int]string{
	StepAuthenticate:   "authenticate",
	StepInstantiate:    "instantiate template",
	StepReadVariables:  "read variables",
	StepWriteVariables: "write variables",
	StepEnableServices: "enable services",
	StepStartFlow:      "start flow",
}

// StepName returns a readable name for a provisioning step.
func StepName(step int) string {
	if name, ok := stepNames[step]; ok {
		return name
	}
	return "step " + strconv.Itoa(step)
}

// Stage describes how much of a flow exists on the engine. Teardown performs
// only the cleanup a stage requires.
type Stage int

const (
	StageNoneCreated Stage = iota
	StageGroupCreated
	StageVariablesSet
	StageServicesEnabled
	StageRunning
)

func (s Stage) String() string {
	switch s {
	case StageNoneCreated:
		return "NoneCreated"
	case StageGroupCreated:
		return "GroupCreated"
	case StageVariablesSet:
		return "VariablesSet"
	case StageServicesEnabled:
		return "ServicesEnabled"
	case StageRunning:
		return "Running"
	default:
		return "Stage(" + strconv.Itoa(int(s)) + ")"
	}
}

// StageAfter returns the stage left behind once steps 1..reached have completed.
func StageAfter(reached int) Stage {
	switch {
	case reached >= StepStartFlow:
		return StageRunning
	case reached >= StepEnableServices:
		return StageServicesEnabled
	case reached >= StepWriteVariables:
		return StageVariablesSet
	case reached >= StepInstantiate:
		return StageGroupCreated
	default:
		return StageNoneCreated
	}
}
