package contextpipe

import "strings"

// goalVariants are equivalent phrasings for the restatement header. The
// active variant rotates with the turn number so the model does not lock
// onto one boilerplate pattern.
var goalVariants = []struct {
	header   string
	goal     string
	progress string
	next     string
}{
	{
		header:   "--- Current focus ---",
		goal:     "Goal: ",
		progress: "Progress: ",
		next:     "Next step: ",
	},
	{
		header:   "--- Where things stand ---",
		goal:     "Working toward: ",
		progress: "Done so far: ",
		next:     "Up next: ",
	},
	{
		header:   "--- Staying on track ---",
		goal:     "Objective: ",
		progress: "Status: ",
		next:     "Immediate step: ",
	},
}

// RestateGoal renders the goal block appended to the last user message.
// Empty state renders nothing.
func RestateGoal(g GoalState, turn int) string {
	if g.Empty() {
		return ""
	}
	v := goalVariants[turn%len(goalVariants)]

	var sb strings.Builder
	sb.WriteString(v.header)
	if g.Goal != "" {
		sb.WriteString("\n")
		sb.WriteString(v.goal)
		sb.WriteString(g.Goal)
	}
	if g.Progress != "" {
		sb.WriteString("\n")
		sb.WriteString(v.progress)
		sb.WriteString(g.Progress)
	}
	if g.NextStep != "" {
		sb.WriteString("\n")
		sb.WriteString(v.next)
		sb.WriteString(g.NextStep)
	}
	return sb.String()
}
