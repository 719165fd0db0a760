package orchestrator

import (
	"fmt"
	"strings"

	"agentstation/internal/domain"
)

func plannerKickoffPrompt(goal string) string {
	return fmt.Sprintf(
		"You are the planning agent. Break the following goal into a short ordered list "+
			"of concrete implementation tasks, one per line, smallest useful steps first. "+
			"Reply with the list only.\n\nGoal: %s",
		goal,
	)
}

func coderTaskPrompt(t domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the coding agent. Implement the following task and reply with the finished patch.\n\nTask: %s", t.Description)
	if t.Feedback != "" {
		fmt.Fprintf(&b, "\n\nYour previous attempt was rejected with this feedback, address it:\n%s", t.Feedback)
	}
	if t.AttemptCount > 0 {
		fmt.Fprintf(&b, "\n\nThis is attempt %d.", t.AttemptCount+1)
	}
	return b.String()
}

func reviewPrompt(t domain.Task, patch string) string {
	return fmt.Sprintf(
		"You are the review agent. Review the patch below against its task. "+
			"Reply %s if it is correct and complete, or %s followed by specific feedback if not.\n\n"+
			"Task: %s\n\nPatch:\n%s",
		domain.SignalPatchAccept, domain.SignalPatchReject, t.Description, patch,
	)
}

func auditorNavigatePrompt(path, lastReport string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the audit navigator. Open %s and describe what should be verified there, as one concrete inspection task.", path)
	if lastReport != "" {
		fmt.Fprintf(&b, "\n\nThe previous vigilance report, for context:\n%s", lastReport)
	}
	return b.String()
}

func vigilancePrompt(path, task string) string {
	return fmt.Sprintf(
		"You are the vigilance agent. Perform the inspection below on %s and reply with your findings.\n\n%s",
		path, task,
	)
}
