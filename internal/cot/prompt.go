package cot

import (
	"fmt"
	"strings"
)

// Sentinel marks successful termination: everything before its first
// occurrence in model output is the final answer.
const Sentinel = "[END OF REASONING]"

func systemPrompt(problem, toolCatalogue string, plan []string) string {
	planHint := ""
	if len(plan) > 0 {
		planHint = "A typical solution path for this kind of query is:\n" +
			strings.Join(plan, " -> ") + "\n"
	}
	if toolCatalogue == "" {
		toolCatalogue = "No tools available."
	}

	var b strings.Builder
	b.WriteString("You are a careful, step-by-step reasoning agent.\n")
	b.WriteString("You have access to the following tools:\n")
	b.WriteString(toolCatalogue)
	b.WriteString("\n\n")
	b.WriteString(planHint)
	b.WriteString("When a tool is required:\n")
	b.WriteString("  - Ensure you are NOT repeating steps.\n")
	b.WriteString("  - First, explain why the tool is needed.\n")
	b.WriteString("  - Then, output ONE inline backticked JSON object exactly like:\n")
	b.WriteString("    `{\"name\": \"tool_name\", \"arguments\": {...}}`\n")
	b.WriteString("    (Do NOT use triple backtick code fences; use a single pair of backticks.)\n\n")
	b.WriteString("Tools return JSON responses. Wait for the tool output before continuing.\n")
	b.WriteString("Follow the user's instructions faithfully.\n")
	fmt.Fprintf(&b, "If the tool call directly answers the user, give the final answer and end with %q.\n", Sentinel)
	b.WriteString("Final answers should be concise and summarize the operations performed. ")
	fmt.Fprintf(&b, "Keep reasoning only for multi-tool queries. Always end with %q.\n\n", Sentinel)
	fmt.Fprintf(&b, "If the tools cannot answer the problem, say so and end with %q.\n\n", Sentinel)
	b.WriteString("USER PROBLEM:\n")
	b.WriteString(problem)
	return b.String()
}

func attachTurnState(base string, st *runState) string {
	if st.mode == ModeFinalizing {
		return fmt.Sprintf(
			"%s\n(STATE: finalize_mode=true, tools_run=%d). Provide the final answer now and end with %s. Do NOT call any tools.",
			base, st.toolsRun, Sentinel)
	}
	return fmt.Sprintf(
		"%s\n(STATE: finalize_mode=false, tools_run=%d). If you can answer, end with %s. Otherwise output ONE tool call JSON after a brief justification.",
		base, st.toolsRun, Sentinel)
}
