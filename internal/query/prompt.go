package query

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a documentation assistant. Answer strictly from the provided context passages. If the context does not contain the answer, say so. Cite the source document for any fact you state.`

const conciseInstruction = "Answer in one or two sentences."

const tabularInstruction = "Present the answer as a markdown table with one row per item, followed by a one-sentence summary."

// buildPrompt composes the system and user prompts. Context passages are
// packed under the character budget; history and the question follow.
func buildPrompt(req Request, sources []Source, maxContextChars int) (system, user string) {
	var b strings.Builder

	b.WriteString("Context passages:\n\n")
	used := 0
	for i, src := range sources {
		text := src.Text
		remaining := maxContextChars - used
		if remaining <= 0 {
			break
		}
		if len(text) > remaining {
			text = text[:remaining]
		}
		label := src.DocPath
		if label == "" {
			label = fmt.Sprintf("source %d", i+1)
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", label, text)
		used += len(text)
	}

	if len(req.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, line := range req.History {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "Question: %s\n", req.Query)
	if req.Enhanced != "" && req.Enhanced != req.Query {
		fmt.Fprintf(&b, "Interpreted as: %s\n", req.Enhanced)
	}

	switch {
	case req.Tabular:
		b.WriteString("\n" + tabularInstruction)
	case req.Concise:
		b.WriteString("\n" + conciseInstruction)
	}

	return systemPrompt, b.String()
}
