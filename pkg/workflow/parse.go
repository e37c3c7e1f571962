package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// maxSubtasks caps planner decomposition. Prompts ask for 3-7 but the
// parser enforces the ceiling rather than trusting the model.
const maxSubtasks = 7

// extractJSON pulls a JSON document out of model output, tolerating
// markdown code fences and surrounding prose. It returns the span from
// the first opening bracket to its matching closer.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	// Strip a fenced block if present.
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		// Drop an optional language tag ("json").
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			content = rest[:end]
		} else {
			content = rest
		}
	}

	start := strings.IndexAny(content, "[{")
	if start < 0 {
		return ""
	}

	open := content[start]
	var closer byte = ']'
	if open == '{' {
		closer = '}'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}

	return ""
}

// parseSubtasks decodes planner output into subtasks. Missing ids are
// generated; statuses are normalized to pending; the list is capped at
// maxSubtasks. An unparseable document is an error; an empty list is not.
func parseSubtasks(content string) ([]Subtask, error) {
	doc := extractJSON(content)
	if doc == "" {
		return nil, fmt.Errorf("no JSON found in planner output")
	}

	var subtasks []Subtask
	if err := json.Unmarshal([]byte(doc), &subtasks); err != nil {
		// Some models wrap the list in an object.
		var wrapper struct {
			Subtasks []Subtask `json:"subtasks"`
		}
		if err2 := json.Unmarshal([]byte(doc), &wrapper); err2 != nil || wrapper.Subtasks == nil {
			return nil, fmt.Errorf("decode planner output: %w", err)
		}
		subtasks = wrapper.Subtasks
	}

	if len(subtasks) > maxSubtasks {
		subtasks = subtasks[:maxSubtasks]
	}

	out := make([]Subtask, 0, len(subtasks))
	for _, s := range subtasks {
		if strings.TrimSpace(s.Query) == "" {
			continue
		}
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		s.Status = StatusPending
		s.Result = ""
		out = append(out, s)
	}

	return out, nil
}

// parseTasks decodes task-generator output into task description
// strings, dropping blanks.
func parseTasks(content string) ([]string, error) {
	doc := extractJSON(content)
	if doc == "" {
		return nil, fmt.Errorf("no JSON found in task generator output")
	}

	var tasks []string
	if err := json.Unmarshal([]byte(doc), &tasks); err != nil {
		var wrapper struct {
			Tasks []string `json:"tasks"`
		}
		if err2 := json.Unmarshal([]byte(doc), &wrapper); err2 != nil || wrapper.Tasks == nil {
			return nil, fmt.Errorf("decode task generator output: %w", err)
		}
		tasks = wrapper.Tasks
	}

	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// isApproval reports whether a review response approves the document.
// Anything else is treated as free-form feedback.
func isApproval(response string) bool {
	return strings.EqualFold(strings.TrimSpace(response), "approve")
}
