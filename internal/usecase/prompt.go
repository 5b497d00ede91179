package usecase

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"professor-agent/internal/domain"
)

// DefaultSystemPrompt is used unless the process is configured with a prompt file.
const DefaultSystemPrompt = `Role: You are a "Rate My Professor" assistant that helps students find the best professors based on their specific criteria. Use Retrieval-Augmented Generation (RAG) to provide the top 3 professors that match the student's needs.

Instructions:

Understand the Query: Analyze the student's query to determine their criteria (e.g., subject, teaching style, grading, student reviews).

Retrieve and Rank: Use a retrieval system to find and rank the top 3 professors based on relevance to the criteria provided. Include:

Name
Subject/Department
Overall Rating
Top Student Comments (Pros and Cons)
Key Details (e.g., teaching style, grading, availability).
Provide Clear Recommendations: Respond concisely with focused information relevant to the student's query.

Handle Follow-Ups: If the student asks further questions, refine the search to provide more targeted suggestions.

Example:

Query: "Best Computer Science professors for project-based learning?"

Response:

Dr. Alice Johnson: 4.8/5 - "Hands-on with projects, real-world examples."
Prof. Brian Kim: 4.7/5 - "Intense but rewarding project work."
Dr. Clara Smith: 4.6/5 - "Encourages creativity, very supportive."
`

const contextBlockLabel = "Returned results from the vector db (done automatically): "

// Rendered for metadata keys the index did not return.
const missingMetadata = "undefined"

const professorEntryFormat = "\n" +
	"        \n" +
	"        Professor: %s\n" +
	"        Review: %s\n" +
	"        Subject: %s\n" +
	"        Stars: %s\n" +
	"        \n\n\n" +
	"        "

func buildPromptMessages(systemPrompt string, conv domain.Conversation, matches []domain.ProfessorMatch) []domain.ChatMessage {
	prior := conv.Prior()
	last, _ := conv.Last()

	messages := make([]domain.ChatMessage, 0, len(prior)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	messages = append(messages, prior...)
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: last.Content + buildContextBlock(matches),
	})
	return messages
}

func buildContextBlock(matches []domain.ProfessorMatch) string {
	var sb strings.Builder
	sb.WriteString(contextBlockLabel)
	for _, m := range matches {
		fmt.Fprintf(&sb, professorEntryFormat,
			m.ID,
			metadataField(m.Metadata, "review"),
			metadataField(m.Metadata, "subject"),
			metadataField(m.Metadata, "stars"),
		)
	}
	return sb.String()
}

// metadataField renders md[key] the way a JavaScript template literal would.
func metadataField(md map[string]any, key string) string {
	v, ok := md[key]
	if !ok {
		return missingMetadata
	}
	if v == nil {
		return "null"
	}
	return jsString(v)
}

func jsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return jsNumber(t)
	case float32:
		return jsNumber(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = jsString(e)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	default:
		return fmt.Sprint(t)
	}
}

// jsNumber formats f like Number.prototype.toString: plain decimal inside
// [1e-6, 1e21), exponent form with an explicit sign outside it.
func jsNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + digits
}
