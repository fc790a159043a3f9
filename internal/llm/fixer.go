package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zjrosen/kiln/internal/log"
)

// CodeFixResult is the outcome of one repair attempt. It is serialized into
// job results, so the field names are part of the API surface.
type CodeFixResult struct {
	Success      bool     `json:"success"`
	OriginalCode string   `json:"original_code"`
	FixedCode    string   `json:"fixed_code,omitempty"`
	Diagnosis    string   `json:"diagnosis,omitempty"`
	ChangesMade  []string `json:"changes_made,omitempty"`
	Confidence   string   `json:"confidence,omitempty"`
	Error        string   `json:"error,omitempty"`
}

const fixSystemPrompt = `You are an expert ESP32 firmware developer working with ESP-IDF.

You analyze compilation and runtime failures in C/C++ firmware and produce
precise, working fixes.

When fixing code you must:
1. Identify the root cause of the error.
2. Return the COMPLETE fixed file, never a snippet.
3. Include every #include the code needs.
4. Preserve the existing code structure and style.

Respond with a JSON object:
{
    "diagnosis": "brief explanation of the error",
    "fixed_code": "complete fixed code (all lines)",
    "changes_made": ["list of specific changes"],
    "confidence": "high|medium|low"
}

Never use placeholders like "// rest of code". If unsure, set confidence to "low".`

const fixPromptTemplate = `Fix the following ESP32 build failure.

**File:** %s
**Component:** %s

**Original Code:**
` + "```c\n%s\n```" + `

**Compilation Output:**
` + "```\n%s\n```" + `

Analyze the error and provide a complete fix in the JSON format from your system prompt.`

// FixCode asks the model to repair code given the compiler output for
// sourcePath. A failed completion or an unparseable reply yields
// Success=false; the caller decides whether to retry the build.
func (c *Client) FixCode(ctx context.Context, sourcePath, code, errorContext string) CodeFixResult {
	filename := filepath.Base(sourcePath)
	component := filepath.Base(filepath.Dir(sourcePath))
	log.Info(log.CatLLM, "requesting code fix", "file", filename, "provider", c.provider.Name())

	resp, err := c.Complete(ctx, Request{
		System:      fixSystemPrompt,
		Prompt:      fmt.Sprintf(fixPromptTemplate, filename, component, code, errorContext),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		log.ErrorErr(log.CatLLM, "code fix completion failed", err, "file", filename)
		return CodeFixResult{Success: false, OriginalCode: code, Error: err.Error()}
	}

	result := parseFixReply(resp.Content, code)
	if result.Success {
		log.Info(log.CatLLM, "code fix produced", "file", filename, "confidence", result.Confidence)
	} else {
		log.Warn(log.CatLLM, "no usable fix in completion", "file", filename)
	}
	return result
}

// fixReply is the JSON contract the system prompt requests. Models vary
// between "changes" and "changes_made", so both are accepted.
type fixReply struct {
	Diagnosis   string   `json:"diagnosis"`
	FixedCode   string   `json:"fixed_code"`
	Changes     []string `json:"changes"`
	ChangesMade []string `json:"changes_made"`
	Confidence  string   `json:"confidence"`
}

// parseFixReply walks the reply ladder: structured JSON first, then a fenced
// code block, then failure. Nothing beyond the ladder is guessed.
func parseFixReply(content, original string) CodeFixResult {
	if blob, ok := extractJSONObject(content); ok {
		var reply fixReply
		if err := json.Unmarshal([]byte(blob), &reply); err == nil && strings.TrimSpace(reply.FixedCode) != "" {
			changes := reply.ChangesMade
			if len(changes) == 0 {
				changes = reply.Changes
			}
			confidence := reply.Confidence
			if confidence == "" {
				confidence = "unknown"
			}
			return CodeFixResult{
				Success:      true,
				OriginalCode: original,
				FixedCode:    reply.FixedCode,
				Diagnosis:    reply.Diagnosis,
				ChangesMade:  changes,
				Confidence:   confidence,
			}
		}
	}
	if code, ok := extractFencedCode(content); ok {
		return CodeFixResult{
			Success:      true,
			OriginalCode: original,
			FixedCode:    code,
			Diagnosis:    "Extracted from non-JSON response",
			Confidence:   "low",
		}
	}
	return CodeFixResult{
		Success:      false,
		OriginalCode: original,
		Error:        "No valid fix generated",
	}
}

// extractJSONObject returns the outermost {...} span of s, which tolerates
// replies that wrap the JSON in prose or a markdown fence.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

var fencedCodePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```c\n(.*?)\n```"),
	regexp.MustCompile("(?s)```cpp\n(.*?)\n```"),
	regexp.MustCompile("(?s)```\n(.*?)\n```"),
}

// extractFencedCode pulls the first non-empty markdown code block out of s.
func extractFencedCode(s string) (string, bool) {
	for _, re := range fencedCodePatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			if code := strings.TrimSpace(m[1]); code != "" {
				return code, true
			}
		}
	}
	return "", false
}
