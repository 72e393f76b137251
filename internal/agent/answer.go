package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"ChainSage/internal/engine"
	"ChainSage/internal/llm"
)

// DefaultAnswerTemplate 指导模型把原始工具输出整理为固定结构。
const DefaultAnswerTemplate = `This is the user query: ${query}
This is the raw result of the tools: ${response}
${tools} tools were used.
The result is raw and unrefined. Rewrite it in exactly this format:

[{
    "reasoning": string,
    "response": string | JSON,
    "status": "success" | "failure",
    "query": string,
    "errors": []
}]

"reasoning" explains your reasoning in clear terms. "response" answers the query with the
data above, amounts in human readable units; return JSON as a JSON object. "status" is
success only when no tool failed. "query" repeats the user query. "errors" lists tool errors.
Respond with only the JSON, no prose and no code fences.`

// 状态取值。
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// FinalAnswer 是面向用户的整理结果。Response 可能是 JSON 字符串或任意 JSON 值。
type FinalAnswer struct {
	Reasoning string            `json:"reasoning"`
	Response  json.RawMessage   `json:"response"`
	Status    string            `json:"status"`
	Query     string            `json:"query"`
	Errors    []json.RawMessage `json:"errors"`
}

// Text 返回 Response 的文本形式：字符串去掉引号，其他 JSON 原样返回。
func (a *FinalAnswer) Text() string {
	if a == nil || len(a.Response) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Response, &s); err == nil {
		return s
	}
	return string(a.Response)
}

type toolReport struct {
	Outputs map[string]string `json:"outputs"`
	Errors  []toolError       `json:"errors,omitempty"`
}

type toolError struct {
	Tool  string `json:"tool"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func renderAnswerPrompt(template, query string, summary *engine.Summary) (string, []toolError) {
	report := toolReport{Outputs: summary.Outputs}
	if report.Outputs == nil {
		report.Outputs = map[string]string{}
	}
	for _, stat := range summary.Stats {
		if stat.Success {
			continue
		}
		report.Errors = append(report.Errors, toolError{Tool: stat.ToolName, Code: stat.ErrorCode, Error: stat.Error})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(report)

	used := make([]string, 0, len(summary.Stats))
	for _, stat := range summary.Stats {
		used = append(used, stat.ToolName)
	}
	replacer := strings.NewReplacer(
		"${query}", query,
		"${response}", strings.TrimSpace(buf.String()),
		"${tools}", strings.Join(used, ", "),
	)
	return replacer.Replace(template), report.Errors
}

// composeAnswer 请求模型整理结果。模型出错时返回 error，回复无法解析时退化为原文。
func (a *Agent) composeAnswer(ctx context.Context, query string, summary *engine.Summary) (*FinalAnswer, error) {
	prompt, errs := renderAnswerPrompt(a.answerTemplate, query, summary)
	completion, err := a.selector.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return nil, err
	}
	content, _ := completion.FirstContent()
	if answer, ok := parseAnswer(content); ok {
		if answer.Query == "" {
			answer.Query = query
		}
		return answer, nil
	}

	status := StatusSuccess
	if !summary.Succeeded() {
		status = StatusFailure
	}
	raw, _ := json.Marshal(strings.TrimSpace(content))
	fallback := &FinalAnswer{Response: raw, Status: status, Query: query}
	for _, e := range errs {
		encoded, _ := json.Marshal(e)
		fallback.Errors = append(fallback.Errors, encoded)
	}
	return fallback, nil
}

// parseAnswer 接受单个对象或首元素为对象的数组，允许 markdown 代码块包裹。
func parseAnswer(content string) (*FinalAnswer, bool) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		if nl := strings.IndexByte(content, '\n'); nl >= 0 {
			content = content[nl+1:]
		}
		content = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(content), "```"))
	}
	if content == "" {
		return nil, false
	}

	raw := []byte(content)
	if content[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return nil, false
		}
		raw = items[0]
	}
	var answer FinalAnswer
	if err := json.Unmarshal(raw, &answer); err != nil {
		return nil, false
	}
	if len(answer.Response) == 0 && answer.Reasoning == "" {
		return nil, false
	}
	if answer.Status != StatusFailure {
		answer.Status = StatusSuccess
	}
	return &answer, true
}
