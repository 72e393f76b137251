package planner

import (
	"bytes"
	"encoding/json"
	"strings"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/tool"
)

// ToolsPlaceholder 在模板中被替换为工具目录 JSON。
const ToolsPlaceholder = "${toolsList}"

// DefaultPromptTemplate 是内置的工具选择提示词。
const DefaultPromptTemplate = `You are the tool router of an on-chain assistant.
Pick the tools needed to answer the user's next message from this catalog:
${toolsList}

Rules:
- Only use names that appear in the catalog.
- List tools in the order they should run.
- Reply with JSON only, no prose and no code fences, in exactly this shape:
[{"tools": ["tool_name", "..."]}]`

// RenderPrompt 把工具目录写入模板，并在提供钱包地址时追加地址说明。
func RenderPrompt(template string, tools []*tool.Tool, walletAddress string) (string, error) {
	catalog := make([]tool.Descriptor, 0, len(tools))
	for _, t := range tools {
		catalog = append(catalog, t.Descriptor())
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(catalog); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode tool catalog")
	}

	prompt := strings.Replace(template, ToolsPlaceholder, strings.TrimSpace(buf.String()), 1)
	if walletAddress != "" {
		prompt = prompt + ".Wallet address is " + walletAddress + "."
	}
	return prompt, nil
}

type selection struct {
	Tools []string `json:"tools"`
}

// parseSelection 读取模型回复：JSON 数组，首元素包含非空的 tools 字符串列表。
// 允许回复被 markdown 代码块包裹。
func parseSelection(content string) ([]string, bool) {
	content = stripCodeFence(strings.TrimSpace(content))
	if content == "" {
		return nil, false
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(content), &items); err != nil || len(items) == 0 {
		return nil, false
	}
	var first selection
	if err := json.Unmarshal(items[0], &first); err != nil || len(first.Tools) == 0 {
		return nil, false
	}
	return first.Tools, true
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
