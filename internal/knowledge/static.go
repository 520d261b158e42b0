package knowledge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(message string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// StaticProvider 通过加载 YAML/JSON 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从文件加载知识条目。JSON 数组同样是合法的 YAML。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回关键词出现在消息中的条目。没有关键词的条目总是匹配。
func (p *StaticProvider) Query(message string) []Snippet {
	if p == nil {
		return nil
	}

	message = strings.ToLower(strings.TrimSpace(message))
	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, message) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, message string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(message, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
