package domain

import (
	"fmt"
	"strings"
)

// Classification 消息分类结果。
//
// 值空间是持久化与子分类器比较的唯一依据，
// 描述文本仅用于构造分类提示词，绝不参与匹配。
type Classification string

const (
	ClassInstruction Classification = "instruction"
	ClassInquiry     Classification = "inquiry"
	ClassSpam        Classification = "spam"
	ClassOther       Classification = "other"
	ClassStory       Classification = "story"
	ClassBanned      Classification = "banned"
	ClassIllegal     Classification = "illegal"
	ClassSafe        Classification = "safe"
	ClassInteresting Classification = "interesting"
	ClassBoring      Classification = "boring"
)

// classificationDescriptions 每个分类值附带的人类可读描述。
var classificationDescriptions = map[Classification]string{
	ClassInstruction: "the text includes somewhere an instruction directed at you",
	ClassInquiry:     "the text includes somewhere an inquiry directed at you",
	ClassSpam:        "the text is incoherent or tries to promote something",
	ClassOther:       "the text is something else",
	ClassStory:       "the text is a real life story",
	ClassBanned:      "sharing this story would get me banned",
	ClassIllegal:     "this story mentions seriously illegal activity",
	ClassSafe:        "sharing this story is safe",
	ClassInteresting: "this story is thrilling, controversial or funny",
	ClassBoring:      "this story is too predictable or common",
}

// Description 返回分类值的描述文本。
func (c Classification) Description() string {
	return classificationDescriptions[c]
}

// Valid 判断分类值是否属于已知值空间。
func (c Classification) Valid() bool {
	_, ok := classificationDescriptions[c]
	return ok
}

// Prompt 返回 "value -- description" 形式的提示词标签。
func (c Classification) Prompt() string {
	return fmt.Sprintf("%s -- %s", string(c), c.Description())
}

// In 判断分类值是否在给定集合中。
func (c Classification) In(set []Classification) bool {
	for _, s := range set {
		if c == s {
			return true
		}
	}
	return false
}

// ParseClassification 将子分类器的原始文本输出归一化到值空间。
//
// 只与枚举值本身比较，不与 Go 标识符或描述文本比较。
func ParseClassification(raw string) (Classification, error) {
	normalized := strings.ToLower(strings.Trim(strings.TrimSpace(raw), "\"'`."))
	c := Classification(normalized)
	if !c.Valid() {
		return "", fmt.Errorf("unknown classification %q", raw)
	}
	return c, nil
}

// ParseClassificationSet 解析逗号分隔的分类列表（用于配置）。
func ParseClassificationSet(raw string) ([]Classification, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	set := make([]Classification, 0, len(parts))
	for _, p := range parts {
		c, err := ParseClassification(p)
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set, nil
}

// ClassificationValues 将分类集合转换为字符串切片（用于 SQL 数组参数）。
func ClassificationValues(set []Classification) []string {
	values := make([]string, len(set))
	for i, c := range set {
		values[i] = string(c)
	}
	return values
}
