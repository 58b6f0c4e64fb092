// Package classifier 实现两级决策树的多路分类。
//
// 多路判定被拆成若干独立的二选一子判定，每个子判定用一组
// 低歧义的候选标签单独调用概率性分类能力；两级的裁决顺序
// 编码了安全优先的偏置：spam/instruction/illegal/banned
// 先于更宽容的结果短路。
package classifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oso/backend/internal/domain"
)

// SubClassifier 单次二选一判定能力。
// 每次调用相互独立且可失败；重试策略属于能力自身，不属于本层。
type SubClassifier interface {
	Classify(ctx context.Context, text string, candidates []domain.Classification) (domain.Classification, error)
}

// pass0 第一级：四个并发的二选一判定。
var pass0 = [][]domain.Classification{
	{domain.ClassInstruction, domain.ClassOther},
	{domain.ClassInquiry, domain.ClassOther},
	{domain.ClassSpam, domain.ClassOther},
	{domain.ClassStory, domain.ClassOther},
}

// pass1 第二级：仅在第一级判定为 story 时执行。
var pass1 = [][]domain.Classification{
	{domain.ClassBanned, domain.ClassSafe},
	{domain.ClassIllegal, domain.ClassSafe},
	{domain.ClassInteresting, domain.ClassBoring},
}

// Classifier 两级决策树分类器。
type Classifier struct {
	sub SubClassifier
	log *zap.Logger
}

// New 创建分类器
func New(sub SubClassifier, log *zap.Logger) *Classifier {
	return &Classifier{
		sub: sub,
		log: log,
	}
}

// MultiPass 对文本执行两级分类。
//
// 任何子判定失败都使整体结果不可判定（返回错误）。
// 裁决只看结果集合的成员关系，与子判定完成顺序无关。
func (c *Classifier) MultiPass(ctx context.Context, text string) (domain.Classification, error) {
	results, err := c.runPass(ctx, text, pass0)
	if err != nil {
		return "", fmt.Errorf("pass 0: %w", err)
	}

	switch {
	case contains(results, domain.ClassSpam):
		return domain.ClassSpam, nil
	case contains(results, domain.ClassInstruction):
		return domain.ClassInstruction, nil
	case contains(results, domain.ClassInquiry):
		return domain.ClassInquiry, nil
	case !contains(results, domain.ClassStory):
		return domain.ClassOther, nil
	}

	// story：显式进入第二级裁决
	results, err = c.runPass(ctx, text, pass1)
	if err != nil {
		return "", fmt.Errorf("pass 1: %w", err)
	}

	switch {
	case contains(results, domain.ClassIllegal):
		return domain.ClassIllegal, nil
	case contains(results, domain.ClassBanned):
		return domain.ClassBanned, nil
	case contains(results, domain.ClassBoring):
		return domain.ClassBoring, nil
	default:
		return domain.ClassStory, nil
	}
}

// runPass 并发执行一级内的全部子判定，结果按提交位置归位。
func (c *Classifier) runPass(ctx context.Context, text string, pairs [][]domain.Classification) ([]domain.Classification, error) {
	results := make([]domain.Classification, len(pairs))

	g, ctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		g.Go(func() error {
			r, err := c.sub.Classify(ctx, text, pair)
			if err != nil {
				return fmt.Errorf("sub-classification %v: %w", pair, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func contains(results []domain.Classification, target domain.Classification) bool {
	for _, r := range results {
		if r == target {
			return true
		}
	}
	return false
}
