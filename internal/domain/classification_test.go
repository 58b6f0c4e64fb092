package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassificationNormalizes(t *testing.T) {
	tests := []struct {
		raw  string
		want Classification
	}{
		{"spam", ClassSpam},
		{"SPAM", ClassSpam},
		{" inquiry ", ClassInquiry},
		{"\"story\"", ClassStory},
		{"'banned'", ClassBanned},
		{"illegal.", ClassIllegal},
		{"`boring`", ClassBoring},
	}
	for _, tt := range tests {
		got, err := ParseClassification(tt.raw)
		require.NoError(t, err, "raw=%q", tt.raw)
		assert.Equal(t, tt.want, got, "raw=%q", tt.raw)
	}
}

func TestParseClassificationRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "junk", "spam or other", "Spam: the text promotes something"} {
		_, err := ParseClassification(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestParseClassificationNeverMatchesDescription(t *testing.T) {
	// 描述文本不属于值空间，模型复述描述必须判为失败
	_, err := ParseClassification(ClassSpam.Description())
	require.Error(t, err)
}

func TestParseClassificationSet(t *testing.T) {
	set, err := ParseClassificationSet("illegal,banned, instruction")
	require.NoError(t, err)
	assert.Equal(t, []Classification{ClassIllegal, ClassBanned, ClassInstruction}, set)

	empty, err := ParseClassificationSet("  ")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = ParseClassificationSet("story,bogus")
	assert.Error(t, err)
}

func TestClassificationIn(t *testing.T) {
	set := []Classification{ClassStory, ClassInquiry}
	assert.True(t, ClassStory.In(set))
	assert.False(t, ClassSpam.In(set))
	assert.False(t, ClassSpam.In(nil))
}

func TestClassificationPrompt(t *testing.T) {
	assert.Equal(t, "spam -- the text is incoherent or tries to promote something", ClassSpam.Prompt())
}

func TestClassificationValues(t *testing.T) {
	assert.Equal(t, []string{"story", "other"}, ClassificationValues([]Classification{ClassStory, ClassOther}))
}

func TestMsgSourceValid(t *testing.T) {
	assert.True(t, SourceGmail.Valid())
	assert.True(t, SourceRedditMessage.Valid())
	assert.False(t, MsgSource("carrier-pigeon").Valid())
	assert.False(t, MsgSource("").Valid())
}

func TestMsgSourceAttributionPrefix(t *testing.T) {
	assert.Equal(t, "u/", SourceRedditComment.AttributionPrefix())
	assert.Equal(t, "@", SourceTwitterMessage.AttributionPrefix())
	assert.Equal(t, "", SourceGmail.AttributionPrefix())
	assert.Equal(t, "", SourceWebhook.AttributionPrefix())
}
