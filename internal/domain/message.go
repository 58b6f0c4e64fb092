package domain

// MsgSource 消息来源渠道标识。
type MsgSource string

const (
	SourceRedditMessage  MsgSource = "reddit:message"
	SourceRedditComment  MsgSource = "reddit:comment"
	SourceRedditChat     MsgSource = "reddit:chat"
	SourceTwitterMessage MsgSource = "twitter:message"
	SourceTwitterComment MsgSource = "twitter:comment"
	SourceGmail          MsgSource = "gmail"
	SourceSMTP           MsgSource = "smtp"
	SourceWebhook        MsgSource = "webhook"
)

// Valid 判断来源是否为已知渠道。
func (s MsgSource) Valid() bool {
	switch s {
	case SourceRedditMessage, SourceRedditComment, SourceRedditChat,
		SourceTwitterMessage, SourceTwitterComment,
		SourceGmail, SourceSMTP, SourceWebhook:
		return true
	}
	return false
}

// AttributionPrefix 返回该渠道署名时使用的用户名前缀。
func (s MsgSource) AttributionPrefix() string {
	switch s {
	case SourceRedditMessage, SourceRedditComment, SourceRedditChat:
		return "u/"
	case SourceTwitterMessage, SourceTwitterComment:
		return "@"
	default:
		return ""
	}
}

// Message 流水线处理的消息记录。
//
// 除 ID 外所有字段均为可缺省指针：缺省（nil）字段在写入时
// 不会触碰存储中的既有值，多个阶段因此可以在同一行上收敛
// 而不互相覆盖。
type Message struct {
	ID             string          `json:"msgId" gorm:"column:msg_id;primaryKey;type:varchar(128)"`
	CreatedAt      *int64          `json:"createdAt,omitempty" gorm:"column:created_at;index"`
	Source         *MsgSource      `json:"source,omitempty" gorm:"column:source;type:varchar(32)"`
	Sender         *string         `json:"sender,omitempty" gorm:"column:sender;type:varchar(255);index"`
	Receiver       *string         `json:"receiver,omitempty" gorm:"column:receiver;type:varchar(255)"`
	IsReceiverMe   *bool           `json:"isReceiverMe,omitempty" gorm:"column:is_receiver_me"`
	Subject        *string         `json:"subject,omitempty" gorm:"column:subject;type:varchar(500)"`
	Body           *string         `json:"body,omitempty" gorm:"column:body;type:text"`
	Classification *Classification `json:"classification,omitempty" gorm:"column:classification;type:varchar(16);index"`
	ReplyBody      *string         `json:"replyBody,omitempty" gorm:"column:reply_body;type:text"`
	ReplyID        *string         `json:"replyId,omitempty" gorm:"column:reply_id;type:varchar(128)"`
	Summary        *string         `json:"summary,omitempty" gorm:"column:summary;type:text"`
	Images         [][]byte        `json:"images,omitempty" gorm:"column:images;type:bytea[]"`
	PostID         *string         `json:"postId,omitempty" gorm:"column:post_id;type:varchar(128)"`
	LockedAt       *int64          `json:"lockedAt,omitempty" gorm:"column:locked_at;index"`
}

// TableName 指定消息表名。
func (Message) TableName() string {
	return "msg"
}

// HasUpdates 判断消息除 ID 外是否携带任何待写入字段。
func (m *Message) HasUpdates() bool {
	return m.CreatedAt != nil || m.Source != nil || m.Sender != nil ||
		m.Receiver != nil || m.IsReceiverMe != nil || m.Subject != nil ||
		m.Body != nil || m.Classification != nil || m.ReplyBody != nil ||
		m.ReplyID != nil || m.Summary != nil || m.Images != nil ||
		m.PostID != nil || m.LockedAt != nil
}

// ApplyPartial 将 patch 中携带的字段覆盖到 m，缺省字段保持不变。
func (m *Message) ApplyPartial(patch *Message) {
	if patch.CreatedAt != nil {
		m.CreatedAt = patch.CreatedAt
	}
	if patch.Source != nil {
		m.Source = patch.Source
	}
	if patch.Sender != nil {
		m.Sender = patch.Sender
	}
	if patch.Receiver != nil {
		m.Receiver = patch.Receiver
	}
	if patch.IsReceiverMe != nil {
		m.IsReceiverMe = patch.IsReceiverMe
	}
	if patch.Subject != nil {
		m.Subject = patch.Subject
	}
	if patch.Body != nil {
		m.Body = patch.Body
	}
	if patch.Classification != nil {
		m.Classification = patch.Classification
	}
	if patch.ReplyBody != nil {
		m.ReplyBody = patch.ReplyBody
	}
	if patch.ReplyID != nil {
		m.ReplyID = patch.ReplyID
	}
	if patch.Summary != nil {
		m.Summary = patch.Summary
	}
	if patch.Images != nil {
		m.Images = patch.Images
	}
	if patch.PostID != nil {
		m.PostID = patch.PostID
	}
	if patch.LockedAt != nil {
		m.LockedAt = patch.LockedAt
	}
}

// Clone 返回消息的深拷贝。
func (m *Message) Clone() *Message {
	c := &Message{ID: m.ID}
	c.CreatedAt = clonePtr(m.CreatedAt)
	c.Source = clonePtr(m.Source)
	c.Sender = clonePtr(m.Sender)
	c.Receiver = clonePtr(m.Receiver)
	c.IsReceiverMe = clonePtr(m.IsReceiverMe)
	c.Subject = clonePtr(m.Subject)
	c.Body = clonePtr(m.Body)
	c.Classification = clonePtr(m.Classification)
	c.ReplyBody = clonePtr(m.ReplyBody)
	c.ReplyID = clonePtr(m.ReplyID)
	c.Summary = clonePtr(m.Summary)
	c.PostID = clonePtr(m.PostID)
	c.LockedAt = clonePtr(m.LockedAt)
	if m.Images != nil {
		c.Images = make([][]byte, len(m.Images))
		for i, img := range m.Images {
			c.Images[i] = append([]byte(nil), img...)
		}
	}
	return c
}

// Ptr 返回 v 的指针，便于构造可缺省字段。
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
