// Package store implements the persistent entity schema (§3 of the spec)
// over GORM and SQLite: accounts, keyword rules, cards, delivery rules,
// item info, default replies, notification channels and their bindings,
// and per-account settings.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a marketplace user session identified by its cookie blob and a
// stable administrative id. owner_user_id never changes on cookie refresh.
type Account struct {
	ID                  string `gorm:"primaryKey"`
	OwnerUserID         string `gorm:"not null"`
	CookieBlob          string `gorm:"not null"`
	Enabled             bool   `gorm:"not null;default:true"`
	AutoConfirmEnabled  bool   `gorm:"not null;default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// KeywordRule maps a keyword to a reply template, optionally scoped to a
// single item. Composite uniqueness: (account_id, keyword, item_id ∪ {""}).
type KeywordRule struct {
	ID             uint `gorm:"primaryKey"`
	AccountID      string `gorm:"not null;uniqueIndex:idx_keyword_rule_unique"`
	Keyword        string `gorm:"not null;uniqueIndex:idx_keyword_rule_unique"`
	ReplyTemplate  string `gorm:"not null"`
	ItemID         string `gorm:"uniqueIndex:idx_keyword_rule_unique"` // empty string means "global"
	CreatedAt      time.Time
}

// CardType enumerates the delivery content production strategies (§4.7 step 8).
type CardType string

const (
	CardTypeAPI  CardType = "api"
	CardTypeText CardType = "text"
	CardTypeData CardType = "data"
)

// Card is a piece of reusable delivery content: a static text, an HTTP API
// template, or a FIFO block of consumable rows (e.g. license keys).
type Card struct {
	ID            uint     `gorm:"primaryKey"`
	OwnerUserID   string   `gorm:"not null"`
	Name          string   `gorm:"not null"`
	Type          CardType `gorm:"not null"`
	Payload       string   `gorm:"not null"` // static text, JSON API template, or newline-delimited FIFO rows
	Description   string
	DelaySeconds  int `gorm:"not null;default:0"`
	IsMultiSpec   bool
	SpecName      string
	SpecValue     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeliveryRule binds a keyword to a card for a given account. Matching
// precedence is computed at query time (§3), not via a unique index.
type DeliveryRule struct {
	ID                uint `gorm:"primaryKey"`
	OwnerUserID       string `gorm:"not null"`
	AccountID         string `gorm:"not null;index"`
	Keyword           string `gorm:"not null"`
	CardID            uint   `gorm:"not null"`
	Card              Card   `gorm:"foreignKey:CardID"`
	DeliveryCountUsed int64  `gorm:"not null;default:0"`
	CreatedAt         time.Time
}

// ItemInfo is persisted product metadata, written only when both title and
// detail are non-empty (§3).
type ItemInfo struct {
	AccountID   string `gorm:"primaryKey"`
	ItemID      string `gorm:"primaryKey"`
	Title       string
	Price       decimal.Decimal `gorm:"type:numeric"`
	DetailText  string
	IsMultiSpec bool
	UpdatedAt   time.Time
}

// DefaultReply is the account's fallback reply string (§4.6 step 5).
type DefaultReply struct {
	AccountID string `gorm:"primaryKey"`
	Enabled   bool
	Template  string
}

// AISettings gates and configures the external AI reply engine per account
// (supplemented feature, SPEC_FULL §6 — the original keeps this per-cookie,
// not global).
type AISettings struct {
	AccountID string `gorm:"primaryKey"`
	Enabled   bool
}

// UserSettings holds per-account toggles not otherwise modeled (supplemented
// feature): whether the external reply API precedes keyword matching.
type UserSettings struct {
	AccountID          string `gorm:"primaryKey"`
	ExternalReplyURL   string
	ExternalReplyOn    bool
}

// NotificationChannel is an operator-configured destination for C9 fan-out.
// Config is a small "key=value;key2=value2" DSL, opaque to the core per spec.
type NotificationChannel struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"not null"`
	Type    string `gorm:"not null"` // webhook, email, dingtalk, telegram, qq, wechat, nats
	Config  string `gorm:"not null"`
	Enabled bool   `gorm:"not null;default:true"`
}

// MessageNotificationBinding says which channels fire for which account and
// event category (supplemented feature — the original supports multiple
// channels per account per category).
type MessageNotificationBinding struct {
	ID            uint `gorm:"primaryKey"`
	AccountID     string `gorm:"not null;index"`
	Category      string `gorm:"not null"` // inbound_message, delivery, token_health
	ChannelID     uint   `gorm:"not null"`
}

// AllModels lists every entity for AutoMigrate.
func AllModels() []any {
	return []any{
		&Account{},
		&KeywordRule{},
		&Card{},
		&DeliveryRule{},
		&ItemInfo{},
		&DefaultReply{},
		&AISettings{},
		&UserSettings{},
		&NotificationChannel{},
		&MessageNotificationBinding{},
	}
}
