package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the transactional entity store (C2). All writes that affect
// matching (keywords, rules, cards) are visible to every session before the
// next inbound message is processed — GORM's default SQLite connection
// already serializes writes; the keyed mutexes below additionally make
// multi-statement operations atomic with respect to concurrent callers
// (consume_batch_data locks per card, so two deliveries never take the same
// row).
type Store struct {
	db *gorm.DB

	accountLocksMu sync.Mutex
	accountLocks   map[string]*sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path and runs
// AutoMigrate for every entity.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, accountLocks: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) lockFor(accountID string) *sync.Mutex {
	s.accountLocksMu.Lock()
	defer s.accountLocksMu.Unlock()
	l, ok := s.accountLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.accountLocks[accountID] = l
	}
	return l
}

// SaveCookie is idempotent; it never rewrites OwnerUserID when ownerUserID
// is empty.
func (s *Store) SaveCookie(accountID, cookieBlob, ownerUserID string) error {
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	var acct Account
	err := s.db.First(&acct, "id = ?", accountID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		acct = Account{ID: accountID, CookieBlob: cookieBlob, OwnerUserID: ownerUserID, Enabled: true}
		return s.db.Create(&acct).Error
	case err != nil:
		return fmt.Errorf("save cookie: %w", err)
	}

	updates := map[string]any{"cookie_blob": cookieBlob}
	if ownerUserID != "" {
		updates["owner_user_id"] = ownerUserID
	}
	return s.db.Model(&acct).Updates(updates).Error
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	var acct Account
	if err := s.db.First(&acct, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acct, nil
}

// ListEnabledAccounts returns every account with Enabled=true.
func (s *Store) ListEnabledAccounts() ([]Account, error) {
	var accts []Account
	if err := s.db.Where("enabled = ?", true).Find(&accts).Error; err != nil {
		return nil, err
	}
	return accts, nil
}

// SetEnabled flips an account's enabled flag.
func (s *Store) SetEnabled(accountID string, enabled bool) error {
	return s.db.Model(&Account{}).Where("id = ?", accountID).Update("enabled", enabled).Error
}

// RemoveAccount deletes an account row. Sessions must already be stopped by
// the caller (C8 owns lifecycle, not C2).
func (s *Store) RemoveAccount(accountID string) error {
	return s.db.Delete(&Account{}, "id = ?", accountID).Error
}

// GetKeywordsWithItem returns every keyword rule for an account, longest
// keyword first (§4.2).
func (s *Store) GetKeywordsWithItem(accountID string) ([]KeywordRule, error) {
	var rules []KeywordRule
	if err := s.db.Where("account_id = ?", accountID).Find(&rules).Error; err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Keyword) > len(rules[j].Keyword)
	})
	return rules, nil
}

// GetDeliveryRulesByKeywordAndSpec returns multi-spec delivery rules whose
// keyword is a substring of searchText and whose card matches
// (specName, specValue) exactly, longest-keyword-first, ties by rule id asc.
func (s *Store) GetDeliveryRulesByKeywordAndSpec(accountID, searchText, specName, specValue string) ([]DeliveryRule, error) {
	var rules []DeliveryRule
	err := s.db.Preload("Card").
		Joins("JOIN cards ON cards.id = delivery_rules.card_id").
		Where("delivery_rules.account_id = ? AND cards.is_multi_spec = ? AND cards.spec_name = ? AND cards.spec_value = ?",
			accountID, true, specName, specValue).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return filterAndSortByKeywordContainment(rules, searchText), nil
}

// GetDeliveryRulesByKeyword returns single-spec delivery rules whose keyword
// is a substring of searchText, longest-keyword-first, ties by rule id asc.
func (s *Store) GetDeliveryRulesByKeyword(accountID, searchText string) ([]DeliveryRule, error) {
	var rules []DeliveryRule
	err := s.db.Preload("Card").
		Joins("JOIN cards ON cards.id = delivery_rules.card_id").
		Where("delivery_rules.account_id = ? AND cards.is_multi_spec = ?", accountID, false).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return filterAndSortByKeywordContainment(rules, searchText), nil
}

func filterAndSortByKeywordContainment(rules []DeliveryRule, searchText string) []DeliveryRule {
	lowerText := strings.ToLower(searchText)
	matched := rules[:0]
	for _, r := range rules {
		if strings.Contains(lowerText, strings.ToLower(r.Keyword)) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if len(matched[i].Keyword) != len(matched[j].Keyword) {
			return len(matched[i].Keyword) > len(matched[j].Keyword)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

// ConsumeBatchData atomically pops and returns the head row of a data
// card's FIFO payload. Returns ("", nil) when the card is empty or not a
// data card — a fail-soft miss, not an error.
func (s *Store) ConsumeBatchData(cardID uint) (string, error) {
	var card Card
	if err := s.db.First(&card, "id = ?", cardID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}

	lock := s.lockFor(fmt.Sprintf("card:%d", cardID))
	lock.Lock()
	defer lock.Unlock()

	return s.consumeBatchDataLocked(cardID)
}

func (s *Store) consumeBatchDataLocked(cardID uint) (string, error) {
	var head string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var card Card
		if err := tx.First(&card, "id = ?", cardID).Error; err != nil {
			return err
		}
		if card.Type != CardTypeData {
			return nil
		}
		rows := splitNonEmptyLines(card.Payload)
		if len(rows) == 0 {
			return nil
		}
		head = rows[0]
		rest := strings.Join(rows[1:], "\n")
		return tx.Model(&card).Update("payload", rest).Error
	})
	if err != nil {
		return "", fmt.Errorf("consume batch data: %w", err)
	}
	return head, nil
}

func splitNonEmptyLines(s string) []string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// IncrementDeliveryTimes atomically bumps a delivery rule's usage counter.
func (s *Store) IncrementDeliveryTimes(ruleID uint) error {
	return s.db.Model(&DeliveryRule{}).Where("id = ?", ruleID).
		UpdateColumn("delivery_count_used", gorm.Expr("delivery_count_used + 1")).Error
}

// BatchSaveItemBasicInfo is an atomic bulk upsert of item metadata, used by
// the periodic item-list sync (SPEC_FULL §6).
func (s *Store) BatchSaveItemBasicInfo(items []ItemInfo) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now()
	for i := range items {
		items[i].UpdatedAt = now
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			if item.Title == "" || item.DetailText == "" {
				continue // §3: persisted only when both title and detail are non-empty
			}
			if err := tx.Save(&item).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateItemDetail updates only the detail field, preserving title/price.
func (s *Store) UpdateItemDetail(accountID, itemID, text string) error {
	return s.db.Model(&ItemInfo{}).
		Where("account_id = ? AND item_id = ?", accountID, itemID).
		Updates(map[string]any{"detail_text": text, "updated_at": time.Now()}).Error
}

// GetItemInfo loads persisted product metadata, falling back to ErrNotFound
// when absent so callers can fall through to a synthetic search text (§4.7
// step 3).
func (s *Store) GetItemInfo(accountID, itemID string) (*ItemInfo, error) {
	var info ItemInfo
	err := s.db.First(&info, "account_id = ? AND item_id = ?", accountID, itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetDefaultReply loads the account's default reply configuration.
func (s *Store) GetDefaultReply(accountID string) (*DefaultReply, error) {
	var reply DefaultReply
	err := s.db.First(&reply, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetAISettings loads per-account AI-reply gating.
func (s *Store) GetAISettings(accountID string) (*AISettings, error) {
	var st AISettings
	err := s.db.First(&st, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &AISettings{AccountID: accountID, Enabled: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetUserSettings loads per-account settings, defaulting to disabled
// external-reply when absent.
func (s *Store) GetUserSettings(accountID string) (*UserSettings, error) {
	var st UserSettings
	err := s.db.First(&st, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &UserSettings{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListChannelsForAccount returns the notification channels bound to an
// account for a given event category.
func (s *Store) ListChannelsForAccount(accountID, category string) ([]NotificationChannel, error) {
	var bindings []MessageNotificationBinding
	if err := s.db.Where("account_id = ? AND category = ?", accountID, category).Find(&bindings).Error; err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	ids := make([]uint, len(bindings))
	for i, b := range bindings {
		ids[i] = b.ChannelID
	}
	var channels []NotificationChannel
	if err := s.db.Where("id IN ? AND enabled = ?", ids, true).Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// DB exposes the underlying *gorm.DB for callers (e.g. tests, registry
// reload diffing) that need direct queries beyond this package's contract.
func (s *Store) DB() *gorm.DB { return s.db }
