// Package reply implements C6: the reply selector that picks a single
// response string for an inbound chat message from a fixed precedence of
// sources (spec.md §4.6).
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/store"
)

// Request bundles everything the selector and its collaborators need for
// one inbound message.
type Request struct {
	AccountID  string
	SenderID   string
	SenderName string
	Text       string
	ChatID     string
	ItemID     string
}

// AIEngine is the external AI reply collaborator (spec.md §4.6 step 4). The
// core never implements AI itself — this is the seam.
type AIEngine interface {
	Reply(ctx context.Context, req AIRequest) (string, error)
}

// AIRequest is the payload handed to the AI collaborator.
type AIRequest struct {
	Text      string
	ItemInfo  string
	ChatID    string
	AccountID string
	UserID    string
	ItemID    string
}

// Selector picks a reply string given a Request, honoring the fixed
// precedence in spec.md §4.6.
type Selector struct {
	store  *store.Store
	ai     AIEngine
	http   *resty.Client
	logger zerolog.Logger
}

// New constructs a Selector. externalReplyTimeout bounds the external reply
// API call (default 10s per spec.md §4.6 step 1).
func New(st *store.Store, ai AIEngine, externalReplyTimeout time.Duration, logger zerolog.Logger) *Selector {
	return &Selector{
		store:  st,
		ai:     ai,
		http:   resty.New().SetTimeout(externalReplyTimeout),
		logger: logger,
	}
}

// Select returns a reply string, or "" with ok=false if no source produced
// one.
func (s *Selector) Select(ctx context.Context, req Request) (reply string, ok bool) {
	if r, ok := s.tryExternalAPI(ctx, req); ok {
		return s.interpolate(r, req), true
	}
	if r, ok := s.tryKeyword(req, true); ok {
		return s.interpolate(r, req), true
	}
	if r, ok := s.tryKeyword(req, false); ok {
		return s.interpolate(r, req), true
	}
	if r, ok := s.tryAI(ctx, req); ok {
		return s.interpolate(r, req), true
	}
	if r, ok := s.tryDefault(req); ok {
		return s.interpolate(r, req), true
	}
	return "", false
}

// tryExternalAPI posts the message context to the account's configured
// external reply endpoint, if enabled (spec.md §4.6 step 1).
func (s *Selector) tryExternalAPI(ctx context.Context, req Request) (string, bool) {
	settings, err := s.store.GetUserSettings(req.AccountID)
	if err != nil || !settings.ExternalReplyOn || settings.ExternalReplyURL == "" {
		return "", false
	}

	var result struct {
		Code int `json:"code"`
		Data struct {
			SendMsg string `json:"send_msg"`
		} `json:"data"`
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"send_user_id":   req.SenderID,
			"send_user_name": req.SenderName,
			"send_message":   req.Text,
			"chat_id":        req.ChatID,
			"item_id":        req.ItemID,
		}).
		Post(settings.ExternalReplyURL)
	if err != nil {
		s.logger.Debug().Err(err).Msg("external reply api call failed, falling through")
		return "", false
	}
	if resp.StatusCode() != http.StatusOK || json.Unmarshal(resp.Body(), &result) != nil ||
		result.Code != 200 || result.Data.SendMsg == "" {
		return "", false
	}
	return result.Data.SendMsg, true
}

// tryKeyword matches product-scoped rules first when productScoped is true,
// else global rules (spec.md §4.6 steps 2-3). Longest keyword wins.
func (s *Selector) tryKeyword(req Request, productScoped bool) (string, bool) {
	rules, err := s.store.GetKeywordsWithItem(req.AccountID)
	if err != nil {
		return "", false
	}

	lowerText := strings.ToLower(req.Text)
	for _, rule := range rules { // already sorted longest-keyword-first
		if productScoped && rule.ItemID != req.ItemID {
			continue
		}
		if !productScoped && rule.ItemID != "" {
			continue
		}
		if strings.Contains(lowerText, strings.ToLower(rule.Keyword)) {
			return rule.ReplyTemplate, true
		}
	}
	return "", false
}

// tryAI calls the AI collaborator if enabled for the account (spec.md §4.6
// step 4). Any non-empty string is accepted.
func (s *Selector) tryAI(ctx context.Context, req Request) (string, bool) {
	if s.ai == nil {
		return "", false
	}
	settings, err := s.store.GetAISettings(req.AccountID)
	if err != nil || !settings.Enabled {
		return "", false
	}

	itemInfo := ""
	if info, err := s.store.GetItemInfo(req.AccountID, req.ItemID); err == nil {
		itemInfo = info.Title + "\n" + info.DetailText
	}

	text, err := s.ai.Reply(ctx, AIRequest{
		Text:      req.Text,
		ItemInfo:  itemInfo,
		ChatID:    req.ChatID,
		AccountID: req.AccountID,
		UserID:    req.SenderID,
		ItemID:    req.ItemID,
	})
	if err != nil || text == "" {
		return "", false
	}
	return text, true
}

// tryDefault returns the account's configured default reply, if enabled
// (spec.md §4.6 step 5).
func (s *Selector) tryDefault(req Request) (string, bool) {
	dr, err := s.store.GetDefaultReply(req.AccountID)
	if err != nil || !dr.Enabled || dr.Template == "" {
		return "", false
	}
	return dr.Template, true
}

// interpolate substitutes {send_user_id}, {send_user_name}, {send_message}.
// A template with no placeholders is returned unchanged; interpolation
// never fails (spec.md §4.6, "failed interpolation degrades to raw
// template" — there is no failure mode here since substitution is a plain
// string replace, but malformed templates with stray braces pass through
// harmlessly, matching that guarantee).
func (s *Selector) interpolate(template string, req Request) string {
	replacer := strings.NewReplacer(
		"{send_user_id}", req.SenderID,
		"{send_user_name}", req.SenderName,
		"{send_message}", req.Text,
	)
	return replacer.Replace(template)
}

// DebugDumpAIRequest is a small helper for structured logging of AI calls.
func DebugDumpAIRequest(req AIRequest) string {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Sprintf("%+v", req)
	}
	return string(b)
}
