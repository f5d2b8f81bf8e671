// Package delivery implements C7: the auto-delivery pipeline triggered by
// a paid-awaiting-shipment sentinel or a bargain-claimed card chat
// (spec.md §4.7).
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/apiclient"
	"github.com/adred-codev/resale-agent/internal/store"
)

// OrderDetailFetcher is the external headless-browser collaborator that
// resolves a multi-spec product's (spec_name, spec_value) for a given
// order (spec.md §4.7 step 4). Treated as a sealed single-method interface
// per §9's guidance on the source's obfuscated submodules.
type OrderDetailFetcher interface {
	FetchSpec(ctx context.Context, orderID, cookie string) (specName, specValue string, ok bool)
}

// ShipConfirmer is the sealed interface over the source's encrypted
// ship-confirmation module (spec.md §4.7 step 7, §9).
type ShipConfirmer interface {
	ConfirmShip(ctx context.Context, orderID string) error
}

// Freeshipper is the sealed interface over the source's encrypted
// freeshipping module, invoked on the bargain-claimed path before normal
// delivery (spec.md §4.7 "Special bargain claimed path").
type Freeshipper interface {
	Freeship(ctx context.Context, orderID, itemID, buyerID string) error
}

// Sender delivers the produced content through the session's chat channel.
// Implemented by the engine wiring layer over Session.Send.
type Sender interface {
	SendChat(ctx context.Context, chatID, text string) error
}

// Notifier is the narrow slice of C9 the pipeline needs.
type Notifier interface {
	NotifyDeliveryOutcome(ctx context.Context, accountID string, ok bool, detail string)
}

// Request bundles everything the pipeline needs for one trigger.
type Request struct {
	AccountID string
	ChatID    string
	SenderID  string // buyer id
	ItemID    string
	OrderID   string
	PreDelay  time.Duration // non-zero only for the bargain-claimed path
}

// Pipeline is the C7 delivery pipeline for one account's sessions. It is
// safe for concurrent use across accounts; per-order cooldown state is kept
// per Pipeline instance (one per account, per spec.md §5 Shared-resource
// policy: "per-Session" cooldown ledgers).
type Pipeline struct {
	store        *store.Store
	api          *apiclient.Client
	orderDetail  OrderDetailFetcher
	shipConfirm  ShipConfirmer
	freeship     Freeshipper
	sender       Sender
	notifier     Notifier
	http         *resty.Client
	logger       zerolog.Logger

	cooldown         time.Duration
	shipCooldown     time.Duration

	mu               sync.Mutex
	lastDeliveryAt   map[string]time.Time // order_id -> time
	confirmedOrders  map[string]time.Time // order_id -> time
}

// Config bundles the tunables the pipeline needs.
type Config struct {
	DeliveryCooldown    time.Duration
	ShipConfirmCooldown time.Duration
}

// New constructs a Pipeline for one account.
func New(cfg Config, st *store.Store, api *apiclient.Client, orderDetail OrderDetailFetcher, shipConfirm ShipConfirmer, freeship Freeshipper, sender Sender, notifier Notifier, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:           st,
		api:             api,
		orderDetail:     orderDetail,
		shipConfirm:     shipConfirm,
		freeship:        freeship,
		sender:          sender,
		notifier:        notifier,
		http:            resty.New(),
		logger:          logger,
		cooldown:        cfg.DeliveryCooldown,
		shipCooldown:    cfg.ShipConfirmCooldown,
		lastDeliveryAt:  make(map[string]time.Time),
		confirmedOrders: make(map[string]time.Time),
	}
}

// Run executes the full pipeline for one trigger (spec.md §4.7).
func (p *Pipeline) Run(ctx context.Context, req Request) {
	if req.PreDelay > 0 {
		select {
		case <-time.After(req.PreDelay):
		case <-ctx.Done():
			return
		}
		if p.freeship != nil {
			if err := p.freeship.Freeship(ctx, req.OrderID, req.ItemID, req.SenderID); err != nil {
				p.logger.Warn().Err(err).Str("order_id", req.OrderID).Msg("freeshipping failed, continuing with normal delivery")
			}
		}
	}

	if req.OrderID == "" {
		p.logger.Info().Str("item_id", req.ItemID).Msg("no order id extracted, suppressing delivery")
		return
	}

	if p.inCooldown(req.OrderID) {
		p.logger.Debug().Str("order_id", req.OrderID).Msg("order in delivery cooldown, skipping")
		return
	}

	acct, err := p.store.GetAccount(req.AccountID)
	if err != nil {
		p.fail(ctx, req, fmt.Sprintf("load account: %v", err))
		return
	}

	searchText, isMultiSpec := p.buildSearchText(ctx, req)

	var specName, specValue string
	if isMultiSpec {
		specName, specValue = p.discoverSpec(ctx, req, acct.CookieBlob)
	}

	rule, ok := p.matchRule(req, searchText, specName, specValue)
	if !ok {
		p.fail(ctx, req, "no delivery rule matched")
		return
	}

	if rule.Card.DelaySeconds > 0 {
		select {
		case <-time.After(time.Duration(rule.Card.DelaySeconds) * time.Second):
		case <-ctx.Done():
			return
		}
	}

	if acct.AutoConfirmEnabled {
		p.maybeConfirmShip(ctx, req.OrderID)
	}

	content, ok := p.produceContent(ctx, rule)
	if !ok {
		p.fail(ctx, req, "content production yielded no content")
		return
	}

	message := composeMessage(rule.Card.Description, content)

	if err := p.sender.SendChat(ctx, req.ChatID, message); err != nil {
		p.fail(ctx, req, fmt.Sprintf("send failed: %v", err))
		return
	}

	p.markDelivered(req.OrderID)
	if err := p.store.IncrementDeliveryTimes(rule.ID); err != nil {
		p.logger.Warn().Err(err).Msg("failed to increment delivery counter")
	}

	p.notifier.NotifyDeliveryOutcome(ctx, req.AccountID, true, fmt.Sprintf("order %s delivered via rule %d", req.OrderID, rule.ID))
}

func (p *Pipeline) fail(ctx context.Context, req Request, detail string) {
	p.notifier.NotifyDeliveryOutcome(ctx, req.AccountID, false, detail)
}

func (p *Pipeline) inCooldown(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastDeliveryAt[orderID]
	return ok && time.Since(last) < p.cooldown
}

func (p *Pipeline) markDelivered(orderID string) {
	p.mu.Lock()
	p.lastDeliveryAt[orderID] = time.Now()
	p.mu.Unlock()
}

// buildSearchText prefers live product detail via C3, falls back to
// persisted title+detail, then title or item_id alone (spec.md §4.7 step 3).
func (p *Pipeline) buildSearchText(ctx context.Context, req Request) (searchText string, isMultiSpec bool) {
	if data, err := p.api.Call(ctx, "item.detail", map[string]string{"itemId": req.ItemID}); err == nil {
		var detail struct {
			Title       string `json:"title"`
			DetailText  string `json:"detailText"`
			IsMultiSpec bool   `json:"isMultiSpec"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Title != "" {
			return detail.Title + " " + detail.DetailText, detail.IsMultiSpec
		}
	}

	if info, err := p.store.GetItemInfo(req.AccountID, req.ItemID); err == nil {
		if info.Title != "" || info.DetailText != "" {
			return strings.TrimSpace(info.Title + " " + info.DetailText), info.IsMultiSpec
		}
	}

	return req.ItemID, false
}

// discoverSpec resolves (spec_name, spec_value) via the external
// collaborator for multi-spec products (spec.md §4.7 step 4).
func (p *Pipeline) discoverSpec(ctx context.Context, req Request, cookie string) (string, string) {
	if p.orderDetail == nil {
		return "", ""
	}
	name, value, ok := p.orderDetail.FetchSpec(ctx, req.OrderID, cookie)
	if !ok {
		return "", ""
	}
	return name, value
}

// matchRule applies the precedence in spec.md §3/§4.7 step 5: multi-spec
// rules first (when a spec was discovered), else single-spec rules,
// longest-keyword-first within each tier.
func (p *Pipeline) matchRule(req Request, searchText, specName, specValue string) (store.DeliveryRule, bool) {
	if specName != "" {
		rules, err := p.store.GetDeliveryRulesByKeywordAndSpec(req.AccountID, searchText, specName, specValue)
		if err == nil && len(rules) > 0 {
			return rules[0], true
		}
	}
	rules, err := p.store.GetDeliveryRulesByKeyword(req.AccountID, searchText)
	if err != nil || len(rules) == 0 {
		return store.DeliveryRule{}, false
	}
	return rules[0], true
}

// maybeConfirmShip invokes ship confirmation at most once per cooldown
// window per order (spec.md §4.7 step 7).
func (p *Pipeline) maybeConfirmShip(ctx context.Context, orderID string) {
	p.mu.Lock()
	last, seen := p.confirmedOrders[orderID]
	if seen && time.Since(last) < p.shipCooldown {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.shipConfirm == nil {
		return
	}
	if err := p.shipConfirm.ConfirmShip(ctx, orderID); err != nil {
		p.logger.Warn().Err(err).Str("order_id", orderID).Msg("ship confirmation failed")
		return
	}
	p.mu.Lock()
	p.confirmedOrders[orderID] = time.Now()
	p.mu.Unlock()
}

// produceContent executes the card-type-specific content production
// strategy (spec.md §4.7 step 8).
func (p *Pipeline) produceContent(ctx context.Context, rule store.DeliveryRule) (string, bool) {
	switch rule.Card.Type {
	case store.CardTypeText:
		if rule.Card.Payload == "" {
			return "", false
		}
		return rule.Card.Payload, true
	case store.CardTypeData:
		row, err := p.store.ConsumeBatchData(rule.CardID)
		if err != nil || row == "" {
			return "", false
		}
		return row, true
	case store.CardTypeAPI:
		return p.produceAPIContent(ctx, rule)
	default:
		return "", false
	}
}

// apiCardTemplate is the JSON shape of a type=api Card's payload.
type apiCardTemplate struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeoutSeconds"`
}

// produceAPIContent calls the card's configured endpoint, retrying up to 4
// times on 5xx/408 with backoff 2*n seconds (spec.md §4.7 step 8).
func (p *Pipeline) produceAPIContent(ctx context.Context, rule store.DeliveryRule) (string, bool) {
	var tmpl apiCardTemplate
	if err := json.Unmarshal([]byte(rule.Card.Payload), &tmpl); err != nil {
		return "", false
	}
	timeout := 10 * time.Second
	if tmpl.Timeout > 0 {
		timeout = time.Duration(tmpl.Timeout) * time.Second
	}
	method := tmpl.Method
	if method == "" {
		method = http.MethodGet
	}

	client := p.http.Clone().SetTimeout(timeout)

	var lastErr error
	for attempt := 0; attempt <= 4; attempt++ {
		r := client.R().SetContext(ctx).SetHeaders(tmpl.Headers)
		if tmpl.Body != "" {
			r.SetBody(tmpl.Body)
		}

		resp, err := r.Execute(method, tmpl.URL)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(2*(attempt+1)) * time.Second)
			continue
		}
		if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusRequestTimeout {
			lastErr = fmt.Errorf("status %d", resp.StatusCode())
			time.Sleep(time.Duration(2*(attempt+1)) * time.Second)
			continue
		}
		return extractAPIContent(resp.Body()), true
	}
	p.logger.Warn().Err(lastErr).Msg("delivery api card exhausted retries")
	return "", false
}

// extractAPIContent pulls data|content|card from a JSON object response,
// else returns the raw body as text (spec.md §4.7 step 8).
func extractAPIContent(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"data", "content", "card"} {
			if raw, ok := obj[key]; ok {
				var s string
				if json.Unmarshal(raw, &s) == nil {
					return s
				}
				return string(raw)
			}
		}
	}
	return string(body)
}

// composeMessage applies description interpolation (spec.md §4.7 step 9):
// a description containing {DELIVERY_CONTENT} is substituted; else if a
// description is present it precedes the content with a blank line; else
// the content alone is emitted.
func composeMessage(description, content string) string {
	if strings.Contains(description, "{DELIVERY_CONTENT}") {
		return strings.ReplaceAll(description, "{DELIVERY_CONTENT}", content)
	}
	if description != "" {
		return description + "\n\n" + content
	}
	return content
}
