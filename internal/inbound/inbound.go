// Package inbound implements C5: the per-frame demultiplexer that acks,
// decrypts, classifies, and routes every inbound WebSocket frame to the
// reply selector (C6) or delivery pipeline (C7) (spec.md §4.5).
package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/ids"
	"github.com/adred-codev/resale-agent/internal/session"
)

// autoDeliveryTriggers is the fixed small set of "paid, awaiting shipment"
// sentinels that route a chat message to the delivery pipeline instead of
// the reply selector (spec.md §4.5, glossary).
var autoDeliveryTriggers = []string{
	"[我已付款，等待你发货]",
	"[已付款，待发货]",
	"我已付款，等待你发货",
	"[记得及时发货]",
}

// bargainClaimedTitle marks a card-chat message as the buyer accepting a
// negotiated price, which additionally triggers the freeshipping path.
const bargainClaimedTitle = "我已小刀，待刀成"

// orderStatusReminders are non-actionable status strings logged and dropped.
var orderStatusReminders = []string{
	"卖家已发货",
	"交易已完成",
	"交易关闭",
}

// ChatMessage is the normalized shape handed to C6/C7.
type ChatMessage struct {
	SenderID     string
	SenderName   string
	ChatID       string
	ItemID       string
	ItemIDSynth  bool
	Text         string
	CreateTimeMs int64
	// OrderID is populated only on auto-delivery-trigger routing (§4.7
	// step 1); empty for ordinary chat messages.
	OrderID string
}

// Handlers are the downstream callbacks the demultiplexer invokes once a
// frame has been classified. All are optional; a nil handler means "drop".
type Handlers struct {
	// OnChat handles an ordinary chat message: route to the reply selector.
	OnChat func(ctx context.Context, msg ChatMessage)
	// OnAutoDeliveryTrigger handles a paid-awaiting-shipment sentinel or a
	// card-chat bargain-claimed message: route to the delivery pipeline.
	// preDelay is non-zero for the bargain-claimed freeshipping path.
	OnAutoDeliveryTrigger func(ctx context.Context, msg ChatMessage, preDelay time.Duration)
	// OnSystemPrompt logs a non-actionable system/session-arouse frame.
	OnSystemPrompt func(raw json.RawMessage)
}

// Demux is bound to one Session; it owns classification and routing for
// every frame that Session's receive loop produces.
type Demux struct {
	session  *session.Session
	selfID   string
	handlers Handlers
	logger   zerolog.Logger
}

// New constructs a Demux. selfID is the account owner's user id, used to
// detect and drop self-sent echoes.
func New(sess *session.Session, selfID string, handlers Handlers, logger zerolog.Logger) *Demux {
	return &Demux{session: sess, selfID: selfID, handlers: handlers, logger: logger}
}

// Handle is the session.FrameHandler entry point: ack first, then classify.
func (d *Demux) Handle(ctx context.Context, raw []byte) {
	var envelope frameEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		d.logger.Debug().Err(err).Msg("frame is not valid JSON, dropping")
		return
	}

	d.ack(ctx, envelope)

	if envelope.Body.SyncPushPackage == nil || len(envelope.Body.SyncPushPackage.Data) == 0 {
		return
	}

	for _, item := range envelope.Body.SyncPushPackage.Data {
		d.handlePushItem(ctx, item.Data)
	}
}

// frameEnvelope mirrors the wire shape: headers plus an optional body.
type frameEnvelope struct {
	Headers frameHeaders `json:"headers"`
	Body    struct {
		SyncPushPackage *struct {
			Data []struct {
				Data string `json:"data"`
			} `json:"data"`
		} `json:"syncPushPackage"`
	} `json:"body"`
	Code int `json:"code"`
}

type frameHeaders struct {
	Mid    string `json:"mid"`
	Sid    string `json:"sid"`
	AppKey string `json:"app-key"`
	Ua     string `json:"ua"`
	Dt     string `json:"dt"`
}

// ack mirrors the server's headers with code=200. Best-effort: a send
// failure here is ignored, never propagated (spec.md §4.5 step 1).
func (d *Demux) ack(ctx context.Context, envelope frameEnvelope) {
	if envelope.Code == 200 && envelope.Body.SyncPushPackage == nil {
		// Heartbeat ack carries no body; nothing to ack back.
		d.session.NoteHeartbeatAck()
		return
	}

	reply := map[string]any{
		"headers": map[string]any{
			"mid":     envelope.Headers.Mid,
			"sid":     envelope.Headers.Sid,
			"app-key": envelope.Headers.AppKey,
			"ua":      envelope.Headers.Ua,
			"dt":      envelope.Headers.Dt,
		},
		"code": 200,
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = d.session.Send(ctx, body) // best-effort
}

// handlePushItem decodes, decrypts (if necessary), and classifies one
// syncPushPackage data item (spec.md §4.5 steps 3-4).
func (d *Demux) handlePushItem(ctx context.Context, b64 string) {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		d.logger.Debug().Err(err).Msg("failed to base64-decode push item")
		return
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(decoded, &probe); err == nil {
		if isSystemPrompt(probe) {
			if d.handlers.OnSystemPrompt != nil {
				d.handlers.OnSystemPrompt(decoded)
			}
			return
		}
	}

	plaintext, err := ids.Decrypt(decoded)
	if err != nil {
		d.logger.Debug().Err(err).Msg("failed to decrypt push item, dropping")
		return
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		d.logger.Debug().Err(err).Msg("decrypted payload is not valid JSON, dropping")
		return
	}

	d.classify(ctx, msg)
}

// isSystemPrompt reports whether a plain (undecrypted) JSON payload carries
// chatType with an operation.content.sessionArouse block.
func isSystemPrompt(top map[string]json.RawMessage) bool {
	if _, ok := top["chatType"]; !ok {
		return false
	}
	var wrapper struct {
		Operation struct {
			Content struct {
				SessionArouse json.RawMessage `json:"sessionArouse"`
			} `json:"content"`
		} `json:"operation"`
	}
	raw, _ := json.Marshal(top)
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return false
	}
	return len(wrapper.Operation.Content.SessionArouse) > 0
}

// classify inspects the decrypted message structure and routes it
// (spec.md §4.5 step 4).
func (d *Demux) classify(ctx context.Context, msg map[string]json.RawMessage) {
	if orderStatus, ok := extractOrderStatus(msg); ok {
		d.logger.Info().Str("status", orderStatus).Msg("order status update (non-actionable)")
		return
	}

	chat, ok := extractChatReminder(msg)
	if !ok {
		return
	}

	if chat.SenderID == d.selfID {
		d.logger.Debug().Msg("dropping self-sent echo")
		return
	}

	if chat.Text == "[卡片消息]" {
		title := extractCardTitle(msg)
		if title == bargainClaimedTitle {
			chat.OrderID = extractOrderID(msg)
			if d.handlers.OnAutoDeliveryTrigger != nil {
				d.handlers.OnAutoDeliveryTrigger(ctx, chat, 2*time.Second)
			}
			return
		}
	}

	if isAutoDeliveryTrigger(chat.Text) {
		chat.OrderID = extractOrderID(msg)
		if d.handlers.OnAutoDeliveryTrigger != nil {
			d.handlers.OnAutoDeliveryTrigger(ctx, chat, 0)
		}
		return
	}

	if d.handlers.OnChat != nil {
		d.handlers.OnChat(ctx, chat)
	}
}

func isAutoDeliveryTrigger(text string) bool {
	for _, trigger := range autoDeliveryTriggers {
		if strings.Contains(text, trigger) {
			return true
		}
	}
	return false
}

func extractOrderStatus(msg map[string]json.RawMessage) (string, bool) {
	raw3, ok := msg["3"]
	if !ok {
		return "", false
	}
	var field struct {
		RedReminder string `json:"redReminder"`
	}
	if err := json.Unmarshal(raw3, &field); err != nil {
		return "", false
	}
	for _, known := range orderStatusReminders {
		if field.RedReminder == known {
			return field.RedReminder, true
		}
	}
	return "", false
}

// chatReminderPath mirrors message["1"] with its nested "2", "5", "10" keys.
type chatReminderPath struct {
	Field2  string `json:"2"`
	Field5  string `json:"5"`
	Field10 struct {
		ReminderContent string `json:"reminderContent"`
		SenderNick      string `json:"senderNick"`
		ReminderTitle   string `json:"reminderTitle"`
		SenderUserID    string `json:"senderUserId"`
		ReminderURL     string `json:"reminderUrl"`
	} `json:"10"`
}

func extractChatReminder(msg map[string]json.RawMessage) (ChatMessage, bool) {
	raw1, ok := msg["1"]
	if !ok {
		return ChatMessage{}, false
	}
	var path chatReminderPath
	if err := json.Unmarshal(raw1, &path); err != nil {
		return ChatMessage{}, false
	}
	if path.Field10.ReminderContent == "" {
		return ChatMessage{}, false
	}

	senderName := path.Field10.SenderNick
	if senderName == "" {
		senderName = path.Field10.ReminderTitle
	}

	createTimeMs, _ := strconv.ParseInt(path.Field5, 10, 64)

	itemID, synth := extractItemID(path.Field10.ReminderURL, msg, path.Field10.SenderUserID)

	return ChatMessage{
		SenderID:     path.Field10.SenderUserID,
		SenderName:   senderName,
		ChatID:       path.Field2,
		ItemID:       itemID,
		ItemIDSynth:  synth,
		Text:         path.Field10.ReminderContent,
		CreateTimeMs: createTimeMs,
	}, true
}

func extractCardTitle(msg map[string]json.RawMessage) string {
	raw1, ok := msg["1"]
	if !ok {
		return ""
	}
	var path chatReminderPath
	if err := json.Unmarshal(raw1, &path); err != nil {
		return ""
	}
	return path.Field10.ReminderTitle
}

// extractItemID follows spec.md §4.5's order: reminderUrl's itemId query
// param, then a recursive key search for itemId|item_id|id with ≥10 digits,
// then a synthetic fallback. Synthetic ids are never persisted.
func extractItemID(reminderURL string, msg map[string]json.RawMessage, senderID string) (id string, synthetic bool) {
	if v := itemIDFromURL(reminderURL); v != "" {
		return v, false
	}
	if v := searchItemIDKeys(msg); v != "" {
		return v, false
	}
	return fmt.Sprintf("auto_%s_%d", senderID, time.Now().UnixNano()), true
}

func itemIDFromURL(reminderURL string) string {
	idx := strings.Index(reminderURL, "itemId=")
	if idx < 0 {
		return ""
	}
	rest := reminderURL[idx+len("itemId="):]
	end := strings.IndexAny(rest, "&#")
	if end >= 0 {
		rest = rest[:end]
	}
	if isPlausibleItemID(rest) {
		return rest
	}
	return ""
}

func isPlausibleItemID(s string) bool {
	if len(s) < 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// searchItemIDKeys recursively walks arbitrary JSON looking for
// itemId/item_id/id keys whose value is a ≥10-digit numeric string.
func searchItemIDKeys(msg map[string]json.RawMessage) string {
	for k, raw := range msg {
		if isItemIDKey(k) {
			var s string
			if json.Unmarshal(raw, &s) == nil && isPlausibleItemID(s) {
				return s
			}
			var n int64
			if json.Unmarshal(raw, &n) == nil {
				s := strconv.FormatInt(n, 10)
				if isPlausibleItemID(s) {
					return s
				}
			}
		}

		var nested map[string]json.RawMessage
		if json.Unmarshal(raw, &nested) == nil {
			if found := searchItemIDKeys(nested); found != "" {
				return found
			}
		}
		var arr []json.RawMessage
		if json.Unmarshal(raw, &arr) == nil {
			for _, el := range arr {
				var elNested map[string]json.RawMessage
				if json.Unmarshal(el, &elNested) == nil {
					if found := searchItemIDKeys(elNested); found != "" {
						return found
					}
				}
			}
		}
	}
	return ""
}

func isItemIDKey(k string) bool {
	return k == "itemId" || k == "item_id" || k == "id"
}

var (
	reOrderIDParam      = regexp.MustCompile(`orderId=(\d+)`)
	reOrderDetailIDPath = regexp.MustCompile(`order_detail\?id=(\d+)`)
)

// cardButtonContent mirrors the nested JSON string found at
// message["1"]["6"]["3"]["5"], the three shapes the original client embeds
// an order id in.
type cardButtonContent struct {
	DxCard struct {
		Item struct {
			Main struct {
				TargetURL string `json:"targetUrl"`
				ExContent struct {
					Button struct {
						TargetURL string `json:"targetUrl"`
					} `json:"button"`
				} `json:"exContent"`
			} `json:"main"`
		} `json:"item"`
	} `json:"dxCard"`
	DynamicOperation struct {
		ChangeContent struct {
			DxCard struct {
				Item struct {
					Main struct {
						ExContent struct {
							Button struct {
								TargetURL string `json:"targetUrl"`
							} `json:"button"`
						} `json:"exContent"`
					} `json:"main"`
				} `json:"item"`
			} `json:"dxCard"`
		} `json:"changeContent"`
	} `json:"dynamicOperation"`
}

// extractOrderID follows the three URL shapes the marketplace embeds an
// order id in, in priority order: the card button's targetUrl
// (orderId=NNN), the card's own targetUrl (order_detail?id=NNN), and the
// same path inside a dynamicOperation.changeContent update. Absence is
// non-fatal (spec.md §4.7 step 1).
func extractOrderID(msg map[string]json.RawMessage) string {
	raw1, ok := msg["1"]
	if !ok {
		return ""
	}
	var outer struct {
		Field6 struct {
			Field3 struct {
				Field5 string `json:"5"`
			} `json:"3"`
		} `json:"6"`
	}
	if err := json.Unmarshal(raw1, &outer); err != nil {
		return ""
	}
	contentJSON := outer.Field6.Field3.Field5
	if contentJSON == "" {
		return ""
	}

	var content cardButtonContent
	if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
		return ""
	}

	if m := reOrderIDParam.FindStringSubmatch(content.DxCard.Item.Main.ExContent.Button.TargetURL); m != nil {
		return m[1]
	}
	if m := reOrderDetailIDPath.FindStringSubmatch(content.DxCard.Item.Main.TargetURL); m != nil {
		return m[1]
	}
	if m := reOrderDetailIDPath.FindStringSubmatch(content.DynamicOperation.ChangeContent.DxCard.Item.Main.ExContent.Button.TargetURL); m != nil {
		return m[1]
	}
	return ""
}
