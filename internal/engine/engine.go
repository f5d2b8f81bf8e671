// Package engine is the explicit, process-wide wiring struct that replaces
// the original's module-level singletons (CookieManager, db_manager, the AI
// engine) with one value threaded through every component, per spec.md's
// Design Notes §9. It owns the account registry, the notifier's sender map,
// and the item-list sync scheduler, and builds a fresh apiclient/session/
// inbound/reply/delivery stack for every account the registry starts.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/apiclient"
	"github.com/adred-codev/resale-agent/internal/config"
	"github.com/adred-codev/resale-agent/internal/delivery"
	"github.com/adred-codev/resale-agent/internal/eventbus"
	"github.com/adred-codev/resale-agent/internal/health"
	"github.com/adred-codev/resale-agent/internal/ids"
	"github.com/adred-codev/resale-agent/internal/inbound"
	"github.com/adred-codev/resale-agent/internal/metrics"
	"github.com/adred-codev/resale-agent/internal/notifier"
	"github.com/adred-codev/resale-agent/internal/registry"
	"github.com/adred-codev/resale-agent/internal/reply"
	"github.com/adred-codev/resale-agent/internal/session"
	"github.com/adred-codev/resale-agent/internal/store"
	"github.com/adred-codev/resale-agent/internal/workerpool"
)

// Engine bundles every process-wide collaborator. The Account Registry is
// the one legitimate piece of global state (spec.md §9); everything else
// here exists to construct it and the per-account stacks it runs.
type Engine struct {
	cfg    *config.Config
	store  *store.Store
	logger zerolog.Logger
	http   *resty.Client

	Notifier *notifier.Notifier
	Registry *registry.Registry
	Health   *health.Reporter
	Bus      *eventbus.Bus
	workers  *workerpool.Pool
	natsConn *nats.Conn
}

// New wires every collaborator and constructs the Registry's Session
// factory, but starts nothing — call Run to bring accounts online.
func New(cfg *config.Config, st *store.Store, logger zerolog.Logger) (*Engine, error) {
	healthReporter, err := health.New()
	if err != nil {
		logger.Warn().Err(err).Msg("process stats unavailable, health reporter degraded")
	}

	e := &Engine{
		cfg:    cfg,
		store:  st,
		logger: logger,
		http:   resty.New(),
		Health: healthReporter,
		Bus:    eventbus.New(),
	}

	senders, natsConn := e.buildNotifierSenders()
	e.natsConn = natsConn
	e.Notifier = notifier.New(st, senders, cfg.TokenNotifyCooldown, logger)

	e.workers = workerpool.New(cfg.AutoFetchMaxConcurrent, cfg.AutoFetchMaxConcurrent*4, logger)
	e.Registry = registry.New(context.Background(), st, e.sessionFactory, logger)

	return e, nil
}

// Run starts every enabled account's Session and, if configured, the
// item-list sync scheduler. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Registry.ReloadFromDB(); err != nil {
		return fmt.Errorf("engine: initial registry load: %w", err)
	}

	e.workers.Start(ctx)

	if e.cfg.AutoFetchEnabled {
		submit := func(task func()) { e.workers.Submit(task) }
		scheduler := delivery.NewScheduler(e.enabledAccountSyncJobs, e.cfg.AutoFetchInterval, submit, e.logger)
		go scheduler.Run(ctx)
	}

	go e.sampleMetrics(ctx)
	go e.consumeBus(ctx)

	<-ctx.Done()
	e.Shutdown()
	return nil
}

// consumeBus drains the event bus and fans each event out to the Notifier,
// keeping notification latency off the inbound and delivery hot paths
// (the pub/sub split this package's eventbus is built for).
func (e *Engine) consumeBus(ctx context.Context) {
	events, cancel := e.Bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Category {
			case eventbus.CategoryInboundMessage:
				e.Notifier.NotifyInboundMessage(ctx, ev.AccountID, ev.SenderName, ev.SenderID, ev.Message)
			case eventbus.CategoryDelivery:
				metrics.DeliveriesTotal.WithLabelValues(outcomeLabel(ev.OK)).Inc()
				e.Notifier.NotifyDeliveryOutcome(ctx, ev.AccountID, ev.OK, ev.Message)
			case eventbus.CategoryTokenHealth:
				e.Notifier.NotifyTokenHealth(ctx, ev.AccountID, ev.Message)
			}
		}
	}
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Shutdown disables every running session and closes shared resources.
func (e *Engine) Shutdown() {
	for accountID := range e.Registry.Statuses() {
		if err := e.Registry.Disable(accountID); err != nil {
			e.logger.Warn().Err(err).Str("account_id", accountID).Msg("error disabling session during shutdown")
		}
	}
	e.workers.Stop()
	if e.natsConn != nil {
		e.natsConn.Close()
	}
}

func (e *Engine) sampleMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SessionsActive.Set(float64(e.Registry.Count()))
			metrics.WorkerTasksDropped.Set(float64(e.workers.Dropped()))
		}
	}
}

// enabledAccountSyncJobs builds one ItemSyncJob per enabled account for the
// scheduler's current tick.
func (e *Engine) enabledAccountSyncJobs() []*delivery.ItemSyncJob {
	accounts, err := e.store.ListEnabledAccounts()
	if err != nil {
		e.logger.Warn().Err(err).Msg("item sync: failed to list enabled accounts")
		return nil
	}
	jobs := make([]*delivery.ItemSyncJob, 0, len(accounts))
	for _, acct := range accounts {
		api := e.newAPIClient(acct.ID, acct.OwnerUserID)
		jobs = append(jobs, delivery.NewItemSyncJob(api, e.store, acct.ID, 20, e.logger))
	}
	return jobs
}

// buildNotifierSenders constructs the channel-type -> Sender map. QQ and
// WeChat have no public Go transport in the pack and are left as explicit
// UnimplementedSenders rather than silently dropped (spec.md §1).
func (e *Engine) buildNotifierSenders() (map[string]notifier.Sender, *nats.Conn) {
	senders := map[string]notifier.Sender{
		"webhook":  notifier.NewWebhookSender(e.http),
		"dingtalk": notifier.NewDingTalkSender(e.http),
		"telegram": notifier.NewTelegramSender(e.http),
		"email":    notifier.NewEmailSender(10 * time.Second),
		"qq":       notifier.UnimplementedSender{ChannelType: "qq"},
		"wechat":   notifier.UnimplementedSender{ChannelType: "wechat"},
	}

	var conn *nats.Conn
	if e.cfg.NatsURL != "" {
		c, err := nats.Connect(e.cfg.NatsURL)
		if err != nil {
			e.logger.Warn().Err(err).Msg("nats connect failed, nats notification channel disabled")
		} else {
			conn = c
			senders["nats"] = notifier.NewNatsSender(conn)
		}
	}

	for channelType, sender := range senders {
		senders[channelType] = &meteredSender{channelType: channelType, inner: sender}
	}
	return senders, conn
}

// meteredSender records a failed send against metrics.NotificationsDropped,
// keeping the notifier package itself free of a metrics dependency.
type meteredSender struct {
	channelType string
	inner       notifier.Sender
}

func (m *meteredSender) Send(ctx context.Context, channel store.NotificationChannel, message string) error {
	err := m.inner.Send(ctx, channel, message)
	if err != nil {
		metrics.NotificationsDropped.WithLabelValues(m.channelType).Inc()
	}
	return err
}

// newAPIClient builds a signed API client for one account, wiring its token
// refresh to the marketplace's token.refresh endpoint and its persistent
// failures to the notifier's token-health channel.
func (e *Engine) newAPIClient(accountID, ownerID string) *apiclient.Client {
	deviceID := ids.DeviceID(ownerID)
	cfg := apiclient.Config{
		BaseURL:         e.cfg.MarketplaceBaseURL,
		CallTimeout:     e.cfg.APICallTimeout,
		MaxRetries:      e.cfg.APIMaxRetries,
		RetryWait:       e.cfg.APIRetryWait,
		RefreshInterval: e.cfg.TokenRefreshInterval,
	}
	onTokenHealth := func(accountID, message string) {
		e.Bus.Publish(eventbus.CategoryTokenHealth, accountID, message)
	}
	return apiclient.New(cfg, accountID, e.store, e.tokenRefreshFunc(accountID, deviceID), onTokenHealth, e.logger)
}

// tokenRefreshFunc implements the "token.refresh(device_id) -> access_token"
// signed API (spec.md §6) directly over resty, since apiclient.Call itself
// requires an already-valid token and would be circular here.
func (e *Engine) tokenRefreshFunc(accountID, deviceID string) apiclient.RefreshFunc {
	return func(ctx context.Context) (string, error) {
		acct, err := e.store.GetAccount(accountID)
		if err != nil {
			return "", fmt.Errorf("token refresh: load account: %w", err)
		}

		ts := time.Now().UnixMilli()
		body := fmt.Sprintf(`{"deviceId":%q}`, deviceID)
		sign := ids.Sign(ts, "", body)

		resp, err := e.http.R().
			SetContext(ctx).
			SetHeader("Cookie", acct.CookieBlob).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetQueryParams(map[string]string{
				"t":    strconv.FormatInt(ts, 10),
				"sign": sign,
				"v":    "1.0",
				"api":  "token.refresh",
			}).
			SetBody(body).
			Post(e.cfg.MarketplaceBaseURL + "/api/token.refresh")
		if err != nil {
			return "", fmt.Errorf("token.refresh: %w", err)
		}

		var env struct {
			Ret  []string `json:"ret"`
			Data struct {
				AccessToken string `json:"accessToken"`
			} `json:"data"`
		}
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return "", fmt.Errorf("token.refresh: decode: %w", err)
		}
		for _, r := range env.Ret {
			if strings.HasPrefix(r, "SUCCESS") {
				return env.Data.AccessToken, nil
			}
		}
		return "", fmt.Errorf("token.refresh failed: %s", strings.Join(env.Ret, ","))
	}
}

// sessionFactory is the registry.Factory: it builds the full per-account
// stack (signed API client, session, inbound demultiplexer, reply selector,
// delivery pipeline) and wires them together before returning the Session
// for the registry to Run.
func (e *Engine) sessionFactory(accountID, ownerID, cookieBlob string) *session.Session {
	logger := e.logger.With().Str("account_id", accountID).Logger()
	api := e.newAPIClient(accountID, ownerID)

	var demux *inbound.Demux
	onFrame := func(ctx context.Context, raw []byte) {
		if demux != nil {
			demux.Handle(ctx, raw)
		}
	}

	sess := session.New(accountID, ownerID, session.Config{
		WSURL:                e.cfg.MarketplaceWSURL,
		HeartbeatInterval:    e.cfg.HeartbeatInterval,
		HeartbeatTimeout:     e.cfg.HeartbeatTimeout,
		TokenRefreshInterval: e.cfg.TokenRefreshInterval,
		TokenRetryInterval:   e.cfg.TokenRetryInterval,
		ReconnectBackoff:     e.cfg.ReconnectBackoff,
		SendRatePerSecond:    e.cfg.SendRatePerSecond,
		SendRateBurst:        e.cfg.SendRateBurst,
		UserAgent:            e.cfg.UserAgent,
	}, api, onFrame, logger)

	sender := &chatSender{sess: sess}

	pipeline := delivery.New(delivery.Config{
		DeliveryCooldown:    e.cfg.DeliveryCooldown,
		ShipConfirmCooldown: e.cfg.ShipConfirmCooldown,
	}, e.store, api, nil, &apiShipConfirmer{api: api}, &apiFreeshipper{api: api}, sender, &deliveryNotifier{bus: e.Bus}, logger)

	selector := reply.New(e.store, nil, e.cfg.ExternalReplyTimeout, logger)

	demux = inbound.New(sess, ownerID, inbound.Handlers{
		OnChat: func(ctx context.Context, msg inbound.ChatMessage) {
			e.Bus.PublishInboundMessage(accountID, msg.SenderName, msg.SenderID, msg.Text)

			text, ok := selector.Select(ctx, reply.Request{
				AccountID:  accountID,
				SenderID:   msg.SenderID,
				SenderName: msg.SenderName,
				Text:       msg.Text,
				ChatID:     msg.ChatID,
				ItemID:     msg.ItemID,
			})
			if !ok {
				return
			}
			if err := sender.SendChat(ctx, msg.ChatID, text); err != nil {
				logger.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("reply send failed")
				return
			}
			metrics.RepliesSent.WithLabelValues("selector").Inc()
		},
		OnAutoDeliveryTrigger: func(ctx context.Context, msg inbound.ChatMessage, preDelay time.Duration) {
			pipeline.Run(ctx, delivery.Request{
				AccountID: accountID,
				ChatID:    msg.ChatID,
				SenderID:  msg.SenderID,
				ItemID:    msg.ItemID,
				OrderID:   msg.OrderID,
				PreDelay:  preDelay,
			})
		},
		OnSystemPrompt: func(raw json.RawMessage) {
			logger.Debug().RawJSON("payload", raw).Msg("system prompt frame")
		},
	}, logger)

	return sess
}

// deliveryNotifier adapts the delivery pipeline to eventbus.Bus, keeping
// notification fan-out (and the network calls it makes) off the delivery
// hot path. The bus consumer records metrics.DeliveriesTotal and forwards to
// the Notifier.
type deliveryNotifier struct {
	bus *eventbus.Bus
}

func (d *deliveryNotifier) NotifyDeliveryOutcome(ctx context.Context, accountID string, ok bool, detail string) {
	d.bus.PublishDelivery(accountID, ok, detail)
}

// chatSender adapts a Session's outbound queue to the delivery and reply
// layers' narrow Sender interfaces, building the
// /r/MessageSend/sendByReceiverScope frame the marketplace wire protocol
// expects (spec.md §6).
type chatSender struct {
	sess *session.Session
}

func (c *chatSender) SendChat(ctx context.Context, chatID, text string) error {
	custom, err := json.Marshal(map[string]any{
		"contentType": 1,
		"text":        map[string]string{"text": text},
	})
	if err != nil {
		return err
	}

	frame := map[string]any{
		"headers": map[string]any{"mid": ids.MID()},
		"api":     "/r/MessageSend/sendByReceiverScope",
		"params": map[string]any{
			"chatId": chatID,
			"content": map[string]any{
				"custom": map[string]any{
					"data": base64.StdEncoding.EncodeToString(custom),
				},
			},
		},
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.sess.Send(ctx, body)
}

// apiShipConfirmer implements delivery.ShipConfirmer over the signed API
// client, per spec.md §9's guidance to implement the encrypted source
// module's signed-API equivalent rather than its obfuscation.
type apiShipConfirmer struct {
	api *apiclient.Client
}

func (a *apiShipConfirmer) ConfirmShip(ctx context.Context, orderID string) error {
	_, err := a.api.Call(ctx, "order.confirm_ship", map[string]string{"orderId": orderID})
	return err
}

// apiFreeshipper implements delivery.Freeshipper over the signed API client.
type apiFreeshipper struct {
	api *apiclient.Client
}

func (a *apiFreeshipper) Freeship(ctx context.Context, orderID, itemID, buyerID string) error {
	_, err := a.api.Call(ctx, "order.freeshipping", map[string]string{
		"orderId": orderID,
		"itemId":  itemID,
		"buyerId": buyerID,
	})
	return err
}
