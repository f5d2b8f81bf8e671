package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/adred-codev/resale-agent/internal/apiclient"
	"github.com/adred-codev/resale-agent/internal/store"
)

// ItemSyncJob paginates an account's item-list API and persists results via
// C2, keeping item_info current even for products that have never been
// chatted about (SPEC_FULL §6, grounded on the original's
// `get_item_list_info`/`get_all_items`).
type ItemSyncJob struct {
	api       *apiclient.Client
	store     *store.Store
	accountID string
	pageSize  int
	logger    zerolog.Logger
}

// NewItemSyncJob constructs a sync job for one account.
func NewItemSyncJob(api *apiclient.Client, st *store.Store, accountID string, pageSize int, logger zerolog.Logger) *ItemSyncJob {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &ItemSyncJob{api: api, store: st, accountID: accountID, pageSize: pageSize, logger: logger}
}

type itemListPage struct {
	Items []struct {
		ItemID      string          `json:"itemId"`
		Title       string          `json:"title"`
		Price       decimal.Decimal `json:"price"`
		DetailText  string          `json:"detailText"`
		IsMultiSpec bool            `json:"isMultiSpec"`
	} `json:"items"`
}

// Run paginates item.list until a short page (or an empty page) signals the
// end, persisting each page as it arrives. A fetch failure on any page ends
// the run early; the next scheduled invocation resumes from page 1.
func (j *ItemSyncJob) Run(ctx context.Context) error {
	page := 1
	total := 0
	for {
		data, err := j.api.Call(ctx, "item.list", map[string]string{
			"pageNumber": fmt.Sprintf("%d", page),
			"pageSize":   fmt.Sprintf("%d", j.pageSize),
		})
		if err != nil {
			return fmt.Errorf("item sync: fetch page %d: %w", page, err)
		}

		var parsed itemListPage
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("item sync: decode page %d: %w", page, err)
		}
		if len(parsed.Items) == 0 {
			break
		}

		rows := make([]store.ItemInfo, 0, len(parsed.Items))
		for _, it := range parsed.Items {
			rows = append(rows, store.ItemInfo{
				AccountID:   j.accountID,
				ItemID:      it.ItemID,
				Title:       it.Title,
				Price:       it.Price,
				DetailText:  it.DetailText,
				IsMultiSpec: it.IsMultiSpec,
			})
		}
		if err := j.store.BatchSaveItemBasicInfo(rows); err != nil {
			return fmt.Errorf("item sync: persist page %d: %w", page, err)
		}
		total += len(parsed.Items)

		if len(parsed.Items) < j.pageSize {
			break
		}
		page++

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	j.logger.Info().Str("account_id", j.accountID).Int("items", total).Int("pages", page).Msg("item sync completed")
	return nil
}

// Scheduler runs every enabled account's ItemSyncJob on a fixed interval,
// bounding concurrent account fetches through a workerpool sized by
// auto_fetch.max_concurrent.
type Scheduler struct {
	jobs     func() []*ItemSyncJob
	interval time.Duration
	submit   func(func())
	logger   zerolog.Logger
}

// NewScheduler constructs a Scheduler. jobs is called fresh on every tick so
// newly-enabled accounts are picked up without a restart. submit hands one
// account's run to the caller's worker pool.
func NewScheduler(jobs func() []*ItemSyncJob, interval time.Duration, submit func(func()), logger zerolog.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, interval: interval, submit: submit, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, job := range s.jobs() {
				job := job
				s.submit(func() {
					if err := job.Run(ctx); err != nil {
						s.logger.Warn().Err(err).Str("account_id", job.accountID).Msg("item sync failed")
					}
				})
			}
		}
	}
}
