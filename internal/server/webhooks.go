package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"taskboard/internal/activity"
	"taskboard/internal/domain"
)

const (
	defaultWebhookInterval = 5 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	webhookAttempts        = 3

	// gapRetention is how many dispatches an id skipped below the cursor is
	// looked up again before it is taken for a rolled-back insert.
	gapRetention = 12
	maxGaps      = 1000
)

// Notifier forwards new activity entries to webhooks. Each hook keeps its
// own cursor, starting at the newest entry when the notifier first sees it,
// and only advances past entries that were delivered or dead-lettered.
//
// Ids are allocated before commit on MySQL, so a lower id can become visible
// after a higher one was sent. Ids the cursor jumped over are remembered as
// gaps and delivered if they show up within gapRetention dispatches.
type Notifier struct {
	Activity activity.Log
	Webhooks []string
	Interval time.Duration
	Client   *http.Client
	Logger   *log.Logger

	mu    sync.Mutex
	hooks map[string]*hookState
}

type hookState struct {
	cursor int64
	// gaps maps skipped ids to the dispatches left to look for them.
	gaps map[int64]int
}

func (st *hookState) advance(id int64) {
	for gap := st.cursor + 1; gap < id && len(st.gaps) < maxGaps; gap++ {
		st.gaps[gap] = gapRetention
	}
	if id > st.cursor {
		st.cursor = id
	}
}

// rejectedError is a 4xx answer other than 429. Resending will not help.
type rejectedError struct {
	Status int
	Body   string
}

func (e rejectedError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func (n *Notifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

// Run dispatches every Interval until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if len(n.Webhooks) == 0 {
		return
	}
	interval := n.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending entries to every hook.
func (n *Notifier) DispatchOnce(ctx context.Context) {
	for _, hook := range n.Webhooks {
		if strings.TrimSpace(hook) == "" {
			continue
		}
		n.dispatch(ctx, hook)
	}
}

func (n *Notifier) dispatch(ctx context.Context, hook string) {
	st, err := n.stateFor(ctx, hook)
	if err != nil {
		n.logger().Error("webhook: init cursor failed", "hook", hook, "err", err)
		return
	}
	if !n.redeliverGaps(ctx, hook, st) {
		return
	}
	entries, err := n.Activity.After(ctx, st.cursor, defaultWebhookBatch)
	if err != nil {
		n.logger().Error("webhook: fetch activity failed", "err", err)
		return
	}
	for _, entry := range entries {
		if !n.send(ctx, hook, entry) {
			return
		}
		st.advance(entry.ID)
	}
}

func (n *Notifier) redeliverGaps(ctx context.Context, hook string, st *hookState) bool {
	if len(st.gaps) == 0 {
		return true
	}
	ids := make([]int64, 0, len(st.gaps))
	for id := range st.gaps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	found, err := n.Activity.ByIDs(ctx, ids)
	if err != nil {
		n.logger().Error("webhook: fetch late activity failed", "err", err)
		return false
	}
	for _, entry := range found {
		if !n.send(ctx, hook, entry) {
			return false
		}
		delete(st.gaps, entry.ID)
	}
	for id, left := range st.gaps {
		if left <= 1 {
			delete(st.gaps, id)
			continue
		}
		st.gaps[id] = left - 1
	}
	return true
}

// send reports whether the hook may move past entry. Rejected entries are
// dead-lettered; transient failures leave entry pending for the next dispatch.
func (n *Notifier) send(ctx context.Context, hook string, entry domain.ActivityEntry) bool {
	err := n.deliver(ctx, hook, entry)
	if err == nil {
		return true
	}
	var rejected rejectedError
	if !errors.As(err, &rejected) {
		n.logger().Warn("webhook: delivery failed", "hook", hook, "entry", entry.ID, "err", err)
		return false
	}
	n.logger().Error("webhook: entry rejected, dead-lettering", "hook", hook, "entry", entry.ID, "action", entry.Action, "status", rejected.Status)
	if err := n.Activity.RecordDeadLetter(ctx, activity.DeadLetter{
		Hook:       hook,
		ActivityID: entry.ID,
		Status:     rejected.Status,
		Reason:     rejected.Body,
	}); err != nil {
		n.logger().Error("webhook: dead-letter failed", "hook", hook, "entry", entry.ID, "err", err)
		return false
	}
	return true
}

func (n *Notifier) stateFor(ctx context.Context, hook string) (*hookState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hooks == nil {
		n.hooks = make(map[string]*hookState)
	}
	if st, ok := n.hooks[hook]; ok {
		return st, nil
	}
	cur, err := n.Activity.LatestID(ctx)
	if err != nil {
		return nil, err
	}
	st := &hookState{cursor: cur, gaps: make(map[int64]int)}
	n.hooks[hook] = st
	return st, nil
}

type webhookEvent struct {
	ID             int64           `json:"id"`
	OrganizationID string          `json:"organization_id"`
	ActorID        string          `json:"actor_id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"`
	Details        json.RawMessage `json:"details"`
	CreatedAt      string          `json:"created_at"`
}

func (n *Notifier) deliver(ctx context.Context, hook string, entry domain.ActivityEntry) error {
	details := json.RawMessage("{}")
	if json.Valid([]byte(entry.Details)) {
		details = json.RawMessage(entry.Details)
	}
	data, err := json.Marshal(webhookEvent{
		ID:             entry.ID,
		OrganizationID: entry.OrganizationID,
		ActorID:        entry.ActorID,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Action:         entry.Action,
		Details:        details,
		CreatedAt:      entry.CreatedAt,
	})
	if err != nil {
		return err
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookAttempts-1), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Taskboard-Action", entry.Action)
		req.Header.Set("X-Taskboard-Delivery", fmt.Sprintf("%d", entry.ID))
		req.Header.Set("X-Taskboard-Organization", entry.OrganizationID)
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			msg := strings.TrimSpace(string(body))
			if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(rejectedError{Status: res.StatusCode, Body: msg})
			}
			return fmt.Errorf("status %d: %s", res.StatusCode, msg)
		}
		return nil
	}, bo)
}
