// Package publisher announces recorded results to downstream consumers.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
)

// ResultEvent is the message published after a result is durably recorded.
type ResultEvent struct {
	ItemID       string    `json:"item_id"`
	TargetID     string    `json:"target_id"`
	BaseURL      string    `json:"base_url"`
	Scope        string    `json:"scope,omitempty"`
	Outcome      string    `json:"outcome"`
	Emails       []string  `json:"emails,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	PagesVisited int       `json:"pages_visited"`
	DurationMS   int64     `json:"duration_ms"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewResultEvent builds the event for res.
func NewResultEvent(res crawler.JobResult) ResultEvent {
	return ResultEvent{
		ItemID:       res.Item.ID,
		TargetID:     res.Item.TargetID,
		BaseURL:      res.Item.BaseURL,
		Scope:        res.Item.Scope,
		Outcome:      string(res.Outcome),
		Emails:       res.Emails,
		Reason:       res.Reason,
		PagesVisited: res.PagesVisited,
		DurationMS:   res.Duration.Milliseconds(),
		FinishedAt:   res.FinishedAt,
	}
}

// Attributes exposes routing attributes for message brokers.
func (e ResultEvent) Attributes() map[string]string {
	attrs := map[string]string{"outcome": e.Outcome, "item_id": e.ItemID}
	if e.Scope != "" {
		attrs["scope"] = e.Scope
	}
	return attrs
}

// NotifyingSink records results through the wrapped sink and then publishes
// a ResultEvent. Publish failures are logged and never fail the record.
type NotifyingSink struct {
	sink      crawler.ResultSink
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifyingSink wraps sink. A nil publisher disables notifications.
func NewNotifyingSink(sink crawler.ResultSink, publisher crawler.Publisher, topic string, logger *zap.Logger) *NotifyingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyingSink{sink: sink, publisher: publisher, topic: topic, logger: logger.Named("notify")}
}

// RecordResult implements crawler.ResultSink.
func (n *NotifyingSink) RecordResult(ctx context.Context, res crawler.JobResult) error {
	if err := n.sink.RecordResult(ctx, res); err != nil {
		return err
	}
	if n.publisher == nil {
		return nil
	}
	id, err := n.publisher.Publish(ctx, n.topic, NewResultEvent(res))
	if err != nil {
		n.logger.Warn("result event not published",
			zap.String("item_id", res.Item.ID),
			zap.String("topic", n.topic),
			zap.Error(err),
		)
		return nil
	}
	n.logger.Debug("result event published",
		zap.String("item_id", res.Item.ID),
		zap.String("message_id", id),
	)
	return nil
}
