package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// FinalizeFailureChannel is the pub/sub channel finalize failures go to.
const FinalizeFailureChannel = "chat:finalize-failures"

// FinalizeFailure describes a batch that could not be persisted after the
// reply had already been delivered.
type FinalizeFailure struct {
	UserID    int64     `json:"user_id"`
	Outcome   Outcome   `json:"outcome"`
	Messages  int       `json:"messages"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Reporter receives failures that are never shown to the client.
type Reporter interface {
	ReportFinalizeFailure(ctx context.Context, failure FinalizeFailure)
}

type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportFinalizeFailure(ctx context.Context, f FinalizeFailure) {
	r.logger.ErrorContext(ctx, "chat finalize failed",
		"user_id", f.UserID,
		"outcome", f.Outcome,
		"messages", f.Messages,
		"err", f.Error,
	)
}

// Publisher is satisfied by the redis client.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PublishReporter emits each failure as a JSON event on a pub/sub channel.
type PublishReporter struct {
	pub     Publisher
	channel string
	logger  *slog.Logger
}

func NewPublishReporter(pub Publisher, logger *slog.Logger) *PublishReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishReporter{pub: pub, channel: FinalizeFailureChannel, logger: logger}
}

func (r *PublishReporter) ReportFinalizeFailure(ctx context.Context, f FinalizeFailure) {
	payload, err := json.Marshal(f)
	if err != nil {
		r.logger.Warn("marshal finalize failure", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.pub.Publish(ctx, r.channel, payload); err != nil {
		r.logger.Warn("publish finalize failure", "channel", r.channel, "err", err)
	}
}

// MultiReporter fans a failure out to every reporter.
type MultiReporter []Reporter

func (m MultiReporter) ReportFinalizeFailure(ctx context.Context, f FinalizeFailure) {
	for _, r := range m {
		if r != nil {
			r.ReportFinalizeFailure(ctx, f)
		}
	}
}
