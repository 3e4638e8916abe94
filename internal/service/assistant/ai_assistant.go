package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"medchat/internal/service/ai"
)

const (
	titleUserPrefix  = 200
	titleReplyPrefix = 300
	maxTitleRunes    = 100
)

var titleTemperature float32 = 0.2

// TitleGenerator asks the provider for a short conversation title. It never
// fails the caller: any problem yields no title.
type TitleGenerator struct {
	provider ai.Provider
	logger   *slog.Logger
}

func NewTitleGenerator(provider ai.Provider, logger *slog.Logger) *TitleGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TitleGenerator{provider: provider, logger: logger}
}

func (g *TitleGenerator) Generate(ctx context.Context, firstUser, firstAI string) (string, bool) {
	if !ai.Available(g.provider) {
		g.logger.Warn("cannot generate title, model not initialized")
		return "", false
	}
	prompt := fmt.Sprintf("Create a very short, concise title (max 5 words) for the following conversation start:\n"+
		"User: %s\nAssistant: %s\nTitle:",
		truncateRunes(firstUser, titleUserPrefix),
		truncateRunes(firstAI, titleReplyPrefix),
	)

	resp, err := g.provider.Generate(ctx, prompt, ai.GenerateOptions{Temperature: &titleTemperature})
	if err != nil {
		g.logger.Warn("generate chat title failed", "err", err)
		return "", false
	}
	if resp == nil {
		return "", false
	}
	title := strings.TrimSpace(strings.ReplaceAll(strings.TrimSpace(resp.Text), `"`, ""))
	if title == "" {
		g.logger.Warn("title generation returned empty response",
			"block_reason", resp.BlockReason,
			"finish_reason", resp.FinishReason,
		)
		return "", false
	}
	return truncateRunes(title, maxTitleRunes), true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SaveTitle replaces the user's conversation title.
func (s *Service) SaveTitle(ctx context.Context, userID int64, title string) (err error) {
	if userID <= 0 {
		return errors.New("user_id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save title: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM chat_titles WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("replace title: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO chat_titles (user_id, title, created_at) VALUES (?, ?, ?)`,
		userID, title, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("save title: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit title: %w", err)
	}
	return nil
}

// GetTitle returns sql.ErrNoRows when no title was generated yet.
func (s *Service) GetTitle(ctx context.Context, userID int64) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM chat_titles WHERE user_id = ?`, userID).Scan(&title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("get title: %w", err)
	}
	return title, nil
}

func (s *Service) DeleteTitle(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_titles WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete title: %w", err)
	}
	return nil
}
