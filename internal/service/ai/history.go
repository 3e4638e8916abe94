package ai

import "medchat/internal/models"

// FormatHistory converts stored messages into the provider transcript. AI
// replies become model turns, user messages stay user turns and every other
// sender is left out.
func FormatHistory(messages []models.Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, msg := range messages {
		var role string
		switch msg.Sender {
		case models.SenderAI:
			role = RoleModel
		case models.SenderUser:
			role = RoleUser
		default:
			continue
		}
		turns = append(turns, Turn{Role: role, Text: msg.Content})
	}
	return turns
}
