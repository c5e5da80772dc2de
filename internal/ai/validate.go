package ai

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ValidateKey checks an API key by listing the account's models. A cheap
// round trip that fails fast on revoked or mistyped keys before a session
// is ever dialed.
func ValidateKey(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := openai.NewClient(key)
	if _, err := client.ListModels(ctx); err != nil {
		return fmt.Errorf("api key rejected: %w", err)
	}
	return nil
}
