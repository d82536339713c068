package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// Embed colors for up and down moves.
const (
	embedGreen = 0x2ECC71
	embedRed   = 0xE74C3C
)

// DiscordSender delivers spike alerts via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL. It uses a
// default HTTP client with a 10-second timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the spike to the Discord webhook as an embed, colored by the
// direction of the move.
func (d *DiscordSender) Send(ctx context.Context, spike domain.SpikeEvent) error {
	color := embedGreen
	if spike.PctChange < 0 {
		color = embedRed
	}

	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("%s price spike", spike.Instrument),
			"description": spikeSummary(spike),
			"color":       color,
			"timestamp":   spike.Timestamp.Format(time.RFC3339),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
