package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

type fakeSender struct {
	name   string
	spikes []domain.SpikeEvent
	err    error
}

func (f *fakeSender) Send(ctx context.Context, spike domain.SpikeEvent) error {
	if f.err != nil {
		return f.err
	}
	f.spikes = append(f.spikes, spike)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func sampleSpike(pct float64) domain.SpikeEvent {
	return domain.SpikeEvent{
		Instrument: "BTCUSDT",
		OldPrice:   decimal.RequireFromString("100"),
		NewPrice:   decimal.RequireFromString("101"),
		PctChange:  pct,
		Timestamp:  time.Date(2023, 11, 14, 22, 0, 0, 0, time.UTC),
	}
}

func TestSpikeAlertDispatchesToAllSenders(t *testing.T) {
	a := &fakeSender{name: "a"}
	b := &fakeSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, []string{"spike"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, n.SpikeAlert(context.Background(), sampleSpike(0.01)))

	require.Len(t, a.spikes, 1)
	require.Len(t, b.spikes, 1)
	assert.Equal(t, domain.Instrument("BTCUSDT"), a.spikes[0].Instrument)
}

func TestSpikeAlertFilteredWhenNotEnabled(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{"other"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, n.SpikeAlert(context.Background(), sampleSpike(0.01)))
	assert.Empty(t, s.spikes)
}

func TestSpikeAlertEmptyEventListAllowsAll(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, n.SpikeAlert(context.Background(), sampleSpike(0.01)))
	assert.Len(t, s.spikes, 1)
}

func TestSpikeAlertCollectsSenderFailures(t *testing.T) {
	broken := &fakeSender{name: "broken", err: errors.New("boom")}
	working := &fakeSender{name: "working"}
	n := NewNotifier([]Sender{broken, working}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.SpikeAlert(context.Background(), sampleSpike(0.01))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	// The failing sender does not block delivery to the rest.
	assert.Len(t, working.spikes, 1)
}

func TestTelegramSenderRendersSpike(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottok123/sendMessage"), "got path %q", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok123", "chat42")
	s.baseURL = srv.URL
	s.client = srv.Client()

	require.NoError(t, s.Send(context.Background(), sampleSpike(0.01)))

	assert.Equal(t, "chat42", got["chat_id"])
	assert.Equal(t, "Markdown", got["parse_mode"])
	assert.Contains(t, got["text"], "*BTCUSDT price spike*")
	assert.Contains(t, got["text"], "100 -> 101")
	assert.Contains(t, got["text"], "+1.000%")
}

func TestTelegramSenderSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "chat")
	s.baseURL = srv.URL
	s.client = srv.Client()

	err := s.Send(context.Background(), sampleSpike(0.01))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestDiscordSenderColorsByDirection(t *testing.T) {
	type embed struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Color       int    `json:"color"`
		Timestamp   string `json:"timestamp"`
	}
	var got struct {
		Embeds []embed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.client = srv.Client()

	require.NoError(t, s.Send(context.Background(), sampleSpike(0.01)))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "BTCUSDT price spike", got.Embeds[0].Title)
	assert.Equal(t, embedGreen, got.Embeds[0].Color)
	assert.Contains(t, got.Embeds[0].Description, "+1.000%")
	assert.Equal(t, "2023-11-14T22:00:00Z", got.Embeds[0].Timestamp)

	require.NoError(t, s.Send(context.Background(), sampleSpike(-0.02)))
	assert.Equal(t, embedRed, got.Embeds[0].Color)
}
