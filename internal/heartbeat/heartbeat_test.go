package heartbeat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/liveconsole/internal/heartbeat"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_Validation(t *testing.T) {
	status := func(context.Context) heartbeat.Status { return heartbeat.Status{} }
	if _, err := heartbeat.New(heartbeat.Config{Status: status}); err == nil {
		t.Fatal("expected error for empty schedule")
	}
	if _, err := heartbeat.New(heartbeat.Config{Schedule: "not a cron", Status: status}); err == nil {
		t.Fatal("expected error for bad schedule")
	}
	if _, err := heartbeat.New(heartbeat.Config{Schedule: "*/5 * * * *"}); err == nil {
		t.Fatal("expected error without status func")
	}
}

func TestNext_FollowsSchedule(t *testing.T) {
	h, err := heartbeat.New(heartbeat.Config{
		Schedule: "*/15 * * * *",
		Status:   func(context.Context) heartbeat.Status { return heartbeat.Status{} },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	if got, want := h.Next(from), time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestBeat_LogsStatus(t *testing.T) {
	var buf syncBuffer
	h, err := heartbeat.New(heartbeat.Config{
		Schedule: "@hourly",
		Logger:   slog.New(slog.NewJSONHandler(&buf, nil)),
		Status: func(context.Context) heartbeat.Status {
			return heartbeat.Status{Sessions: 3, Operations: 12, Dropped: 7, BackendOK: false}
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h.Beat(context.Background())

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["msg"] != "status" || entry["level"] != "WARN" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["sessions"] != float64(3) || entry["broadcast_dropped"] != float64(7) || entry["backend_ok"] != false {
		t.Fatalf("unexpected status fields %v", entry)
	}
}

func TestStart_FiresOnSchedule(t *testing.T) {
	var beats atomic.Int32
	h, err := heartbeat.New(heartbeat.Config{
		Schedule: "@every 1s",
		Logger:   slog.New(slog.NewTextHandler(&syncBuffer{}, nil)),
		Status: func(context.Context) heartbeat.Status {
			beats.Add(1)
			return heartbeat.Status{BackendOK: true}
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for beats.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
