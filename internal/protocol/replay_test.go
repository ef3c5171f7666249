package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
)

func testSourceWithURL(url string, telegramID int64) *model.Source {
	return &model.Source{ID: 1, URL: url, TelegramID: telegramID}
}

func testScript() ReplayScript {
	return ReplayScript{
		Channels: []ReplayChannel{
			{
				ID:       900100,
				Username: "newsfeed",
				History: []ReplayMessage{
					{ID: 101, Text: "first", AgeSeconds: 300},
					{ID: 103, Text: "third", AgeSeconds: 100},
					{ID: 102, Text: "second", AgeSeconds: 200},
				},
				Live: []ReplayMessage{
					{ID: 104, Text: "live one", DelayMS: 5},
					{ID: 105, Text: "live two", DelayMS: 5},
				},
			},
		},
	}
}

func TestReplayClient_Resolve(t *testing.T) {
	c := NewReplayClient(testScript())

	id, err := c.Resolve(context.Background(), "https://t.me/newsfeed")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id.TelegramID != 900100 || id.Username != "newsfeed" {
		t.Errorf("Unexpected identity: %+v", id)
	}

	if _, err := c.Resolve(context.Background(), "https://t.me/unknown"); err == nil {
		t.Error("Expected error for unscripted channel")
	}
}

func TestReplayClient_FetchNewer_DescendingAboveMin(t *testing.T) {
	c := NewReplayClient(testScript())

	var ids []int64
	err := c.FetchNewer(context.Background(), "newsfeed", 101, func(ev *model.Event) bool {
		ids = append(ids, ev.ID)
		return true
	})
	if err != nil {
		t.Fatalf("FetchNewer failed: %v", err)
	}

	if len(ids) != 2 || ids[0] != 103 || ids[1] != 102 {
		t.Errorf("Expected [103 102], got %v", ids)
	}
}

func TestReplayClient_FetchNewer_VisitStops(t *testing.T) {
	c := NewReplayClient(testScript())

	var ids []int64
	err := c.FetchNewer(context.Background(), "newsfeed", 0, func(ev *model.Event) bool {
		ids = append(ids, ev.ID)
		return false
	})
	if err != nil {
		t.Fatalf("FetchNewer failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != 103 {
		t.Errorf("Expected iteration to stop after 103, got %v", ids)
	}
}

func TestReplayClient_LiveEmission(t *testing.T) {
	c := NewReplayClient(testScript())

	received := make(chan int64, 4)
	c.OnNewMessage(func(channelID int64, meta Meta, ev *model.Event) {
		if channelID != 900100 {
			t.Errorf("Unexpected channel id: %d", channelID)
		}
		if meta.Username != "newsfeed" {
			t.Errorf("Unexpected meta: %+v", meta)
		}
		received <- ev.ID
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	var got []int64
	for i := 0; i < 2; i++ {
		select {
		case id := <-received:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for live events, got %v", got)
		}
	}
	if got[0] != 104 || got[1] != 105 {
		t.Errorf("Expected live order [104 105], got %v", got)
	}
}
