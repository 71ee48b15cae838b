package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
)

type streamEvent struct {
	name string
	data string
}

// readEvents parses server sent events from reader onto the returned channel.
func readEvents(t *testing.T, reader *bufio.Reader) <-chan streamEvent {
	t.Helper()
	events := make(chan streamEvent, 16)
	go func() {
		defer close(events)
		current := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				events <- streamEvent{name: current, data: strings.TrimSpace(strings.TrimPrefix(line, "data:"))}
			}
		}
	}()
	return events
}

func awaitEvent(t *testing.T, events <-chan streamEvent, name string) streamEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event
			}
		}
	}
}

func TestEventStreamDeliversModerationEventsToAdmins(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	admin, member := h.adminAndMember(t)
	common := h.commonSpace(t, admin)

	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/api/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	for _, cookie := range admin.cookies {
		streamRequest.AddCookie(cookie)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if !strings.HasPrefix(streamResp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", streamResp.Header.Get("Content-Type"))
	}

	events := readEvents(t, bufio.NewReader(streamResp.Body))
	ready := awaitEvent(t, events, realtimeEventReady)
	var status realtimeStatus
	if err := json.Unmarshal([]byte(ready.data), &status); err != nil {
		t.Fatalf("failed to decode ready payload: %v", err)
	}
	if len(status.Channels) != 2 || status.Channels[1] != moderation.AdminChannel {
		t.Fatalf("expected admin to join the admin channel, got %v", status.Channels)
	}

	recorder := h.request(t, http.MethodPost, "/api/items", map[string]any{"spaceId": common.ID, "title": "Proposal"}, member)
	expectStatus(t, recorder, http.StatusAccepted)
	var submitted moderation.Outcome
	decodeData(t, recorder, &submitted)

	created := awaitEvent(t, events, moderation.EventRequestCreated)
	var payload moderation.Event
	if err := json.Unmarshal([]byte(created.data), &payload); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if payload.RequestID != submitted.Request.ID || payload.SpaceID != common.ID {
		t.Fatalf("unexpected event payload %+v", payload)
	}
}

func TestEventStreamRequiresSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	recorder := h.request(t, http.MethodGet, "/api/events", nil, nil)

	expectStatus(t, recorder, http.StatusUnauthorized)
}
