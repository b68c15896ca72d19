package notify

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/webmcp_agent/internal/hub"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestSendPostsPlainText(t *testing.T) {
	ctx := context.Background()

	var receivedMethod string
	var receivedPath string
	var receivedBody string
	var receivedContentType string

	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedContentType = r.Header.Get("Content-Type")
			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(rawBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	if err := Send(ctx, client, "http://example.com/notifications", "page 0 connected to the tool bridge"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got, want := receivedMethod, http.MethodPost; got != want {
		t.Fatalf("method = %q; want %q", got, want)
	}
	if got, want := receivedPath, "/notifications"; got != want {
		t.Fatalf("path = %q; want %q", got, want)
	}
	if got, want := receivedContentType, "text/plain"; got != want {
		t.Fatalf("content-type = %q; want %q", got, want)
	}
	if got, want := receivedBody, "page 0 connected to the tool bridge"; got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
}

func TestSendReturnsErrorForServerError(t *testing.T) {
	ctx := context.Background()

	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("server failure")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	err := Send(ctx, client, "http://example.com/notifications", "message")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "webhook notification failed") {
		t.Fatalf("error = %q; want to contain %q", err, "webhook notification failed")
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		evt  hub.Event
		want string
	}{
		{hub.Event{Kind: hub.EventPageConnected, PageIndex: 1}, "page 1 connected to the tool bridge"},
		{hub.Event{Kind: hub.EventPageDisconnected, PageIndex: 2}, "page 2 disconnected from the tool bridge"},
		{hub.Event{Kind: hub.EventToolsChanged, PageIndex: 0, ToolIDs: []string{"a", "b"}}, "page 0 now exposes 2 tools"},
	}
	for _, tt := range tests {
		if got := formatEvent(tt.evt); got != tt.want {
			t.Errorf("formatEvent(%s) = %q, want %q", tt.evt.Kind, got, tt.want)
		}
	}
}

func TestRunForwardsBrokerEvents(t *testing.T) {
	received := make(chan string, 4)
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(r.Body)
			received <- string(body)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	broker := hub.NewBroker()
	n := New("http://example.com/notifications", client, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// The subscriber registers asynchronously inside Run.
	deadline := time.Now().Add(2 * time.Second)
	for broker.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	broker.Publish(hub.Event{Kind: hub.EventPageConnected, PageIndex: 3})

	select {
	case body := <-received:
		if body != "page 3 connected to the tool bridge" {
			t.Fatalf("body = %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered to webhook")
	}
}
