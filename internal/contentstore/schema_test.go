package contentstore

import (
	"testing"
)

func TestParseNotificationAcceptsValidPayload(t *testing.T) {
	payload := []byte(`{"key": "teams/t1/docs/doc_1/content", "content": "# body", "revision": "r7"}`)
	notification, err := parseNotification(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if notification.Key != "teams/t1/docs/doc_1/content" || notification.Content != "# body" {
		t.Fatalf("unexpected notification %+v", notification)
	}
}

func TestParseNotificationAcceptsEmptyContent(t *testing.T) {
	notification, err := parseNotification([]byte(`{"key": "k", "content": ""}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if notification.Content != "" {
		t.Fatalf("unexpected content %q", notification.Content)
	}
}

func TestParseNotificationRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":        `subscribe ok`,
		"missing key":     `{"content": "x"}`,
		"missing content": `{"key": "k"}`,
		"empty key":       `{"key": "", "content": "x"}`,
		"wrong types":     `{"key": "k", "content": 42}`,
		"not an object":   `["k", "x"]`,
	}
	for name, payload := range cases {
		if _, err := parseNotification([]byte(payload)); err == nil {
			t.Fatalf("%s: expected rejection for %s", name, payload)
		}
	}
}
