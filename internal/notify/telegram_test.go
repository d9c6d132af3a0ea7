package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramSendSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 42},
		})
	}))
	defer srv.Close()

	ch := NewTelegram("token", srv.URL, time.Second, zerolog.Nop())
	res := ch.Send(context.Background(), testGlitch(), "chat-1")

	if !res.Success {
		t.Fatalf("Telegram Send 应成功: %v", res.Err)
	}
	if res.MessageID != "42" {
		t.Fatalf("message id 不正确: %q", res.MessageID)
	}
	if received["chat_id"] != "chat-1" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] == "" {
		t.Fatalf("text 应非空")
	}
}

func TestTelegramSendNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	ch := NewTelegram("token", srv.URL, time.Second, zerolog.Nop())
	res := ch.Send(context.Background(), testGlitch(), "chat-1")
	if res.Success || res.Err == nil {
		t.Fatal("ok=false 应标记失败")
	}
}

func TestDiscordSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewDiscord(time.Second, zerolog.Nop())
	res := ch.Send(context.Background(), testGlitch(), srv.URL)
	if !res.Success {
		t.Fatalf("discord send should succeed: %v", res.Err)
	}
}

func TestEmailSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "mail-1"})
	}))
	defer srv.Close()

	ch := NewEmail(EmailOptions{APIBase: srv.URL, APIKey: "k", From: "deals@priceslash.dev", Timeout: time.Second}, zerolog.Nop())
	res := ch.Send(context.Background(), testGlitch(), "user@example.com")
	if !res.Success || res.MessageID != "mail-1" {
		t.Fatalf("email send should succeed with provider id, got %+v", res)
	}
}

func TestSMSSendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewSMS(SMSOptions{APIBase: srv.URL, APIKey: "k", From: "+1555", Timeout: time.Second}, zerolog.Nop())
	res := ch.Send(context.Background(), testGlitch(), "+15551234567")
	if res.Success || res.Err == nil {
		t.Fatal("a non-2xx provider response must mark the send failed")
	}
}
