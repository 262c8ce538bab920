package wsstream

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDialAcceptExchange(t *testing.T) {
	serverGot := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			t.Errorf("Accept error: %v", err)
			return
		}
		defer conn.Close()
		msg, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("server ReadMessage error: %v", err)
			return
		}
		serverGot <- msg
		if err := conn.WriteMessage([]byte{0x03}); err != nil {
			t.Errorf("server WriteMessage error: %v", err)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	payload := []byte{0x01, 0xde, 0xad}
	if err := conn.WriteMessage(payload); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	select {
	case got := <-serverGot:
		if !bytes.Equal(got, payload) {
			t.Fatalf("server got %x, want %x", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never received the message")
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if !bytes.Equal(reply, []byte{0x03}) {
		t.Fatalf("reply = %x", reply)
	}
}

func TestDialReportsUpgradeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no running job", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil || !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "no running job") {
		t.Fatalf("expected upgrade failure with status and body, got %v", err)
	}
}
