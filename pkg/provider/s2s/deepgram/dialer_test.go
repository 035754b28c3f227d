package deepgram_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jarvis/pkg/provider/s2s"
	"github.com/MrWong99/jarvis/pkg/provider/s2s/deepgram"
)

func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialer_Validate(t *testing.T) {
	t.Parallel()
	if err := deepgram.NewDialer("").Validate(); !errors.Is(err, s2s.ErrMissingCredentials) {
		t.Errorf("Validate() = %v; want ErrMissingCredentials", err)
	}
	if err := deepgram.NewDialer("key").Validate(); err != nil {
		t.Errorf("Validate() = %v; want nil", err)
	}
}

func TestDialer_SendsTokenAndFrames(t *testing.T) {
	t.Parallel()

	authCh := make(chan string, 1)
	gotText := make(chan string, 1)
	gotBinary := make(chan []byte, 1)

	url := startAgentServer(t, func(conn *websocket.Conn, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		ctx := context.Background()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		gotText <- string(data)

		_, data, err = conn.Read(ctx)
		if err != nil {
			return
		}
		gotBinary <- data

		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Welcome"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3})
		<-conn.CloseRead(ctx).Done()
	})

	c, err := deepgram.NewDialer("secret", deepgram.WithURL(url)).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.WriteJSON(ctx, deepgram.NewKeepAlive()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := c.WriteAudio(ctx, []byte{9, 9}); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	if got := <-authCh; got != "Token secret" {
		t.Errorf("Authorization = %q; want Token secret", got)
	}
	if got := <-gotText; got != `{"type":"KeepAlive"}` {
		t.Errorf("text frame = %s; want KeepAlive", got)
	}
	if got := <-gotBinary; string(got) != string([]byte{9, 9}) {
		t.Errorf("binary frame = %v; want [9 9]", got)
	}

	f, err := c.Read(ctx)
	if err != nil || f.Binary || string(f.Data) != `{"type":"Welcome"}` {
		t.Errorf("first read = %+v, %v; want Welcome text frame", f, err)
	}
	f, err = c.Read(ctx)
	if err != nil || !f.Binary || len(f.Data) != 3 {
		t.Errorf("second read = %+v, %v; want 3-byte binary frame", f, err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDialer_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	d := deepgram.NewDialer("bad", deepgram.WithURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatal("Dial succeeded against a 401 endpoint")
	}
}
