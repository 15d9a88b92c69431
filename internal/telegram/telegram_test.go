package telegram_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/telegram"
	"github.com/atlas-desktop/signal-relay/internal/workers"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const testToken = "123:secret"

const getMeResponse = `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`

// fakeBotAPI answers getMe and hands every other method to handle.
func fakeBotAPI(t *testing.T, handle func(method string, w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/bot" + testToken + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			t.Errorf("Unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, prefix)
		if method == "getMe" {
			fmt.Fprint(w, getMeResponse)
			return
		}
		handle(method, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) *telegram.Client {
	t.Helper()
	client, err := telegram.NewClient(zap.NewNop(), baseURL, testToken, 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestClientAuthorizes(t *testing.T) {
	srv := fakeBotAPI(t, func(method string, w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected method %s", method)
	})
	client := newTestClient(t, srv.URL)
	if self := client.Self(); self.UserName != "relay_bot" || !self.IsBot {
		t.Errorf("Unexpected bot account %+v", self)
	}
}

func TestClientGetUpdates(t *testing.T) {
	srv := fakeBotAPI(t, func(method string, w http.ResponseWriter, r *http.Request) {
		if method != "getUpdates" {
			t.Errorf("Unexpected method %s", method)
		}
		if r.FormValue("offset") != "42" || r.FormValue("timeout") != "5" {
			t.Errorf("Unexpected poll parameters offset=%q timeout=%q", r.FormValue("offset"), r.FormValue("timeout"))
		}
		if got := r.FormValue("allowed_updates"); got != `["message","channel_post"]` {
			t.Errorf("Unexpected allowed_updates %s", got)
		}
		fmt.Fprint(w, `{"ok":true,"result":[
			{"update_id":42,"message":{"message_id":7,"from":{"id":9,"is_bot":false,"first_name":"Ops","username":"ops"},"chat":{"id":-100,"type":"supergroup"},"date":1700000000,"text":"BTCUSDT LONG"}},
			{"update_id":43,"channel_post":{"message_id":8,"chat":{"id":-200,"type":"channel"},"date":1700000001,"caption":"ETH SHORT"}}
		]}`)
	})

	client := newTestClient(t, srv.URL)
	updates, err := client.GetUpdates(context.Background(), 42, 5*time.Second)
	if err != nil {
		t.Fatalf("GetUpdates failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if m := updates[0].Message; m == nil || m.Text != "BTCUSDT LONG" || m.From.UserName != "ops" {
		t.Errorf("Unexpected first message %+v", m)
	}
	if p := updates[1].ChannelPost; p == nil || p.Caption != "ETH SHORT" || p.Chat.ID != -200 {
		t.Errorf("Unexpected channel post %+v", p)
	}
}

func TestClientGetUpdatesHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := fakeBotAPI(t, func(method string, w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	})
	defer close(release)

	client := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.GetUpdates(ctx, 0, 5*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestClientSendMessage(t *testing.T) {
	form := make(chan map[string]string, 1)
	srv := fakeBotAPI(t, func(method string, w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || method != "sendMessage" {
			t.Errorf("Unexpected request %s %s", r.Method, method)
		}
		form <- map[string]string{
			"chat_id": r.FormValue("chat_id"),
			"text":    r.FormValue("text"),
			"preview": r.FormValue("disable_web_page_preview"),
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":5,"type":"private"},"date":0}}`)
	})

	client := newTestClient(t, srv.URL)
	if err := client.SendMessage(context.Background(), 5, "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	got := <-form
	if got["chat_id"] != "5" || got["text"] != "hello" || got["preview"] != "true" {
		t.Errorf("Unexpected payload %v", got)
	}
}

func TestClientErrors(t *testing.T) {
	srv := fakeBotAPI(t, func(method string, w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	})

	client := newTestClient(t, srv.URL)
	err := client.SendMessage(context.Background(), 5, "hello")
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 401 || apiErr.Message != "Unauthorized" {
		t.Errorf("Expected Bot API error 401, got %v", err)
	}
	if !telegram.IsUnauthorized(err) {
		t.Errorf("Expected %v to be reported as unauthorized", err)
	}
	if telegram.IsUnauthorized(errors.New("bad gateway")) {
		t.Error("Expected plain errors not to be unauthorized")
	}

	if _, err := telegram.NewClient(zap.NewNop(), srv.URL, "", time.Second); !errors.Is(err, telegram.ErrNoToken) {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}

	_, err = telegram.NewClient(zap.NewNop(), "http://127.0.0.1:1", testToken, time.Second)
	if err == nil || strings.Contains(err.Error(), "secret") {
		t.Errorf("Expected transport error without the token, got %v", err)
	}
}

func TestClientRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	_, err := telegram.NewClient(zap.NewNop(), srv.URL, testToken, time.Second)
	if !telegram.IsUnauthorized(err) {
		t.Errorf("Expected unauthorized error from NewClient, got %v", err)
	}
}

func TestFormatLog(t *testing.T) {
	tests := []struct {
		message, group, tag string
		want                string
	}{
		{"Parsed", "", "", "📊 Parsed"},
		{"Parsed", "alpha", "", "📊 Parsed\n📁 Group: alpha"},
		{"No SL", "alpha", "fallback", "📊 No SL\n📁 Group: alpha\n🏷️ Tag: fallback"},
		{"No SL", "", "fallback", "📊 No SL\n🏷️ Tag: fallback"},
	}
	for _, tt := range tests {
		if got := telegram.FormatLog(tt.message, tt.group, tt.tag); got != tt.want {
			t.Errorf("FormatLog(%q, %q, %q) = %q, want %q", tt.message, tt.group, tt.tag, got, tt.want)
		}
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	ids  []int64
	fail bool
	got  chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(chan struct{}, 16)}
}

func (s *fakeSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.got <- struct{}{}
	}()
	if s.fail {
		return errors.New("network down")
	}
	s.sent = append(s.sent, text)
	s.ids = append(s.ids, chatID)
	return nil
}

func (s *fakeSender) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for message %d", i+1)
		}
	}
}

func runNotifier(t *testing.T, n *telegram.Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNotifierDelivers(t *testing.T) {
	sender := newFakeSender()
	n := telegram.NewNotifier(zap.NewNop(), sender, -500, 0)
	runNotifier(t, n)

	n.Notify(context.Background(), "No entry found, used market price", "alpha", "fallback")
	n.Reply(context.Background(), 77, "✅ done")
	sender.wait(t, 2)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.ids[0] != -500 || !strings.HasPrefix(sender.sent[0], "📊 No entry found") {
		t.Errorf("Unexpected log delivery %d %q", sender.ids[0], sender.sent[0])
	}
	if sender.ids[1] != 77 || sender.sent[1] != "✅ done" {
		t.Errorf("Unexpected reply delivery %d %q", sender.ids[1], sender.sent[1])
	}
}

func TestNotifierTruncatesAndCountsFailures(t *testing.T) {
	sender := newFakeSender()
	sender.fail = true
	n := telegram.NewNotifier(zap.NewNop(), sender, -500, 100)
	runNotifier(t, n)

	n.Reply(context.Background(), 1, strings.Repeat("x", telegram.MaxMessageLength+100))
	sender.wait(t, 1)

	deadline := time.Now().Add(time.Second)
	for n.Stats().Failed != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s := n.Stats(); s.Failed != 1 || s.Sent != 0 {
		t.Errorf("Expected one failure, got %+v", s)
	}
}

func TestNotifierDisabled(t *testing.T) {
	var nilNotifier *telegram.Notifier
	nilNotifier.Notify(context.Background(), "x", "", "")
	nilNotifier.Reply(context.Background(), 1, "x")

	sender := newFakeSender()
	n := telegram.NewNotifier(zap.NewNop(), sender, 0, 0)
	if n.Enabled() {
		t.Error("Expected notifier without log chat to be disabled")
	}
	n.Notify(context.Background(), "x", "alpha", "tag")
	if q := n.Stats().Queued; q != 0 {
		t.Errorf("Expected nothing queued, got %d", q)
	}
}

func newTestListener(t *testing.T, updater telegram.Updater, handle telegram.MessageHandler) *telegram.Listener {
	t.Helper()
	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{Name: "test", NumWorkers: 2, QueueSize: 10})
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return telegram.NewListener(zap.NewNop(), updater, pool, handle, telegram.ListenerConfig{
		Groups:      map[string]int64{"alpha": -100},
		AdminIDs:    []int64{9},
		PollTimeout: time.Second,
	})
}

func TestListenerInbound(t *testing.T) {
	l := newTestListener(t, nil, func(context.Context, types.InboundMessage) {})

	msg := func(chat, from int64, text string) tgbotapi.Update {
		return tgbotapi.Update{Message: &tgbotapi.Message{
			MessageID: 3,
			From:      &tgbotapi.User{ID: from},
			Chat:      &tgbotapi.Chat{ID: chat},
			Date:      1700000000,
			Text:      text,
		}}
	}
	channelPost := tgbotapi.Update{ChannelPost: &tgbotapi.Message{
		MessageID: 3,
		Chat:      &tgbotapi.Chat{ID: -100, Type: "channel"},
		Date:      1700000000,
		Caption:   "ETHUSDT SHORT",
	}}

	tests := []struct {
		name   string
		update tgbotapi.Update
		ok     bool
		group  string
	}{
		{"configured group", msg(-100, 1, "BTCUSDT LONG"), true, "alpha"},
		{"unknown chat", msg(-999, 1, "BTCUSDT LONG"), false, ""},
		{"admin command in private chat", msg(9, 9, "/status"), true, telegram.AdminGroup},
		{"non-admin command in private chat", msg(8, 8, "/status"), false, ""},
		{"admin plain text in private chat", msg(9, 9, "hello"), false, ""},
		{"blank text", msg(-100, 1, "   "), false, ""},
		{"channel post caption", channelPost, true, "alpha"},
		{"edit only", tgbotapi.Update{EditedMessage: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: -100}, Text: "x"}}, false, ""},
		{"no chat", tgbotapi.Update{Message: &tgbotapi.Message{Text: "BTCUSDT LONG"}}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := l.Inbound(tt.update)
			if ok != tt.ok || got.Group != tt.group {
				t.Errorf("Inbound() = %+v, %v; want group %q, %v", got, ok, tt.group, tt.ok)
			}
			if ok && (got.MessageID != 3 || !got.Date.Equal(time.Unix(1700000000, 0))) {
				t.Errorf("Expected metadata to be carried over, got %+v", got)
			}
		})
	}
}

type scriptedUpdater struct {
	mu      sync.Mutex
	batches [][]tgbotapi.Update
	offsets []int64
	fail    error
}

func (u *scriptedUpdater) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]tgbotapi.Update, error) {
	u.mu.Lock()
	u.offsets = append(u.offsets, offset)
	if u.fail != nil {
		u.mu.Unlock()
		return nil, u.fail
	}
	if len(u.batches) > 0 {
		b := u.batches[0]
		u.batches = u.batches[1:]
		u.mu.Unlock()
		return b, nil
	}
	u.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestListenerRun(t *testing.T) {
	post := func(id int, chat int64, text string) tgbotapi.Update {
		return tgbotapi.Update{UpdateID: id, Message: &tgbotapi.Message{MessageID: id, Chat: &tgbotapi.Chat{ID: chat}, Text: text}}
	}
	updater := &scriptedUpdater{batches: [][]tgbotapi.Update{
		{post(10, -100, "BTCUSDT LONG"), post(11, -999, "ignored")},
		{post(12, -100, "ETHUSDT SHORT")},
	}}

	var mu sync.Mutex
	var texts []string
	got := make(chan struct{}, 4)
	l := newTestListener(t, updater, func(ctx context.Context, msg types.InboundMessage) {
		mu.Lock()
		texts = append(texts, msg.Text)
		mu.Unlock()
		got <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for messages")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}

	updater.mu.Lock()
	defer updater.mu.Unlock()
	if fmt.Sprint(updater.offsets) != "[0 12 13]" {
		t.Errorf("Expected offsets [0 12 13], got %v", updater.offsets)
	}
	if s := l.Stats(); s.Received != 2 || s.Ignored != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestListenerStopsOnRejectedToken(t *testing.T) {
	updater := &scriptedUpdater{fail: fmt.Errorf("telegram getUpdates failed: %w",
		&tgbotapi.Error{Code: http.StatusUnauthorized, Message: "Unauthorized"})}
	l := newTestListener(t, updater, func(context.Context, types.InboundMessage) {})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	select {
	case err := <-done:
		if !telegram.IsUnauthorized(err) {
			t.Errorf("Expected unauthorized error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to stop on a rejected token")
	}
}
