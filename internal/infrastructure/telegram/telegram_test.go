package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBotAPI serves the few Bot API methods the adapter calls.
type fakeBotAPI struct {
	mu      sync.Mutex
	sent    []string
	chats   []string
	polls   int
	floods  int
	updates string
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "getMe":
		io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"copy","username":"copy_bot"}}`)
	case "sendMessage":
		if f.floods > 0 {
			f.floods--
			io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":1}}`)
			return
		}
		f.sent = append(f.sent, r.Form.Get("text"))
		f.chats = append(f.chats, r.Form.Get("chat_id"))
		io.WriteString(w, `{"ok":true,"result":{"message_id":10,"date":1700000000,"chat":{"id":-1001,"type":"channel"}}}`)
	case "getUpdates":
		f.polls++
		if f.polls == 1 {
			io.WriteString(w, fmt.Sprintf(`{"ok":true,"result":[%s]}`, f.updates))
			return
		}
		f.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		f.mu.Lock()
		io.WriteString(w, `{"ok":true,"result":[]}`)
	default:
		io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func newFakeBot(t *testing.T, f *fakeBotAPI) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return srv.URL + "/bot%s/%s"
}

func TestNotifierSend(t *testing.T) {
	f := &fakeBotAPI{}
	bot, err := NewBot("token", newFakeBot(t, f))
	require.NoError(t, err)
	assert.Equal(t, "copy_bot", bot.Self.UserName)

	n := NewNotifier(bot, -1001, zap.NewNop())
	require.NoError(t, n.Send(context.Background(), "Position opened BTCUSDT"))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"Position opened BTCUSDT"}, f.sent)
	assert.Equal(t, []string{"-1001"}, f.chats)
}

func TestNotifierWaitsOutFloodLimit(t *testing.T) {
	f := &fakeBotAPI{floods: 1}
	bot, err := NewBot("token", newFakeBot(t, f))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, NewNotifier(bot, 5, zap.NewNop()).Send(context.Background(), "hello"))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"hello"}, f.sent)
}

func TestNotifierCancelledContext(t *testing.T) {
	f := &fakeBotAPI{}
	bot, err := NewBot("token", newFakeBot(t, f))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewNotifier(bot, 5, zap.NewNop()).Send(ctx, "hello"), context.Canceled)
}

type received struct {
	source int64
	text   string
}

func TestListenerForwardsPosts(t *testing.T) {
	f := &fakeBotAPI{updates: strings.Join([]string{
		`{"update_id":1,"channel_post":{"message_id":5,"date":1700000000,"chat":{"id":-100123,"type":"channel","title":"alpha"},"text":"BTCUSDT LONG entry 60000"}}`,
		`{"update_id":2,"channel_post":{"message_id":6,"date":1700000001,"chat":{"id":-100123,"type":"channel"},"caption":"ETHUSDT SHORT entry 3000"}}`,
		`{"update_id":3,"channel_post":{"message_id":7,"date":1700000002,"chat":{"id":-100123,"type":"channel"}}}`,
		`{"update_id":4,"message":{"message_id":8,"date":1700000003,"chat":{"id":42,"type":"private"},"text":"forwarded"}}`,
	}, ",")}
	bot, err := NewBot("token", newFakeBot(t, f))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []received
	handler := func(_ context.Context, source int64, text string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, received{source, text})
		if source == 42 {
			return fmt.Errorf("unknown source")
		}
		return nil
	}
	l := NewListener(bot, handler, zap.NewNop())
	l.pollTimeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []received{
		{-100123, "BTCUSDT LONG entry 60000"},
		{-100123, "ETHUSDT SHORT entry 3000"},
		{42, "forwarded"},
	}, got)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(zap.NewNop()).Send(context.Background(), "x"))
}
