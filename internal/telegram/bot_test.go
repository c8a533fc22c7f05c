package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/ranya-bridge/pkg/access"
	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/channels/channelstest"
	"github.com/harun/ranya-bridge/pkg/cursor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:test-token"

type sentMessage struct {
	ChatID string
	Text   string
}

// fakeAPI emulates the handful of Bot API methods the channel uses.
type fakeAPI struct {
	mu      sync.Mutex
	batches [][]map[string]any
	offsets []string
	sent    []sentMessage
	typing  int
	getMeOK bool
	// failUpdates makes that many getUpdates calls fail with a 500; later
	// calls wait for release when it is set.
	failUpdates int
	release     chan struct{}
}

func newFakeAPI(batches ...[]map[string]any) *fakeAPI {
	return &fakeAPI{batches: batches, getMeOK: true}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		_, _ = w.Write([]byte("%PDF"))
		return
	}
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	f.mu.Lock()
	defer f.mu.Unlock()

	var result any
	switch method {
	case "getMe":
		if !f.getMeOK {
			writeJSON(w, map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
			return
		}
		result = map[string]any{"id": 99, "is_bot": true, "first_name": "Ranya", "username": "ranya_bot"}
	case "getUpdates":
		f.offsets = append(f.offsets, r.FormValue("offset"))
		if f.failUpdates > 0 {
			f.failUpdates--
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]any{"ok": false, "error_code": 500, "description": "Internal Server Error"})
			return
		}
		if f.release != nil {
			f.mu.Unlock()
			<-f.release
			f.mu.Lock()
		}
		if len(f.batches) == 0 {
			f.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			f.mu.Lock()
			result = []any{}
			break
		}
		result = f.batches[0]
		f.batches = f.batches[1:]
	case "sendMessage":
		f.sent = append(f.sent, sentMessage{ChatID: r.FormValue("chat_id"), Text: r.FormValue("text")})
		result = map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 100, "type": "private"}}
	case "sendChatAction":
		f.typing++
		result = true
	case "getFile":
		result = map[string]any{"file_id": r.FormValue("file_id"), "file_path": "documents/report.pdf", "file_size": 4}
	default:
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "result": result})
}

func (f *fakeAPI) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeAPI) Offsets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offsets...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func textUpdate(updateID int, from int64, text string) map[string]any {
	return map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"message_id": updateID * 10,
			"date":       0,
			"from":       map[string]any{"id": from, "is_bot": false, "first_name": "Ann", "username": "ann"},
			"chat":       map[string]any{"id": 100, "type": "private"},
			"text":       text,
		},
	}
}

type harness struct {
	api     *fakeAPI
	bot     *Bot
	exec    *channelstest.Executor
	store   *channelstest.Store
	cursors *cursor.MemoryStore
	deps    channels.Deps
}

func newHarness(t *testing.T, api *fakeAPI, allow []string) *harness {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	h := &harness{
		api:     api,
		exec:    &channelstest.Executor{},
		store:   channelstest.NewStore(),
		cursors: cursor.NewMemoryStore(),
	}
	deps := channelstest.Deps(h.store, h.exec, channelstest.Reply("Hello!"))
	deps.Access = access.NewController(map[string][]string{"telegram": allow})
	h.deps = deps

	bot, err := New(Options{
		Token:          testToken,
		APIEndpoint:    srv.URL + "/bot%s/%s",
		PollTimeout:    1,
		MediaDir:       t.TempDir(),
		HTTPClient:     srv.Client(),
		Cursors:        h.cursors,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, deps)
	require.NoError(t, err)
	h.bot = bot
	t.Cleanup(func() { _ = bot.Stop(context.Background()) })
	return h
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Options{}, channels.Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot token is required")
}

func TestStartFailsOnBadToken(t *testing.T) {
	api := newFakeAPI()
	api.getMeOK = false
	h := newHarness(t, api, nil)

	err := h.bot.Start(context.Background())
	require.Error(t, err)
	assert.False(t, h.bot.IsRunning())
}

func TestRoundTripAndOffset(t *testing.T) {
	api := newFakeAPI([]map[string]any{
		textUpdate(10, 42, "hello"),
		textUpdate(11, 13, "intruder"),
	})
	h := newHarness(t, api, []string{"42"})

	require.NoError(t, h.bot.Start(context.Background()))
	assert.True(t, h.bot.IsRunning())

	require.Eventually(t, func() bool { return len(api.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, sentMessage{ChatID: "100", Text: "Hello!"}, api.Sent()[0])

	calls := h.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].Text)

	require.Eventually(t, func() bool {
		v, ok, _ := h.cursors.Load(context.Background(), OffsetCursorKey)
		return ok && v == "12"
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		offsets := api.Offsets()
		return len(offsets) >= 2 && offsets[len(offsets)-1] == "12"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.bot.Stop(context.Background()))
	assert.False(t, h.bot.IsRunning())
}

func TestResumesFromStoredOffset(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, nil)
	require.NoError(t, h.cursors.Save(context.Background(), OffsetCursorKey, "50"))

	require.NoError(t, h.bot.Start(context.Background()))
	require.Eventually(t, func() bool { return len(api.Offsets()) > 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "50", api.Offsets()[0])
}

func TestPollErrorRetriesSameOffsetAndRecovers(t *testing.T) {
	api := newFakeAPI([]map[string]any{textUpdate(20, 42, "after outage")})
	api.failUpdates = 1
	api.release = make(chan struct{})
	h := newHarness(t, api, nil)
	require.NoError(t, h.cursors.Save(context.Background(), OffsetCursorKey, "20"))

	require.NoError(t, h.bot.Start(context.Background()))

	require.Eventually(t, func() bool {
		st, ok := h.deps.Tracker.Get("telegram")
		return ok && st.Error != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.bot.IsRunning())

	close(api.release)

	require.Eventually(t, func() bool { return len(api.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "after outage", h.exec.Calls()[0].Text)

	offsets := api.Offsets()
	require.GreaterOrEqual(t, len(offsets), 2)
	assert.Equal(t, []string{"20", "20"}, offsets[:2])

	require.Eventually(t, func() bool {
		st, _ := h.deps.Tracker.Get("telegram")
		return st.Error == ""
	}, time.Second, 10*time.Millisecond)
}

func TestDocumentAttachmentDownloaded(t *testing.T) {
	update := map[string]any{
		"update_id": 3,
		"message": map[string]any{
			"message_id": 5,
			"date":       0,
			"from":       map[string]any{"id": 42, "is_bot": false, "first_name": "Ann"},
			"chat":       map[string]any{"id": 100, "type": "private"},
			"caption":    "see attached",
			"document":   map[string]any{"file_id": "doc-1", "file_unique_id": "u1", "file_name": "report.pdf"},
		},
	}
	api := newFakeAPI([]map[string]any{update})
	h := newHarness(t, api, nil)

	require.NoError(t, h.bot.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.exec.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	call := h.exec.Calls()[0]
	assert.Equal(t, "see attached", call.Text)
	require.Len(t, call.Attachments, 1)
	assert.True(t, strings.HasSuffix(call.Attachments[0], "5_document_report.pdf"))

	data, err := os.ReadFile(call.Attachments[0])
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))
}

func TestSendBeforeStart(t *testing.T) {
	h := newHarness(t, newFakeAPI(), nil)
	err := h.bot.Send(context.Background(), "1", "hi")
	assert.ErrorIs(t, err, channels.ErrNotRunning)
}

func TestSendTypingAndInvalidChat(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, nil)
	require.NoError(t, h.bot.Start(context.Background()))

	require.NoError(t, h.bot.SendTyping(context.Background(), "100"))
	api.mu.Lock()
	assert.Equal(t, 1, api.typing)
	api.mu.Unlock()

	err := h.bot.Send(context.Background(), "not-a-number", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chat id")
}

func TestLongReplyIsChunked(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, nil)
	require.NoError(t, h.bot.Start(context.Background()))

	long := strings.Repeat("a", MaxMessageLength+10)
	require.NoError(t, h.bot.SendText(context.Background(), "100", long))

	sent := api.Sent()
	require.Len(t, sent, 2)
	assert.Len(t, sent[0].Text, MaxMessageLength)
	assert.Len(t, sent[1].Text, 10)
}

func TestFileEndpoint(t *testing.T) {
	assert.Equal(t, "https://api.telegram.org/file/bot%s/%s", fileEndpoint("https://api.telegram.org/bot%s/%s"))
	assert.Equal(t, "http://local:8081/file/bot%s/%s", fileEndpoint("http://local:8081/bot%s/%s"))
}
