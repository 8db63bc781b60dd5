package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/memoria/internal/auth"
	"github.com/ent0n29/memoria/internal/chat"
	"github.com/ent0n29/memoria/internal/completion"
	"github.com/ent0n29/memoria/internal/config"
	"github.com/ent0n29/memoria/internal/memory"
	"github.com/ent0n29/memoria/internal/observability"
	"github.com/ent0n29/memoria/internal/protocol"
)

type testEnv struct {
	ts   *httptest.Server
	auth *auth.Service
	api  string
}

func newTestEnv(t *testing.T, provider completion.Provider) testEnv {
	t.Helper()
	cfg := config.Config{
		ProjectName:            "memoria",
		APIPrefix:              "/api",
		SecretKey:              config.DefaultSecretKey,
		MaxConversationHistory: 20,
	}
	store := memory.NewInMemoryStore()
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics("test_httpapi")
	authService, err := auth.NewService(store, auth.Config{
		SecretKey:  cfg.SecretKey,
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("auth.NewService() error = %v", err)
	}
	chatService := chat.NewService(chat.Dependencies{
		Store:    store,
		Provider: provider,
		Metrics:  metrics,
		Logger:   logger,
	}, chat.Config{HistoryLimit: cfg.MaxConversationHistory})

	srv := New(cfg, chatService, authService, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return testEnv{ts: ts, auth: authService, api: ts.URL + "/api"}
}

func (e testEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.api+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, out
}

// serveRaw sends body verbatim through the router without a network hop.
func (e testEnv) serveRaw(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api"+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ts.Config.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, raw []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func (e testEnv) register(t *testing.T, email, password string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/auth/register", "", credentialsRequest{Email: email, Password: password})
	if status != http.StatusCreated {
		t.Fatalf("register status = %d, want %d (%s)", status, http.StatusCreated, body)
	}
	status, body = e.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Email: email, Password: password})
	if status != http.StatusOK {
		t.Fatalf("login status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	var tok auth.Token
	decodeInto(t, body, &tok)
	if tok.TokenType != auth.TokenType || tok.AccessToken == "" {
		t.Fatalf("token = %+v, want bearer access token", tok)
	}
	return tok.AccessToken
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/api/health"} {
		res, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}

	res, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), "go_goroutines") {
		t.Fatalf("metrics output missing go collector")
	}
}

func TestAuthAndConversationScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "a@x.com", "pw1")

	status, body := env.do(t, http.MethodPost, "/auth/register", "", credentialsRequest{Email: "a@x.com", Password: "other"})
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate register status = %d, want %d", status, http.StatusBadRequest)
	}
	var apiErr errorResponse
	decodeInto(t, body, &apiErr)
	if apiErr.Code != "email_registered" {
		t.Fatalf("duplicate register code = %q, want %q", apiErr.Code, "email_registered")
	}

	status, _ = env.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Email: "a@x.com", Password: "wrong"})
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want %d", status, http.StatusUnauthorized)
	}

	status, body = env.do(t, http.MethodGet, "/auth/me", token, nil)
	if status != http.StatusOK {
		t.Fatalf("me status = %d, want %d", status, http.StatusOK)
	}
	var me memory.User
	decodeInto(t, body, &me)
	if me.Email != "a@x.com" || !me.Active {
		t.Fatalf("me = %+v, want active a@x.com", me)
	}

	status, body = env.do(t, http.MethodPost, "/chat/conversations", token, nil)
	if status != http.StatusCreated {
		t.Fatalf("create conversation status = %d, want %d (%s)", status, http.StatusCreated, body)
	}
	var conv memory.Conversation
	decodeInto(t, body, &conv)
	if conv.Title == nil || *conv.Title != chat.DefaultConversationTitle {
		t.Fatalf("conversation title = %v, want %q", conv.Title, chat.DefaultConversationTitle)
	}

	content := strings.Repeat("x", 60)
	status, body = env.do(t, http.MethodPost, "/chat/message", token, messageCreateRequest{Content: content})
	if status != http.StatusOK {
		t.Fatalf("quick message status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	var ex chat.Exchange
	decodeInto(t, body, &ex)
	if !strings.Contains(ex.AssistantMessage.Content, chat.DemoMarker) {
		t.Fatalf("assistant reply = %q, want demo marker", ex.AssistantMessage.Content)
	}
	if ex.UserMessage.Role != memory.RoleUser || ex.AssistantMessage.Role != memory.RoleAssistant {
		t.Fatalf("roles = %s/%s, want user/assistant", ex.UserMessage.Role, ex.AssistantMessage.Role)
	}

	status, body = env.do(t, http.MethodGet, "/chat/conversations/"+ex.ConversationID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("get conversation status = %d, want %d", status, http.StatusOK)
	}
	var detail chat.ConversationDetail
	decodeInto(t, body, &detail)
	wantTitle := strings.Repeat("x", 50) + "..."
	if detail.Title == nil || *detail.Title != wantTitle {
		t.Fatalf("quick title = %v, want %q", detail.Title, wantTitle)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(detail.Messages))
	}

	status, body = env.do(t, http.MethodGet, "/chat/conversations", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d, want %d", status, http.StatusOK)
	}
	var list []memory.Conversation
	decodeInto(t, body, &list)
	if len(list) != 2 || list[0].ID != ex.ConversationID {
		t.Fatalf("list = %+v, want quick conversation first of 2", list)
	}

	status, _ = env.do(t, http.MethodDelete, "/chat/conversations/"+ex.ConversationID, token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", status, http.StatusNoContent)
	}
	status, body = env.do(t, http.MethodGet, "/chat/conversations/"+ex.ConversationID, token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want %d", status, http.StatusNotFound)
	}
	decodeInto(t, body, &apiErr)
	if apiErr.Code != "conversation_not_found" {
		t.Fatalf("get deleted code = %q, want %q", apiErr.Code, "conversation_not_found")
	}
}

func TestSendMessageToConversation(t *testing.T) {
	env := newTestEnv(t, completion.NewMockProvider())
	token := env.register(t, "a@x.com", "pw1")

	_, body := env.do(t, http.MethodPost, "/chat/conversations", token, conversationCreateRequest{})
	var conv memory.Conversation
	decodeInto(t, body, &conv)

	env.do(t, http.MethodPost, "/chat/conversations/"+conv.ID+"/messages", token, messageCreateRequest{Content: "first"})
	status, body := env.do(t, http.MethodPost, "/chat/conversations/"+conv.ID+"/messages", token, messageCreateRequest{Content: "second"})
	if status != http.StatusOK {
		t.Fatalf("send status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	var ex chat.Exchange
	decodeInto(t, body, &ex)
	want := "I heard you: second\nI also remember: I heard you: first"
	if ex.AssistantMessage.Content != want {
		t.Fatalf("reply = %q, want %q", ex.AssistantMessage.Content, want)
	}

	status, _ = env.do(t, http.MethodPost, "/chat/conversations/"+conv.ID+"/messages", token, messageCreateRequest{Content: "   "})
	if status != http.StatusBadRequest {
		t.Fatalf("empty content status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)

	status, _ := env.do(t, http.MethodGet, "/chat/conversations", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want %d", status, http.StatusUnauthorized)
	}
	status, _ = env.do(t, http.MethodGet, "/chat/conversations", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want %d", status, http.StatusUnauthorized)
	}
}

func TestDisabledAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "a@x.com", "pw1")

	if _, err := env.auth.SetActive(context.Background(), "a@x.com", false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	status, _ := env.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Email: "a@x.com", Password: "pw1"})
	if status != http.StatusForbidden {
		t.Fatalf("disabled login status = %d, want %d", status, http.StatusForbidden)
	}
	status, _ = env.do(t, http.MethodGet, "/auth/me", token, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("disabled token status = %d, want %d", status, http.StatusUnauthorized)
	}
}

func TestForeignConversationIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice@x.com", "pw")
	bob := env.register(t, "bob@x.com", "pw")

	_, body := env.do(t, http.MethodPost, "/chat/conversations", alice, nil)
	var conv memory.Conversation
	decodeInto(t, body, &conv)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/chat/conversations/" + conv.ID, nil},
		{http.MethodDelete, "/chat/conversations/" + conv.ID, nil},
		{http.MethodPost, "/chat/conversations/" + conv.ID + "/messages", messageCreateRequest{Content: "hi"}},
		{http.MethodPost, "/chat/message?conversation_id=" + conv.ID, messageCreateRequest{Content: "hi"}},
		{http.MethodGet, "/chat/conversations/does-not-exist", nil},
	} {
		status, _ := env.do(t, tc.method, tc.path, bob, tc.body)
		if status != http.StatusNotFound {
			t.Fatalf("%s %s status = %d, want %d", tc.method, tc.path, status, http.StatusNotFound)
		}
	}

	_, body = env.do(t, http.MethodGet, "/chat/conversations/"+conv.ID, alice, nil)
	var detail chat.ConversationDetail
	decodeInto(t, body, &detail)
	if len(detail.Messages) != 0 {
		t.Fatalf("messages after foreign attempts = %d, want 0", len(detail.Messages))
	}
}

func TestProfilePatchIsSparse(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "a@x.com", "pw1")

	status, body := env.do(t, http.MethodPatch, "/chat/profile", token, map[string]string{"display_name": "Ann", "notes": "likes tea"})
	if status != http.StatusOK {
		t.Fatalf("patch status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	var before memory.Profile
	decodeInto(t, body, &before)

	status, body = env.do(t, http.MethodPatch, "/chat/profile", token, map[string]string{"phone": "555-0100"})
	if status != http.StatusOK {
		t.Fatalf("patch status = %d, want %d", status, http.StatusOK)
	}
	_, body = env.do(t, http.MethodGet, "/chat/profile", token, nil)
	var after memory.Profile
	decodeInto(t, body, &after)

	if after.Phone == nil || *after.Phone != "555-0100" {
		t.Fatalf("phone = %v, want 555-0100", after.Phone)
	}
	if after.DisplayName == nil || *after.DisplayName != "Ann" || after.Notes == nil || *after.Notes != "likes tea" {
		t.Fatalf("profile = %+v, want display_name and notes kept", after)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("updated_at = %v, want after %v", after.UpdatedAt, before.UpdatedAt)
	}
}

func TestProfilePatchExplicitNullClears(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "a@x.com", "pw1")

	status, body := env.do(t, http.MethodPatch, "/chat/profile", token, map[string]string{"phone": "555", "notes": "likes tea"})
	if status != http.StatusOK {
		t.Fatalf("patch status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	status, body = env.do(t, http.MethodPatch, "/chat/profile", token, map[string]any{"phone": nil})
	if status != http.StatusOK {
		t.Fatalf("null patch status = %d, want %d (%s)", status, http.StatusOK, body)
	}

	_, body = env.do(t, http.MethodGet, "/chat/profile", token, nil)
	var got memory.Profile
	decodeInto(t, body, &got)
	if got.Phone != nil {
		t.Fatalf("phone = %q, want cleared", *got.Phone)
	}
	if got.Notes == nil || *got.Notes != "likes tea" {
		t.Fatalf("notes = %v, want kept", got.Notes)
	}
}

func TestMalformedBodies(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "a@x.com", "pw1")
	if status, body := env.do(t, http.MethodPatch, "/chat/profile", token, map[string]string{"phone": "111"}); status != http.StatusOK {
		t.Fatalf("patch status = %d, want %d (%s)", status, http.StatusOK, body)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "truncated profile patch", method: http.MethodPatch, path: "/chat/profile", body: `{"phone":"555"`, want: http.StatusBadRequest},
		{name: "truncated conversation title", method: http.MethodPost, path: "/chat/conversations", body: `{"title":"abc`, want: http.StatusBadRequest},
		{name: "truncated message", method: http.MethodPost, path: "/chat/message", body: `{"content":`, want: http.StatusBadRequest},
		{name: "oversized notes", method: http.MethodPatch, path: "/chat/profile", body: `{"notes":"` + strings.Repeat("a", 2<<20) + `"}`, want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.serveRaw(t, tt.method, tt.path, token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	_, body := env.do(t, http.MethodGet, "/chat/profile", token, nil)
	var got memory.Profile
	decodeInto(t, body, &got)
	if got.Phone == nil || *got.Phone != "111" {
		t.Fatalf("phone = %v, want 111 untouched", got.Phone)
	}
	if got.Notes != nil {
		t.Fatalf("notes set by rejected body")
	}

	_, body = env.do(t, http.MethodGet, "/chat/conversations", token, nil)
	var convs []memory.Conversation
	decodeInto(t, body, &convs)
	if len(convs) != 0 {
		t.Fatalf("conversations = %d, want 0 after rejected create", len(convs))
	}
}

func TestStatusReportsWiring(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/status", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	var payload statusResponse
	decodeInto(t, body, &payload)
	if payload.StoreBackend != memory.BackendInMemory {
		t.Fatalf("store_backend = %q, want %q", payload.StoreBackend, memory.BackendInMemory)
	}
	if payload.CompletionProvider != completion.ProviderNone {
		t.Fatalf("completion_provider = %q, want %q", payload.CompletionProvider, completion.ProviderNone)
	}
	if payload.LockBackend != "local" {
		t.Fatalf("lock_backend = %q, want %q", payload.LockBackend, "local")
	}
	warned := map[string]bool{}
	for _, c := range payload.Checks {
		if c.Status == "warn" {
			warned[c.ID] = true
		}
	}
	for _, id := range []string{"record_store", "completion_provider", "secret_key"} {
		if !warned[id] {
			t.Fatalf("check %q not reported as warn: %+v", id, payload.Checks)
		}
	}
}

func TestPerfLatencyAfterTurn(t *testing.T) {
	env := newTestEnv(t, completion.NewMockProvider())
	token := env.register(t, "a@x.com", "pw1")
	env.do(t, http.MethodPost, "/chat/message", token, messageCreateRequest{Content: "hello"})

	status, body := env.do(t, http.MethodGet, "/perf/latency", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	var snap observability.LatencySnapshot
	decodeInto(t, body, &snap)
	if len(snap.Stages) == 0 {
		t.Fatalf("stages empty after a turn")
	}
	if snap.Turns != 1 || len(snap.Outcomes) != 1 || snap.Outcomes[0].Outcome != observability.OutcomeOK {
		t.Fatalf("turns = %d outcomes = %+v, want one ok turn", snap.Turns, snap.Outcomes)
	}
}

func wsURL(env testEnv, token string) string {
	return "ws" + strings.TrimPrefix(env.api, "http") + "/chat/ws?token=" + token
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestChatWebsocket(t *testing.T) {
	env := newTestEnv(t, completion.NewMockProvider())
	token := env.register(t, "a@x.com", "pw1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, token), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	ready := readFrame(t, conn)
	if ready["type"] != string(protocol.TypeSystemEvent) || ready["code"] != protocol.EventReady {
		t.Fatalf("first frame = %v, want ready event", ready)
	}

	if err := conn.WriteJSON(protocol.SendMessage{Type: protocol.TypeSendMessage, RequestID: "r1", Content: "hello"}); err != nil {
		t.Fatalf("write send_message: %v", err)
	}
	started := readFrame(t, conn)
	if started["code"] != protocol.EventTurnStarted || started["request_id"] != "r1" {
		t.Fatalf("frame = %v, want turn_started for r1", started)
	}
	resp := readFrame(t, conn)
	if resp["type"] != string(protocol.TypeChatResponse) {
		t.Fatalf("frame = %v, want chat_response", resp)
	}
	assistant, _ := resp["assistant_message"].(map[string]any)
	if assistant["content"] != "I heard you: hello" {
		t.Fatalf("assistant content = %v, want %q", assistant["content"], "I heard you: hello")
	}
	conversationID, _ := resp["conversation_id"].(string)
	if conversationID == "" {
		t.Fatalf("chat_response missing conversation_id: %v", resp)
	}

	if err := conn.WriteJSON(protocol.ClientPing{Type: protocol.TypeClientPing, RequestID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readFrame(t, conn)
	if pong["code"] != protocol.EventPong || pong["request_id"] != "p1" {
		t.Fatalf("frame = %v, want pong for p1", pong)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	bad := readFrame(t, conn)
	if bad["type"] != string(protocol.TypeErrorEvent) || bad["code"] != "invalid_client_message" {
		t.Fatalf("frame = %v, want invalid_client_message error", bad)
	}

	status, body := env.do(t, http.MethodGet, "/chat/conversations/"+conversationID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("get conversation status = %d, want %d", status, http.StatusOK)
	}
	var detail chat.ConversationDetail
	decodeInto(t, body, &detail)
	if len(detail.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(detail.Messages))
	}
}

func TestChatWebsocketRejectsBadHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "a@x.com", "pw1")

	_, res, err := websocket.DefaultDialer.Dial(wsURL(env, ""), nil)
	if err == nil {
		t.Fatalf("dial without token succeeded")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token response = %v, want 401", res)
	}

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, res, err = websocket.DefaultDialer.Dial(wsURL(env, token), header)
	if err == nil {
		t.Fatalf("cross-origin dial succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin response = %v, want 403", res)
	}
}
