package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/davrien/converso/internal/coach"
	"github.com/davrien/converso/internal/config"
	"github.com/davrien/converso/internal/history"
	"github.com/davrien/converso/internal/practice"
	"github.com/davrien/converso/internal/pronounce"
	"github.com/davrien/converso/internal/settings"
	llmmock "github.com/davrien/converso/pkg/provider/llm/mock"
	"github.com/davrien/converso/pkg/types"
)

const gradeJSON = `{"feedback":"Nice sentence!","fluency":82,"vocabulary":77,"grammar":71}`

// staticCreds always reports a configured credential.
type staticCreds struct{ key string }

func (c staticCreds) APIKey() (string, bool) { return c.key, c.key != "" }

// newTestServer builds a Server around a mock chat model.
func newTestServer(t *testing.T, llm *llmmock.Provider, opts func(*Deps)) *Server {
	t.Helper()
	deps := Deps{
		Coach:       coach.New(llm),
		Credentials: staticCreds{key: "sk-test"},
	}
	if opts != nil {
		opts(&deps)
	}
	cfg := &config.Config{}
	cfg.Practice.Language = "en-US"
	return New(cfg, deps)
}

func TestTopicsEndpoint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/topics")
	if err != nil {
		t.Fatalf("GET /api/topics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var topics []coach.Topic
	if err := json.NewDecoder(resp.Body).Decode(&topics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(topics) < 6 {
		t.Errorf("topics = %d, want the full catalogue", len(topics))
	}
	found := false
	for _, topic := range topics {
		if topic.ID == coach.DefaultTopicID {
			found = true
		}
	}
	if !found {
		t.Errorf("catalogue missing default topic %q", coach.DefaultTopicID)
	}
}

func TestPronounceEndpoint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, nil).Handler())
	defer srv.Close()

	body := strings.NewReader(`{"expected":"good morning","heard":"good morning"}`)
	resp, err := http.Post(srv.URL+"/api/pronounce", "application/json", body)
	if err != nil {
		t.Fatalf("POST /api/pronounce: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result pronounce.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Score != 100 {
		t.Errorf("score = %d, want 100 for identical phrases", result.Score)
	}
}

func TestPronounceEndpoint_RequiresExpected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/pronounce", "application/json", strings.NewReader(`{"heard":"hello"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	store, err := settings.NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, func(d *Deps) {
		d.Settings = store
	}).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/settings",
		strings.NewReader(`{"apiKey":"sk-new","voice":"daniel","speechRate":0.9}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/settings: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var doc struct {
		APIKeySet  bool    `json:"apiKeySet"`
		APIKey     string  `json:"apiKey"`
		Voice      string  `json:"voice"`
		SpeechRate float64 `json:"speechRate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !doc.APIKeySet {
		t.Error("apiKeySet = false after storing a key")
	}
	if doc.APIKey != "" {
		t.Error("credential must never be echoed back")
	}
	if doc.Voice != "daniel" || doc.SpeechRate != 0.9 {
		t.Errorf("doc = %+v, want stored voice and rate", doc)
	}
}

func TestHistoryEndpoints_NotConfigured(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, nil).Handler())
	defer srv.Close()

	for _, path := range []string{
		"/api/history/recent?learner=x",
		"/api/history/similar?learner=x&utterance=hi",
		"/api/history/progress?learner=x",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

// fakeHistory is an in-memory HistoryStore for endpoint tests.
type fakeHistory struct {
	recorded []history.Entry
	similar  []history.SimilarEntry

	lastUtterance string
	lastTopK      int
}

func (f *fakeHistory) RecordTurn(_ context.Context, learnerID, topicID, utterance, feedback string, scores types.Scores) error {
	f.recorded = append(f.recorded, history.Entry{
		LearnerID: learnerID,
		TopicID:   topicID,
		Utterance: utterance,
		Feedback:  feedback,
		Scores:    scores,
	})
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, _ string, limit int) ([]history.Entry, error) {
	if limit > len(f.recorded) {
		limit = len(f.recorded)
	}
	return f.recorded[:limit], nil
}

func (f *fakeHistory) Similar(_ context.Context, _, utterance string, topK int) ([]history.SimilarEntry, error) {
	f.lastUtterance = utterance
	f.lastTopK = topK
	return f.similar, nil
}

func (f *fakeHistory) Progress(_ context.Context, _ string, _ time.Time) (history.ProgressSummary, error) {
	return history.ProgressSummary{Turns: len(f.recorded)}, nil
}

func TestHistorySimilarEndpoint(t *testing.T) {
	t.Parallel()
	store := &fakeHistory{similar: []history.SimilarEntry{
		{
			Entry: history.Entry{
				LearnerID: "learner-1",
				Utterance: "I go to the market yesterday",
				Feedback:  `Past tense: "I went".`,
				Scores:    types.Scores{Fluency: 70, Vocabulary: 65, Grammar: 40},
			},
			Distance: 0.12,
		},
	}}
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, func(d *Deps) {
		d.History = store
	}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/history/similar?learner=learner-1&utterance=I+goed+to+the+market&limit=3")
	if err != nil {
		t.Fatalf("GET /api/history/similar: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var entries []history.SimilarEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Utterance != "I go to the market yesterday" {
		t.Errorf("entries = %+v, want the recalled utterance", entries)
	}
	if store.lastUtterance != "I goed to the market" {
		t.Errorf("query utterance = %q, want the submitted one", store.lastUtterance)
	}
	if store.lastTopK != 3 {
		t.Errorf("topK = %d, want 3 from the limit parameter", store.lastTopK)
	}
}

func TestHistorySimilarEndpoint_RequiresUtterance(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, func(d *Deps) {
		d.History = &fakeHistory{}
	}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/history/similar?learner=learner-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, nil).Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

// wsClient wraps a test WebSocket connection with JSON helpers.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func dialWS(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return &wsClient{t: t, conn: conn, ctx: ctx}
}

func (c *wsClient) sendJSON(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// readMessage reads the next message and returns its type plus raw payload.
func (c *wsClient) readMessage() (string, []byte) {
	c.t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.t.Fatalf("unmarshal envelope: %v", err)
	}
	return envelope.Type, data
}

func decodeState(t *testing.T, data []byte) practice.Snapshot {
	t.Helper()
	var msg struct {
		Snapshot practice.Snapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	return msg.Snapshot
}

func TestWS_InitialState(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, nil).Handler())
	defer srv.Close()

	client := dialWS(t, srv)

	typ, data := client.readMessage()
	if typ != MsgState {
		t.Fatalf("first message type = %q, want state", typ)
	}
	snap := decodeState(t, data)
	if snap.State != practice.StateAwaitingUserTurn {
		t.Errorf("state = %v, want awaiting user turn", snap.State)
	}
	if len(snap.History) != 1 {
		t.Errorf("history = %d turns, want the topic opening only", len(snap.History))
	}
}

func TestWS_BlockedWithoutCredential(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, func(d *Deps) {
		d.Credentials = staticCreds{}
	}).Handler())
	defer srv.Close()

	client := dialWS(t, srv)

	typ, data := client.readMessage()
	if typ != MsgState {
		t.Fatalf("first message type = %q, want state", typ)
	}
	snap := decodeState(t, data)
	if snap.State != practice.StateBlocked {
		t.Errorf("state = %v, want blocked", snap.State)
	}
	if snap.Notice.Kind != practice.NoticeBlocked {
		t.Errorf("notice = %+v, want a blocked notice", snap.Notice)
	}
}

func TestWS_TextTurn(t *testing.T) {
	t.Parallel()
	llm := &llmmock.Provider{Responses: []string{gradeJSON, "Great! What else did you do?"}}
	srv := httptest.NewServer(newTestServer(t, llm, nil).Handler())
	defer srv.Close()

	client := dialWS(t, srv)
	client.readMessage() // initial state

	client.sendJSON(map[string]any{
		"type":         MsgHello,
		"capabilities": map[string]bool{"capture": false, "synthesis": true},
		"learnerId":    "learner-1",
	})
	client.sendJSON(map[string]any{"type": MsgTextSubmit, "text": "I visited my grandmother yesterday"})

	// The turn completes once the spoken question resolves; answer the
	// relayed synthesis command and wait for the settled snapshot.
	deadline := time.After(8 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the turn to settle")
		default:
		}

		typ, data := client.readMessage()
		switch typ {
		case "synthesis.speak":
			client.sendJSON(map[string]any{"type": MsgSynthesisStarted})
			client.sendJSON(map[string]any{"type": MsgSynthesisEnded})
		case MsgState:
			snap := decodeState(t, data)
			if snap.Processing || snap.State != practice.StateAwaitingUserTurn || len(snap.History) < 4 {
				continue
			}
			// Opening + user turn + feedback + next question.
			if got := snap.History[1].Text; got != "I visited my grandmother yesterday" {
				t.Errorf("history[1] = %q, want the submitted utterance", got)
			}
			if snap.Scores.Fluency != 82 || snap.Scores.Vocabulary != 77 || snap.Scores.Grammar != 71 {
				t.Errorf("scores = %+v, want the graded values", snap.Scores)
			}
			if snap.HasServiceError {
				t.Error("service error flagged on a successful turn")
			}
			return
		case MsgError:
			t.Fatalf("unexpected error message: %s", data)
		}
	}
}

func TestWS_UnknownMessageType(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestServer(t, &llmmock.Provider{}, nil).Handler())
	defer srv.Close()

	client := dialWS(t, srv)
	client.readMessage() // initial state

	client.sendJSON(map[string]any{"type": "bogus"})

	typ, data := client.readMessage()
	if typ != MsgError {
		t.Fatalf("reply type = %q, want error (payload %s)", typ, data)
	}
}
