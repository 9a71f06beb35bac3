package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xiaopang/mdgate/internal/config"
	"github.com/xiaopang/mdgate/internal/model"
)

func newTestGateway(baseURL string) (*Gateway, *[]time.Duration) {
	g := NewGateway(&config.UpstreamConfig{
		BaseURL:   baseURL,
		APIToken:  "platform-token",
		AccountID: "platform-account",
	})
	var slept []time.Duration
	g.sleep = func(d time.Duration) { slept = append(slept, d) }
	return g, &slept
}

func runResponse(text string) string {
	b, _ := json.Marshal(map[string]any{
		"result":  map[string]string{"response": text},
		"success": true,
	})
	return string(b)
}

func TestBuildMessages_Envelope(t *testing.T) {
	history := make([]model.ChatMessage, 10)
	for i := range history {
		history[i] = model.ChatMessage{Role: "user", Content: fmt.Sprintf("turn %d", i)}
	}

	msgs := BuildMessages("https://example.com", "# Page", history, "question")

	// system + 最近 6 轮 + user
	if len(msgs) != 8 {
		t.Fatalf("len = %d, want 8", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Fatalf("first message role = %q", msgs[0].Role)
	}
	if msgs[1].Content != "turn 4" {
		t.Fatalf("oldest retained turn = %q, want %q", msgs[1].Content, "turn 4")
	}
	if last := msgs[len(msgs)-1]; last.Role != "user" || last.Content != "question" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestRunManaged_RetryThenSucceed(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(500)
			return
		}
		fmt.Fprint(w, runResponse("third time lucky"))
	}))
	defer srv.Close()

	g, slept := newTestGateway(srv.URL)
	got, err := g.RunManaged(context.Background(), "@cf/meta/llama-3.1-8b-instruct", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "third time lucky" {
		t.Fatalf("got %q", got)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// 500ms 然后 1000ms
	want := []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
}

func TestRunManaged_AllAttemptsFail(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(500)
		fmt.Fprint(w, `{"success":false,"errors":[{"message":"capacity exhausted"}]}`)
	}))
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	_, err := g.RunManaged(context.Background(), "m", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("error type: %T", err)
	}
	if gwErr.Message != "capacity exhausted" {
		t.Fatalf("last error not surfaced: %q", gwErr.Message)
	}
}

func TestRunManaged_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, runResponse(""))
	}))
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	got, err := g.RunManaged(context.Background(), "m", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "No response generated" {
		t.Fatalf("got %q", got)
	}
}

func TestRunManaged_MissingBinding(t *testing.T) {
	g := NewGateway(&config.UpstreamConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := g.RunManaged(context.Background(), "m", nil)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Kind != KindConfig {
		t.Fatalf("want config error, got %v", err)
	}
}

func TestRunWithCredential_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{401, KindCredential},
		{403, KindCredential},
		{429, KindRateLimit},
		{500, KindBackend},
	}

	for _, tc := range cases {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(tc.status)
		}))

		g, _ := newTestGateway(srv.URL)
		_, err := g.RunWithCredential(context.Background(), "caller-key", "caller-account", "m", nil)

		var gwErr *GatewayError
		if !errors.As(err, &gwErr) {
			t.Fatalf("status %d: error type %T", tc.status, err)
		}
		if gwErr.Kind != tc.kind {
			t.Errorf("status %d: kind = %q, want %q", tc.status, gwErr.Kind, tc.kind)
		}
		// 凭证路径不重试
		if calls != 1 {
			t.Errorf("status %d: calls = %d, want 1", tc.status, calls)
		}
		srv.Close()
	}
}

func TestRunWithCredential_SuccessFalseSurfacesBackendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"errors":[{"message":"model is deprecated"}]}`)
	}))
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	_, err := g.RunWithCredential(context.Background(), "k", "a", "m", nil)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("error type: %T", err)
	}
	if gwErr.Kind != KindBackend || gwErr.Message != "model is deprecated" {
		t.Fatalf("got kind=%q msg=%q", gwErr.Kind, gwErr.Message)
	}
}

func TestRunWithCredential_UsesBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer caller-key" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, runResponse("ok"))
	}))
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	if _, err := g.RunWithCredential(context.Background(), "caller-key", "acct", "m", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func validationBackend(t *testing.T, verifyStatus int, accounts string, probeStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/user/tokens/verify":
			w.WriteHeader(verifyStatus)
			fmt.Fprint(w, `{"success":true}`)
		case r.URL.Path == "/accounts":
			fmt.Fprint(w, accounts)
		default: // 能力探测
			w.WriteHeader(probeStatus)
			fmt.Fprint(w, `{"result":[]}`)
		}
	}))
}

func TestValidate_FullChainSuccess(t *testing.T) {
	srv := validationBackend(t, 200, `{"result":[{"id":"acct-123"}]}`, 200)
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	res := g.Validate(context.Background(), "some-key")
	if !res.Valid {
		t.Fatalf("want valid, got error %q", res.Error)
	}
	if res.AccountID != "acct-123" {
		t.Fatalf("accountID = %q", res.AccountID)
	}
}

func TestValidate_InvalidToken(t *testing.T) {
	srv := validationBackend(t, 401, `{"result":[{"id":"a"}]}`, 200)
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	res := g.Validate(context.Background(), "bad-key")
	if res.Valid {
		t.Fatal("want invalid")
	}
	if res.Error != "invalid credential" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestValidate_NoAccounts(t *testing.T) {
	srv := validationBackend(t, 200, `{"result":[]}`, 200)
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	res := g.Validate(context.Background(), "k")
	if res.Valid || res.Error != "no accessible account" {
		t.Fatalf("got %+v", res)
	}
}

func TestValidate_CapabilityDenied(t *testing.T) {
	srv := validationBackend(t, 200, `{"result":[{"id":"a"}]}`, 403)
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	res := g.Validate(context.Background(), "k")
	if res.Valid || res.Error != "credential lacks required capability" {
		t.Fatalf("got %+v", res)
	}
}

func TestListModels_FiltersAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":[
			{"name":"@cf/org/zeta-chat","description":"","tags":[],"task":{"name":"Text Generation"}},
			{"name":"@cf/org/alpha-chat","description":"","tags":["free"],"task":{"name":"Text Generation"}},
			{"name":"@cf/org/bge-embedding-large","description":"","tags":[],"task":{"name":"Text Generation"}},
			{"name":"@cf/org/image-gen","description":"","tags":[],"task":{"name":"Text-to-Image"}}
		]}`)
	}))
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	models := g.ListModels(context.Background())

	if len(models) != 2 {
		t.Fatalf("len = %d, want 2 (embedding and non-text filtered): %+v", len(models), models)
	}
	// 免费优先
	if models[0].ID != "@cf/org/alpha-chat" || !models[0].Free {
		t.Fatalf("first model = %+v", models[0])
	}
	if models[0].Name != "alpha chat" {
		t.Fatalf("display name = %q, want %q", models[0].Name, "alpha chat")
	}
	if models[0].Provider != "org" {
		t.Fatalf("provider = %q, want %q", models[0].Provider, "org")
	}
}

func TestListModels_CacheReuse(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"result":[{"name":"@cf/org/m","description":"","tags":[],"task":{"name":"Text Generation"}}]}`)
	}))
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	g.ListModels(context.Background())
	g.ListModels(context.Background())
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second call served from cache)", calls)
	}
}

func TestListModels_FallbackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	g, _ := newTestGateway(srv.URL)
	models := g.ListModels(context.Background())

	if len(models) != 10 {
		t.Fatalf("fallback list len = %d, want 10", len(models))
	}
	var free int
	for _, m := range models {
		if m.Free {
			free++
		}
	}
	if free != 4 {
		t.Fatalf("free models = %d, want 4", free)
	}
	// 排序：免费在前
	if !models[0].Free || models[len(models)-1].Free {
		t.Fatal("fallback list not sorted free-first")
	}
}
