package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer answers /chat/completions with reply and records the last user message.
func chatServer(t *testing.T, status int, reply string, lastUser *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			ResponseFormat map[string]string `json:"response_format"`
		}
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		if lastUser != nil && len(req.Messages) > 0 {
			*lastUser = req.Messages[len(req.Messages)-1].Content
		}

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(reply))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": reply}, "finish_reason": "stop"}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDirector(srv *httptest.Server) *Director {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return NewDirector(NewOpenAIProvider(srv.URL+"/v1", "sk-test", "test-model"), logger)
}

func TestDirector_PlanScenes(t *testing.T) {
	var user string
	reply := "```json\n" + `{"scenes":[
		{"description":"a lighthouse at dusk","prompt":"lighthouse, dusk, waves","location":"coast"},
		{"description":"keeper climbs the stairs","prompt":""},
		{"description":"","prompt":""},
		{"description":"storm hits","prompt":"storm over lighthouse"}],
		"characters":[{"name":"keeper","description":"old man"}],
		"locations":[{"name":"coast","description":"rocky"}]}` + "\n```"
	d := newDirector(chatServer(t, http.StatusOK, reply, &user))

	plan, err := d.PlanScenes(context.Background(), domain.WorkflowInput{Prompt: "a lighthouse keeper", SceneCount: 2, Style: "watercolor"})
	require.NoError(t, err)

	require.Len(t, plan.Scenes, 2)
	assert.Equal(t, 0, plan.Scenes[0].Index)
	assert.Equal(t, "lighthouse, dusk, waves", plan.Scenes[0].Prompt)
	assert.Equal(t, 1, plan.Scenes[1].Index)
	assert.Equal(t, "keeper climbs the stairs", plan.Scenes[1].Prompt, "description stands in for a missing prompt")
	assert.Len(t, plan.Characters, 1)
	assert.Contains(t, user, "exactly 2")
	assert.Contains(t, user, "watercolor")
}

func TestDirector_PlanScenesRefused(t *testing.T) {
	d := newDirector(chatServer(t, http.StatusBadRequest, `{"error":{"code":"content_policy_violation"}}`, nil))

	_, err := d.PlanScenes(context.Background(), domain.WorkflowInput{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.GenerationContentPolicy, domain.GenerationErrorKindOf(err))
}

func TestDirector_EvaluateClampsAndFiltersIssues(t *testing.T) {
	var user string
	reply := `{"score":1.7,"issues":[{"field":"steps","problem":"too noisy","suggested":40},{"field":"lens","problem":"n/a"}]}`
	d := newDirector(chatServer(t, http.StatusOK, reply, &user))

	eval, err := d.Evaluate(context.Background(), "http://comfy/view?filename=a.png", domain.Params{"steps": 25})
	require.NoError(t, err)
	assert.Equal(t, 1.0, eval.Score)
	require.Len(t, eval.Issues, 1)
	assert.Equal(t, "steps", eval.Issues[0].Field)
	assert.Equal(t, 40.0, eval.Issues[0].Suggested)
	assert.Contains(t, user, "a.png")
}

func TestDirector_EvaluateRejectsProse(t *testing.T) {
	d := newDirector(chatServer(t, http.StatusOK, "looks great to me", nil))

	_, err := d.Evaluate(context.Background(), "ref", domain.Params{})
	assert.ErrorContains(t, err, "no JSON object")
}

func TestDirector_SanitizePrompt(t *testing.T) {
	d := newDirector(chatServer(t, http.StatusOK, `{"prompt":"  two knights duel at sunset  "}`, nil))
	out, err := d.SanitizePrompt(context.Background(), "bloody sword fight")
	require.NoError(t, err)
	assert.Equal(t, "two knights duel at sunset", out)

	empty := newDirector(chatServer(t, http.StatusOK, `{"prompt":""}`, nil))
	_, err = empty.SanitizePrompt(context.Background(), "x")
	assert.Error(t, err)
}

func TestOllamaProvider_GenerateJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json", req.Format)
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"prompt":"ok"}`, Done: true})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/v1/", "llama3")
	out, err := p.GenerateJSON(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"prompt":"ok"}`, out)
}
