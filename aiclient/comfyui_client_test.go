package aiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newComfyUITestClient(apiURL string) *ComfyUIClient {
	return NewComfyUIClient(ImageConfig{
		APIURL:       apiURL,
		ModelName:    "sd_xl_base.safetensors",
		Width:        1024,
		Height:       1024,
		Steps:        20,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxWait:      2 * time.Second,
	})
}

func TestComfyUIGeneratePollsServerPromptID(t *testing.T) {
	const serverPromptID = "server-assigned-id"
	var submitted map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/prompt":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			// 服务端分配自己的 prompt_id，历史记录以它为键
			json.NewEncoder(w).Encode(map[string]string{"prompt_id": serverPromptID})

		case r.Method == http.MethodGet && r.URL.Path == "/history/"+serverPromptID:
			fmt.Fprintf(w, `{%q: {"outputs": {"9": {"images": [{"filename": "ai_story_00001.png", "subfolder": "", "type": "output"}]}}, "status": {"completed": true, "status_str": "success"}}}`, serverPromptID)

		case strings.HasPrefix(r.URL.Path, "/history/"):
			// 用其它 id 轮询永远查不到
			w.Write([]byte("{}"))

		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newComfyUITestClient(srv.URL)
	resp, err := client.Generate(context.Background(), "a cat on the roof", "", 0, 0, 0)
	require.NoError(t, err)
	require.True(t, resp.Success)

	urls, _ := resp.Data["urls"].([]interface{})
	require.Len(t, urls, 1)
	assert.Contains(t, urls[0].(string), "ai_story_00001.png")

	// 提交载荷必须带 prompt_id，轮询键才能与历史记录对上
	require.NotNil(t, submitted)
	assert.NotEmpty(t, submitted["prompt_id"])
	assert.NotEmpty(t, submitted["client_id"])
	assert.Contains(t, submitted, "prompt")
}

func TestComfyUIGenerateTimesOutOnMissingHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/prompt":
			json.NewEncoder(w).Encode(map[string]string{"prompt_id": "never-finishes"})
		case strings.HasPrefix(r.URL.Path, "/history/"):
			w.Write([]byte("{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newComfyUITestClient(srv.URL)
	client.cfg.MaxWait = 100 * time.Millisecond

	_, err := client.Generate(context.Background(), "a cat", "", 0, 0, 0)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Timeout)
}
