package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

func TestSentenceBuffer(t *testing.T) {
	var sb sentenceBuffer
	assert.Equal(t, "", sb.Add("Hello"))
	assert.Equal(t, "", sb.Add(" world."))
	assert.Equal(t, "Hello world.", sb.Add(" How"))
	assert.Equal(t, "", sb.Add(" are you"))
	assert.Equal(t, "How are you", sb.Flush())
	assert.Equal(t, "", sb.Flush())
}

func TestSplitAtSentenceKeepsDecimals(t *testing.T) {
	complete, rest := splitAtSentence("It costs 3.50 dollars")
	assert.Equal(t, "", complete)
	assert.Equal(t, "It costs 3.50 dollars", rest)
}

func TestCodeFilter(t *testing.T) {
	var cf codeFilter
	var out strings.Builder
	for _, tok := range []string{"Run this: ", "`", "``go\nfmt.Println()\n", "``", "` then done."} {
		out.WriteString(cf.Filter(tok))
	}
	assert.Equal(t, "Run this:  then done.", out.String())
}

func TestStripMarkdown(t *testing.T) {
	assert.Equal(t, "Read the docs now", StripMarkdown("Read **the** [docs](http://x) _now_"))
	assert.Equal(t, "first second", StripMarkdown("- first\n- second"))
}

func TestIsNoiseTranscript(t *testing.T) {
	assert.True(t, isNoiseTranscript("[music]"))
	assert.True(t, isNoiseTranscript("(coughing)"))
	assert.True(t, isNoiseTranscript("Um."))
	assert.False(t, isNoiseTranscript("Book a table for two."))
}

func TestRouterFallback(t *testing.T) {
	r := NewRouter(map[string]int{"a": 1, "b": 2}, "a")
	v, err := r.Route("b")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = r.Route("missing")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("missing"))

	empty := NewRouter(map[string]int{}, "a")
	_, err = empty.Route("x")
	assert.Error(t, err)
}

func TestChatRequestHelpers(t *testing.T) {
	req := ChatRequest{Messages: []Message{
		{Role: "system", Content: "a"},
		{Role: "system", Content: "b"},
		{Role: "user", Content: "hi"},
	}}
	assert.Equal(t, "a\n\nb", req.System())
	assert.Equal(t, "hi", req.Transcript())

	req.Messages = append(req.Messages, Message{Role: "assistant", Content: "hello"}, Message{Role: "user", Content: "bye"})
	assert.Equal(t, "User: hi\nAssistant: hello\nUser: bye", req.Transcript())
	assert.Len(t, req.Dialog(), 3)
}

type rawClient struct {
	got ChatRequest
}

func (r *rawClient) Chat(_ context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error) {
	r.got = req
	onToken("ok")
	return &LLMResult{Text: "ok"}, nil
}

func TestAgentLLMRawRouting(t *testing.T) {
	raw := &rawClient{}
	a := NewAgentLLM("ollama", 64, metrics.NewAggregator(nil))
	a.RegisterRaw("ollama", raw, "llama3")

	var tokens []string
	res, err := a.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}, "unknown", func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, []string{"ok"}, tokens)
	assert.Equal(t, "llama3", raw.got.Model)
	assert.Equal(t, []string{"ollama"}, a.Engines())
}

func TestAgentLLMNoProvider(t *testing.T) {
	a := NewAgentLLM("none", 64, nil)
	_, err := a.Chat(context.Background(), ChatRequest{}, "x", nil)
	assert.Error(t, err)
}

func TestOllamaClientStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m1", body.Model)
		assert.Len(t, body.Messages, 2)
		io.WriteString(w, `{"message":{"content":"Hi"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"content":" there"},"done":false}`+"\n")
		io.WriteString(w, `{"done":true}`+"\n")
	}))
	defer srv.Close()

	c := NewOllamaLLMClient(srv.URL, "m0", 32, 1)
	var tokens []string
	res, err := c.Chat(context.Background(), ChatRequest{
		Model:    "m1",
		Messages: []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
	}, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Text)
	assert.Equal(t, []string{"Hi", " there"}, tokens)
}

func TestAnthropicStreamParsing(t *testing.T) {
	stream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start"}`,
		"event: content_block_delta",
		`data: {"delta":{"type":"text_delta","text":"Hel"}}`,
		"event: content_block_delta",
		`data: {"delta":{"type":"text_delta","text":"lo"}}`,
		"event: message_stop",
		`data: {"type":"message_stop"}`,
	}, "\n")
	sr, err := consumeAnthropicStream(strings.NewReader(stream), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", sr.text)
}

func TestCompletionsPrompt(t *testing.T) {
	p := completionPrompt(ChatRequest{Messages: []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	}})
	assert.Equal(t, "sys\nUser: hi\nAssistant:", p)
}

func TestWhisperClientMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "en", r.FormValue("language"))
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "audio.wav", hdr.Filename)
		io.WriteString(w, `{"text":" hello "}`)
	}))
	defer srv.Close()

	router := NewASRRouter(map[string]ASRTranscriber{"whisper": NewWhisperClient(srv.URL, 1)}, "whisper", nil)
	res, err := router.Transcribe(context.Background(), make([]float32, 1600), "", "en")
	require.NoError(t, err)
	assert.Equal(t, " hello ", res.Text)
}

func TestTTSStreamsInChunks(t *testing.T) {
	payload := strings.Repeat("a", ttsReadSize*2+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pcm", body["response_format"])
		assert.Equal(t, "nova", body["voice"])
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	router := NewTTSRouter(map[string]TTSSynthesizer{
		"kokoro": NewOpenAISynthesizer(srv.URL, "", "kokoro", "af", srv.Client()),
	}, "kokoro", nil)
	assert.Equal(t, AudioFormat{Codec: "pcm16", SampleRate: 24000}, router.Format("kokoro"))

	var got strings.Builder
	err := router.SynthesizeStream(context.Background(), "hi", "kokoro", TTSOptions{Voice: "nova"}, func(c []byte) error {
		assert.LessOrEqual(t, len(c), ttsReadSize)
		got.Write(c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got.String())
}

func TestTTSStopStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("b", ttsReadSize*4))
	}))
	defer srv.Close()

	synth := NewPiperSynthesizer(srv.URL, "amy", srv.Client())
	calls := 0
	err := synth.SynthesizeStream(context.Background(), "hi", TTSOptions{}, func([]byte) error {
		calls++
		return errStopStream
	})
	assert.ErrorIs(t, err, errStopStream)
	assert.Equal(t, 1, calls)
}

func TestTTSStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	synth := NewPiperSynthesizer(srv.URL, "amy", srv.Client())
	err := synth.SynthesizeStream(context.Background(), "hi", TTSOptions{}, func([]byte) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNoiseClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/denoise", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		in := decodeFloat32LE(body)
		for i := range in {
			in[i] /= 2
		}
		w.Write(encodeFloat32LE(in))
	}))
	defer srv.Close()

	out, err := NewNoiseClient(srv.URL, 2).Denoise(context.Background(), []float32{0.5, -1, 0.25})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 0.125}, out)
}

func TestNoiseClientRejectsMisalignedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3})
	}))
	defer srv.Close()

	_, err := NewNoiseClient(srv.URL, 2).Denoise(context.Background(), []float32{1})
	assert.ErrorContains(t, err, "not float32 aligned")
}
