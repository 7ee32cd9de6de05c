package decorator

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"modelhub/internal/cache"
	"modelhub/internal/core"
	"modelhub/internal/metrics"
)

// ParamUseCache set to false (bool or "false") skips the cache for a call.
const ParamUseCache = "use_cache"

// keyParams are the parameters that change a response. Tools are included
// because a cached answer without tool calls is wrong for a tool request.
var keyParams = []string{
	"model", "temperature", "top_p", "max_tokens",
	"presence_penalty", "frequency_penalty", "seed",
	core.ParamTools, core.ParamToolChoice,
}

// Cache serves repeated discrete calls from a ResponseCache.
type Cache struct {
	core.Model
	store    cache.ResponseCache
	ttl      time.Duration
	recorder metrics.CacheRecorder
}

// NewCache wraps m. recorder may be nil.
func NewCache(m core.Model, store cache.ResponseCache, ttl time.Duration, recorder metrics.CacheRecorder) *Cache {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &Cache{Model: m, store: store, ttl: ttl, recorder: recorder}
}

// Unwrap returns the wrapped model.
func (d *Cache) Unwrap() core.Model { return d.Model }

func (d *Cache) Generate(ctx context.Context, prompt string, params core.Params) (*core.ModelResponse, error) {
	params, use := useCache(params)
	if !use {
		return d.Model.Generate(ctx, prompt, params)
	}
	key := Key(d.Info().ModelID, prompt, nil, params)
	return d.lookup(ctx, key, func() (*core.ModelResponse, error) {
		return d.Model.Generate(ctx, prompt, params)
	})
}

func (d *Cache) Chat(ctx context.Context, messages []core.Message, params core.Params) (*core.ModelResponse, error) {
	params, use := useCache(params)
	if !use {
		return d.Model.Chat(ctx, messages, params)
	}
	key := Key(d.Info().ModelID, "", messages, params)
	return d.lookup(ctx, key, func() (*core.ModelResponse, error) {
		return d.Model.Chat(ctx, messages, params)
	})
}

func (d *Cache) GenerateStream(ctx context.Context, prompt string, params core.Params) (*core.Stream, error) {
	params, _ = useCache(params)
	return d.Model.GenerateStream(ctx, prompt, params)
}

func (d *Cache) ChatStream(ctx context.Context, messages []core.Message, params core.Params) (*core.Stream, error) {
	params, _ = useCache(params)
	return d.Model.ChatStream(ctx, messages, params)
}

// lookup returns the stored response or calls miss and stores its result.
// Backend failures degrade to a direct call.
func (d *Cache) lookup(ctx context.Context, key string, miss func() (*core.ModelResponse, error)) (*core.ModelResponse, error) {
	modelID := d.Info().ModelID
	resp, ok, err := d.store.Get(ctx, key)
	if err != nil {
		slog.Warn("response cache read failed", "model", modelID, "error", err)
	}
	if d.recorder != nil {
		d.recorder.RecordCacheLookup(modelID, ok)
	}
	if ok {
		return resp, nil
	}

	resp, err = miss()
	if err != nil {
		return nil, err
	}
	if err := d.store.Set(ctx, key, resp, d.ttl); err != nil {
		slog.Warn("response cache write failed", "model", modelID, "error", err)
	}
	return resp, nil
}

// useCache strips the bypass flag and reports whether the cache applies.
func useCache(params core.Params) (core.Params, bool) {
	if _, present := params[ParamUseCache]; !present {
		return params, true
	}
	v, ok := params.Bool(ParamUseCache)
	out := params.Clone()
	delete(out, ParamUseCache)
	return out, !ok || v
}

// Key fingerprints a call with xxhash64 over the model id, the prompt or
// the role:content list, and the response-relevant parameters in sorted
// order.
func Key(modelID, prompt string, messages []core.Message, params core.Params) string {
	h := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
		}
		_, _ = h.Write([]byte{0})
	}

	write("model", modelID)
	if len(messages) == 0 {
		write("prompt", prompt)
	}
	for _, m := range messages {
		write(string(m.Role.Normalize()), ":", m.Text())
		if m.ToolCallID != "" {
			write("tool_call_id", m.ToolCallID)
		}
		if len(m.ToolCalls) > 0 {
			b, _ := json.Marshal(m.ToolCalls)
			write("tool_calls", string(b))
		}
	}

	keys := make([]string, 0, len(keyParams))
	for _, k := range keyParams {
		if _, ok := params[k]; ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		// map values inside params are marshalled with sorted keys
		b, err := json.Marshal(params[k])
		if err != nil {
			b = []byte("?")
		}
		write(k, "=", string(b))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
