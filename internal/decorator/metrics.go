package decorator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"modelhub/internal/core"
	"modelhub/internal/metrics"
)

// Metrics reports every call to a collector. It never changes the result
// of the call it wraps.
type Metrics struct {
	core.Model
	collector metrics.Collector
	now       func() time.Time
}

// NewMetrics wraps m.
func NewMetrics(m core.Model, c metrics.Collector) *Metrics {
	return &Metrics{Model: m, collector: c, now: time.Now}
}

// Unwrap returns the wrapped model.
func (d *Metrics) Unwrap() core.Model { return d.Model }

func (d *Metrics) Generate(ctx context.Context, prompt string, params core.Params) (*core.ModelResponse, error) {
	call := d.begin(ctx, metrics.OpGenerate)
	resp, err := d.Model.Generate(ctx, prompt, params)
	d.finish(ctx, call, resp, err)
	return resp, err
}

func (d *Metrics) Chat(ctx context.Context, messages []core.Message, params core.Params) (*core.ModelResponse, error) {
	call := d.begin(ctx, metrics.OpChat)
	resp, err := d.Model.Chat(ctx, messages, params)
	d.finish(ctx, call, resp, err)
	return resp, err
}

func (d *Metrics) GenerateStream(ctx context.Context, prompt string, params core.Params) (*core.Stream, error) {
	call := d.begin(ctx, metrics.OpGenerateStream)
	s, err := d.Model.GenerateStream(ctx, prompt, params)
	return d.watch(ctx, call, s, err)
}

func (d *Metrics) ChatStream(ctx context.Context, messages []core.Message, params core.Params) (*core.Stream, error) {
	call := d.begin(ctx, metrics.OpChatStream)
	s, err := d.Model.ChatStream(ctx, messages, params)
	return d.watch(ctx, call, s, err)
}

func (d *Metrics) begin(ctx context.Context, op metrics.Operation) metrics.Call {
	info := d.Info()
	id := core.GetRequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return metrics.Call{
		RequestID: id,
		ModelID:   info.ModelID,
		Vendor:    info.Vendor,
		Operation: op,
		Started:   d.now(),
	}
}

func (d *Metrics) finish(ctx context.Context, call metrics.Call, resp *core.ModelResponse, err error) {
	call.Duration = d.now().Sub(call.Started)
	call.Err = err
	if resp != nil {
		call.Usage = resp.Usage
		call.ResponseID = resp.ResponseID
	}
	d.collector.Record(ctx, call)
}

// watch records the stream start and, once it terminates, its outcome.
// A consumer closing the stream is not recorded as a failure.
func (d *Metrics) watch(ctx context.Context, call metrics.Call, s *core.Stream, err error) (*core.Stream, error) {
	if err != nil {
		d.finish(ctx, call, nil, err)
		return nil, err
	}
	d.collector.StreamStarted(ctx, call)
	ctx = context.WithoutCancel(ctx)
	go func() {
		<-s.Done()
		err := s.Err()
		if errors.Is(err, core.ErrStreamClosed) {
			err = nil
		}
		if err == nil {
			call.Usage = s.Usage()
		}
		d.finish(ctx, call, nil, err)
	}()
	return s, nil
}
