package sse

import (
	"log"

	"github.com/clasp-gateway/clasp/internal/plugin"
)

// StreamExecutor chains plugins that implement StreamChunkProcessor /
// StreamFlusher, maintaining per-plugin state bags and chunk bookkeeping.
type StreamExecutor struct {
	plugins []plugin.Plugin
	states  map[string]map[string]any
	index   int
}

func NewStreamExecutor(plugins []plugin.Plugin) *StreamExecutor {
	states := make(map[string]map[string]any, len(plugins))
	for _, p := range plugins {
		states[p.Name()] = make(map[string]any)
	}
	return &StreamExecutor{plugins: plugins, states: states}
}

// Feed pushes one input chunk through the plugin chain and returns the set
// of chunks to emit downstream (possibly empty, possibly many). event is
// the SSE event type of the frame the chunk came from ("" when the frame
// carried none), surfaced to plugins via StreamContext.Event.
func (e *StreamExecutor) Feed(chunk any, event string, isLast bool) []any {
	ctxValue := StreamContextFor(event, isLast, e.index)
	sctx := &ctxValue
	e.index++

	current := []any{chunk}
	for _, p := range e.plugins {
		h, ok := p.(plugin.StreamChunkProcessor)
		if !ok {
			continue
		}
		sctx.State = e.states[p.Name()]
		current = e.applyOne(h, p.Name(), current, sctx)
	}
	return current
}

func (e *StreamExecutor) applyOne(h plugin.StreamChunkProcessor, name string, inputs []any, sctx *plugin.StreamContext) []any {
	var out []any
	for _, in := range inputs {
		result, err := func() (out []any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &panicError{name: name, value: r}
				}
			}()
			return h.ProcessStreamChunk(in, sctx)
		}()
		if err != nil {
			log.Printf("sse: plugin %s processStreamChunk failed: %v", name, err)
			out = append(out, in) // forward unchanged so the stream stays intact
			continue
		}
		if result == nil {
			out = append(out, in) // nil => pass through unchanged
			continue
		}
		out = append(out, result...) // may be empty (buffer) or N:M
	}
	return out
}

// Flush calls FlushStream on each plugin in order; each plugin's emitted
// chunks are passed through the *subsequent* plugins only, then collected
// into the final emitted set.
func (e *StreamExecutor) Flush() []any {
	var final []any
	for i, p := range e.plugins {
		h, ok := p.(plugin.StreamFlusher)
		if !ok {
			continue
		}
		sctx := &plugin.StreamContext{IsLast: true, ChunkIndex: e.index, State: e.states[p.Name()]}
		flushed, err := func() (out []any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &panicError{name: p.Name(), value: r}
				}
			}()
			return h.FlushStream(sctx)
		}()
		if err != nil {
			log.Printf("sse: plugin %s flushStream failed: %v", p.Name(), err)
			continue
		}

		pending := flushed
		for _, later := range e.plugins[i+1:] {
			h2, ok := later.(plugin.StreamChunkProcessor)
			if !ok {
				continue
			}
			sctx2 := &plugin.StreamContext{IsLast: true, ChunkIndex: e.index, State: e.states[later.Name()]}
			pending = e.applyOne(h2, later.Name(), pending, sctx2)
		}
		final = append(final, pending...)
	}
	return final
}

func StreamContextFor(event string, isLast bool, index int) plugin.StreamContext {
	return plugin.StreamContext{
		Event:      event,
		ChunkIndex: index,
		IsFirst:    index == 0,
		IsLast:     isLast,
	}
}

type panicError struct {
	name  string
	value any
}

func (e *panicError) Error() string {
	return "panic in plugin " + e.name
}
