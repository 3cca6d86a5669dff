package plugin

import (
	"context"
	"net/url"
	"sync"
	"testing"
)

type recordingPlugin struct {
	name  string
	calls *[]string
	mu    *sync.Mutex
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) record(what string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.calls = append(*p.calls, p.name+":"+what)
}

func (p *recordingPlugin) OnRequestInit(ctx context.Context, pctx *Context) error {
	p.record("init")
	return nil
}

func (p *recordingPlugin) OnResponse(ctx context.Context, pctx *Context, resp *Response) (*Response, error) {
	p.record("response")
	return nil, nil
}

func TestOutboundAndInboundOrdering(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	mk := func(name string) *recordingPlugin { return &recordingPlugin{name: name, calls: &calls, mu: &mu} }

	inst := &Instances{
		Global: []Plugin{mk("g1"), mk("g2")},
		Route:  []Plugin{mk("r1"), mk("r2")},
	}

	RunRequestInit(context.Background(), inst, &Context{})
	wantOutbound := []string{"g1:init", "g2:init", "r1:init", "r2:init"}
	assertEqual(t, calls, wantOutbound)

	calls = nil
	RunResponse(context.Background(), inst, &Context{}, &Response{})
	wantInbound := []string{"r2:response", "r1:response", "g1:response", "g2:response"}
	assertEqual(t, calls, wantInbound)
}

func assertEqual(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPluginURLOnlyWhitelistedFieldsMutable(t *testing.T) {
	target, _ := url.Parse("https://upstream.example.com:443/v1/x?a=1#frag")
	before := *target

	pu := NewPluginURL(target)
	pu.SetPathname("/v2/y")
	pu.SetSearch("b=2")
	pu.SetHash("newfrag")
	pu.ApplyTo(target)

	if target.Scheme != before.Scheme || target.Host != before.Host {
		t.Fatalf("protocol/host must be unchanged: got %v, was %v", target, before)
	}
	if target.Path != "/v2/y" || target.RawQuery != "b=2" || target.Fragment != "newfrag" {
		t.Fatalf("expected writable fields to update: %v", target)
	}
}

type loadCounter struct {
	mu    sync.Mutex
	count int
}

func TestRegistryEnsureLoadedCollapsesConcurrentCallers(t *testing.T) {
	reg := NewRegistry()
	var lc loadCounter
	reg.Register("slow", func(map[string]any) (Plugin, error) {
		lc.mu.Lock()
		lc.count++
		lc.mu.Unlock()
		return &recordingPlugin{name: "slow", calls: &[]string{}, mu: &sync.Mutex{}}, nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.EnsureLoaded("slow"); err != nil {
				t.Errorf("EnsureLoaded() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if lc.count != 1 {
		t.Fatalf("expected loader to run exactly once, ran %d times", lc.count)
	}
}
