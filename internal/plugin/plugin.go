// Package plugin implements the gateway's plugin registry and the "onion"
// hook executor: outbound hooks run outer-to-inner, inbound hooks in
// reverse, with capability-restricted URL mutation along the way.
package plugin

import (
	"context"
	"log"
	"net/http"
	"net/url"
)

// Plugin is the minimal contract every plugin satisfies. Hooks are
// discovered via narrower optional interfaces below (accept-interfaces, not
// one fat interface with no-op defaults).
type Plugin interface {
	Name() string
}

// Versioned plugins may optionally report a version string for logging.
type Versioned interface {
	Version() string
}

type RequestInitializer interface {
	OnRequestInit(ctx context.Context, pctx *Context) error
}

type BeforeRequester interface {
	OnBeforeRequest(ctx context.Context, pctx *Context) error
}

// RequestInterceptor may short-circuit the outbound chain by returning a
// non-nil response.
type RequestInterceptor interface {
	OnInterceptRequest(ctx context.Context, pctx *Context) (*Response, error)
}

// Responder may replace the upstream response. Not called for SSE.
type Responder interface {
	OnResponse(ctx context.Context, pctx *Context, resp *Response) (*Response, error)
}

type StreamChunkProcessor interface {
	// ProcessStreamChunk is an N:M transform over stream chunks. A nil
	// slice means "pass the input through unchanged"; an empty non-nil
	// slice buffers (emits nothing this tick).
	ProcessStreamChunk(chunk any, sctx *StreamContext) ([]any, error)
}

type StreamFlusher interface {
	FlushStream(sctx *StreamContext) ([]any, error)
}

type ErrorObserver interface {
	OnError(ctx context.Context, pctx *Context, err error)
}

type Destroyer interface {
	Destroy()
}

// Context is the per-hook-call value handed to plugins.
type Context struct {
	Method  string
	URL     *PluginURL
	Headers http.Header
	Body    any

	// Request is an opaque correlation handle; plugins must not interpret
	// its contents.
	Request any
}

// Response is the minimal response surface visible to inbound hooks.
type Response struct {
	Status  int
	Headers http.Header
	Body    any
}

// StreamContext carries the per-chunk metadata and the plugin's own private
// state bag across ProcessStreamChunk/FlushStream calls.
type StreamContext struct {
	// Event is the SSE `event:` field of the frame the chunk was parsed
	// from, when the upstream sent one. Empty for event-less frames and
	// during FlushStream.
	Event      string
	ChunkIndex int
	IsFirst    bool
	IsLast     bool
	State      map[string]any // per-plugin, per-stream, caller must key by plugin name
}

// PluginURL is a capability-restricted value type standing in for the real
// target *url.URL: explicit getters/setters rather than a reflection-based
// proxy, and only pathname/search/hash are writable.
type PluginURL struct {
	protocol string
	host     string
	hostname string
	port     string
	href     string
	origin   string
	pathname string
	search   string
	hash     string

	pathnameWritten bool
	searchWritten   bool
	hashWritten     bool
}

func NewPluginURL(u *url.URL) *PluginURL {
	return &PluginURL{
		protocol: u.Scheme + ":",
		host:     u.Host,
		hostname: u.Hostname(),
		port:     u.Port(),
		href:     u.String(),
		origin:   u.Scheme + "://" + u.Host,
		pathname: u.Path,
		search:   u.RawQuery,
		hash:     u.Fragment,
	}
}

func (p *PluginURL) Protocol() string { return p.protocol }
func (p *PluginURL) Host() string     { return p.host }
func (p *PluginURL) Hostname() string { return p.hostname }
func (p *PluginURL) Port() string     { return p.port }
func (p *PluginURL) Href() string     { return p.href }
func (p *PluginURL) Origin() string   { return p.origin }
func (p *PluginURL) Pathname() string { return p.pathname }
func (p *PluginURL) Search() string   { return p.search }
func (p *PluginURL) Hash() string     { return p.hash }

func (p *PluginURL) SetPathname(v string) { p.pathname = v; p.pathnameWritten = true }
func (p *PluginURL) SetSearch(v string)   { p.search = v; p.searchWritten = true }
func (p *PluginURL) SetHash(v string)     { p.hash = v; p.hashWritten = true }

// ApplyTo copies only the whitelisted, written fields back onto target,
// leaving protocol/host/hostname/port/origin untouched.
func (p *PluginURL) ApplyTo(target *url.URL) {
	if p.pathnameWritten {
		target.Path = p.pathname
	}
	if p.searchWritten {
		target.RawQuery = p.search
	}
	if p.hashWritten {
		target.Fragment = p.hash
	}
}

func logPluginError(name, hook string, err error) {
	log.Printf("plugin %s: %s failed: %v", name, hook, err)
}
