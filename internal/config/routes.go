package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// RouteConfigFile is the top-level route configuration object.
type RouteConfigFile struct {
	BodyParserLimit int              `json:"bodyParserLimit,omitempty" yaml:"bodyParserLimit,omitempty"`
	Auth            *AuthSettings    `json:"auth,omitempty" yaml:"auth,omitempty"`
	Logging         *LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
	RateLimit       *RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	Plugins         []PluginRef      `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Routes          []RouteConfig    `json:"routes" yaml:"routes"`
}

// RateLimitConfig is the optional process-wide token-bucket limit applied
// before route matching.
type RateLimitConfig struct {
	Requests int `json:"requests" yaml:"requests"` // allowed per window
	Window   int `json:"window,omitempty" yaml:"window,omitempty"` // seconds, default 1
	Burst    int `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// AuthSettings is the global or per-route auth block.
type AuthSettings struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Tokens  []string `json:"tokens,omitempty" yaml:"tokens,omitempty"` // may contain "{{env.X}}"
}

// LoggingConfig is the top-level "logging" block.
type LoggingConfig struct {
	Body *BodyLoggingConfig `json:"body,omitempty" yaml:"body,omitempty"`
}

type BodyLoggingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	MaxSize int  `json:"maxSize,omitempty" yaml:"maxSize,omitempty"`
}

// RouteConfig maps a path prefix to its upstreams, plugins, and rules.
type RouteConfig struct {
	Path        string                `json:"path" yaml:"path"`
	PathRewrite json.RawMessage       `json:"pathRewrite,omitempty" yaml:"pathRewrite,omitempty"`
	Auth        *AuthSettings         `json:"auth,omitempty" yaml:"auth,omitempty"`
	Plugins     []PluginRef           `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Failover    *FailoverPolicyConfig `json:"failover,omitempty" yaml:"failover,omitempty"`
	Headers     json.RawMessage       `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body        json.RawMessage       `json:"body,omitempty" yaml:"body,omitempty"`
	Query       json.RawMessage       `json:"query,omitempty" yaml:"query,omitempty"`
	Upstreams   []UpstreamConfig      `json:"upstreams" yaml:"upstreams"`
}

// PathRewriteRule is one entry of a route's pathRewrite map, in the
// declaration order it appeared in the source config.
type PathRewriteRule struct {
	Pattern     string
	Replacement string
}

// OrderedPathRewrite parses PathRewrite preserving JSON object key order
// (which decoding straight into a Go map would otherwise discard), since
// first-regex-match replacement is order-sensitive: two
// overlapping patterns like "^/api/v1" and "^/api" give different results
// depending on which is tried first. gjson walks the raw token stream in
// source order rather than building an unordered map.
func (r RouteConfig) OrderedPathRewrite() []PathRewriteRule {
	if len(r.PathRewrite) == 0 {
		return nil
	}
	var out []PathRewriteRule
	gjson.ParseBytes(r.PathRewrite).ForEach(func(key, value gjson.Result) bool {
		out = append(out, PathRewriteRule{Pattern: key.String(), Replacement: value.String()})
		return true
	})
	return out
}

// UpstreamConfig is one entry of RouteConfig.upstreams.
type UpstreamConfig struct {
	Target   string          `json:"target" yaml:"target"`
	Weight   int             `json:"weight,omitempty" yaml:"weight,omitempty"`
	Priority int             `json:"priority,omitempty" yaml:"priority,omitempty"`
	Plugins  []PluginRef     `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Headers  json.RawMessage `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body     json.RawMessage `json:"body,omitempty" yaml:"body,omitempty"`
	Query    json.RawMessage `json:"query,omitempty" yaml:"query,omitempty"`
}

// FailoverPolicyConfig is a route's failover block; Normalize fills the
// defaults.
type FailoverPolicyConfig struct {
	RetryableStatusCodes        []int `json:"retryableStatusCodes,omitempty" yaml:"retryableStatusCodes,omitempty"`
	ConsecutiveFailuresThreshold int  `json:"consecutiveFailuresThreshold,omitempty" yaml:"consecutiveFailuresThreshold,omitempty"`
	HealthyThreshold            int  `json:"healthyThreshold,omitempty" yaml:"healthyThreshold,omitempty"`
	RecoveryIntervalMs           int  `json:"recoveryIntervalMs,omitempty" yaml:"recoveryIntervalMs,omitempty"`
	RecoveryTimeoutMs            int  `json:"recoveryTimeoutMs,omitempty" yaml:"recoveryTimeoutMs,omitempty"`
	RequestTimeoutMs              int  `json:"requestTimeoutMs,omitempty" yaml:"requestTimeoutMs,omitempty"`
	SlowStartWarmupMs             int  `json:"slowStartWarmupMs,omitempty" yaml:"slowStartWarmupMs,omitempty"`
}

// Normalize fills in the documented defaults.
func (f *FailoverPolicyConfig) Normalize() {
	if f.ConsecutiveFailuresThreshold == 0 {
		f.ConsecutiveFailuresThreshold = 3
	}
	if f.HealthyThreshold == 0 {
		f.HealthyThreshold = 2
	}
	if f.RecoveryIntervalMs == 0 {
		f.RecoveryIntervalMs = 5000
	}
	if f.RecoveryTimeoutMs == 0 {
		f.RecoveryTimeoutMs = 3000
	}
	if f.RequestTimeoutMs == 0 {
		f.RequestTimeoutMs = 30000
	}
}

// PluginRef is either a bare plugin name/path or an object with options.
type PluginRef struct {
	Path    string
	Enabled bool
	Options map[string]any
}

func (p *PluginRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Path = s
		p.Enabled = true
		return nil
	}
	var obj struct {
		Path    string         `json:"path"`
		Enabled *bool          `json:"enabled"`
		Options map[string]any `json:"options"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Path = obj.Path
	p.Enabled = obj.Enabled == nil || *obj.Enabled
	p.Options = obj.Options
	return nil
}

func (p PluginRef) MarshalJSON() ([]byte, error) {
	if p.Options == nil && p.Enabled {
		return json.Marshal(p.Path)
	}
	return json.Marshal(struct {
		Path    string         `json:"path"`
		Enabled bool           `json:"enabled"`
		Options map[string]any `json:"options,omitempty"`
	}{p.Path, p.Enabled, p.Options})
}

// LoadRouteConfigFile reads path (JSON or YAML, by extension) into a
// RouteConfigFile.
func LoadRouteConfigFile(path string) (*RouteConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg RouteConfigFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var generic map[string]any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
		normalized, err := json.Marshal(generic)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(normalized, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml-as-json %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the minimal shape a reload is allowed to ship: routes
// present and non-empty, each with at least one upstream.
func Validate(cfg *RouteConfigFile) error {
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("config: routes must be present and non-empty")
	}
	for _, r := range cfg.Routes {
		if r.Path == "" {
			return fmt.Errorf("config: route missing required 'path'")
		}
		if len(r.Upstreams) == 0 {
			return fmt.Errorf("config: route %q must declare at least one upstream", r.Path)
		}
	}
	return nil
}

// Watcher watches a route config file and invokes onChange after a 300ms
// debounce once the file stabilizes.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	stop     chan struct{}
}

// NewWatcher starts watching path's parent directory (fsnotify watches
// directories more reliably than single files across editors/atomic
// renames) and calls onChange(path) after each stabilized modification.
func NewWatcher(path string, onChange func(string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, debounce: 300 * time.Millisecond, watcher: fw, stop: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(string)) {
	var timer *time.Timer
	absPath, _ := filepath.Abs(w.path)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			evAbs, _ := filepath.Abs(ev.Name)
			if evAbs != absPath {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { onChange(w.path) })
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.stop:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
