package expr

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/clasp-gateway/clasp/internal/gatewayerr"
)

// deniedFragments are rejected unconditionally before an expression is
// ever handed to the runtime, on top of goja's own lack of
// process/filesystem bindings. goja has no process or require of its own,
// but its standard library does include eval and the Function constructor;
// the denylist is a first line of defense against configs pasted in from
// less sandboxed environments.
var deniedFragments = []string{"process.exit", "require(", "eval(", "Function("}

// Evaluate runs expr (a bare expression, not a `{{...}}` template) against
// ctx and returns its value. The runtime has no I/O, no timers, and no
// access to mutable globals: every call gets a fresh *goja.Runtime.
func Evaluate(expression string, ctx Context) (any, error) {
	for _, frag := range deniedFragments {
		if strings.Contains(expression, frag) {
			return nil, gatewayerr.New(gatewayerr.ExpressionRejected, 0,
				fmt.Sprintf("expression contains disallowed fragment %q", frag))
		}
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	contextMap := ctx.toMap()
	for k, v := range contextMap {
		if err := vm.Set(k, v); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ExpressionFailed, 0, "failed to bind context", err)
		}
	}

	registerBuiltins(vm)

	value, err := vm.RunString(expression)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ExpressionFailed, 0, "expression evaluation failed", err)
	}
	return unwrap(value), nil
}

func unwrap(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// registerBuiltins wires the fixed builtin function table available to
// rule expressions. goja already
// provides Math, JSON, Date, parseInt/parseFloat, isNaN/isFinite, and
// encodeURIComponent/decodeURIComponent as part of its ES5 runtime; only the
// gateway-specific builtins below need registering by hand.
func registerBuiltins(vm *goja.Runtime) {
	must := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = vm.Set(name, fn)
	}

	must("uuid", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(uuid.NewString())
	})
	must("now", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(time.Now().UnixMilli())
	})
	must("randomInt", func(call goja.FunctionCall) goja.Value {
		min, max := 0, 0
		if len(call.Arguments) >= 1 {
			min = int(call.Arguments[0].ToInteger())
		}
		if len(call.Arguments) >= 2 {
			max = int(call.Arguments[1].ToInteger())
		} else {
			max, min = min, 0
		}
		if max <= min {
			return vm.ToValue(min)
		}
		return vm.ToValue(min + rand.Intn(max-min))
	})
	must("base64encode", func(call goja.FunctionCall) goja.Value {
		s := argString(call, 0)
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(s)))
	})
	must("base64decode", func(call goja.FunctionCall) goja.Value {
		s := argString(call, 0)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(string(decoded))
	})
	must("md5", func(call goja.FunctionCall) goja.Value {
		sum := md5.Sum([]byte(argString(call, 0)))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	})
	must("sha256", func(call goja.FunctionCall) goja.Value {
		sum := sha256.Sum256([]byte(argString(call, 0)))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	})
	must("parseJWT", func(call goja.FunctionCall) goja.Value {
		claims, err := parseJWTClaims(argString(call, 0))
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(claims)
	})
	must("jsonParse", func(call goja.FunctionCall) goja.Value {
		var v any
		if err := json.Unmarshal([]byte(argString(call, 0)), &v); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(v)
	})
	must("jsonStringify", func(call goja.FunctionCall) goja.Value {
		data, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(string(data))
	})
	must("first", func(call goja.FunctionCall) goja.Value {
		arr := asSlice(call.Argument(0))
		if len(arr) == 0 {
			return goja.Undefined()
		}
		return vm.ToValue(arr[0])
	})
	must("last", func(call goja.FunctionCall) goja.Value {
		arr := asSlice(call.Argument(0))
		if len(arr) == 0 {
			return goja.Undefined()
		}
		return vm.ToValue(arr[len(arr)-1])
	})
	must("length", func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0).Export()
		switch t := v.(type) {
		case string:
			return vm.ToValue(len(t))
		case []any:
			return vm.ToValue(len(t))
		case map[string]any:
			return vm.ToValue(len(t))
		default:
			return vm.ToValue(0)
		}
	})
	must("keys", func(call goja.FunctionCall) goja.Value {
		m, _ := call.Argument(0).Export().(map[string]any)
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		return vm.ToValue(out)
	})
	must("values", func(call goja.FunctionCall) goja.Value {
		m, _ := call.Argument(0).Export().(map[string]any)
		out := make([]any, 0, len(m))
		for _, v := range m {
			out = append(out, v)
		}
		return vm.ToValue(out)
	})
	must("trim", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(strings.TrimSpace(argString(call, 0)))
	})
	must("toLowerCase", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(strings.ToLower(argString(call, 0)))
	})
	must("toUpperCase", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(strings.ToUpper(argString(call, 0)))
	})
	must("split", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(strings.Split(argString(call, 0), argString(call, 1)))
	})
	must("replace", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(strings.ReplaceAll(argString(call, 0), argString(call, 1), argString(call, 2)))
	})
	must("isString", func(call goja.FunctionCall) goja.Value {
		_, ok := call.Argument(0).Export().(string)
		return vm.ToValue(ok)
	})
	must("isNumber", func(call goja.FunctionCall) goja.Value {
		switch call.Argument(0).Export().(type) {
		case float64, int, int64:
			return vm.ToValue(true)
		default:
			return vm.ToValue(false)
		}
	})
	must("isArray", func(call goja.FunctionCall) goja.Value {
		_, ok := call.Argument(0).Export().([]any)
		return vm.ToValue(ok)
	})
	must("isObject", func(call goja.FunctionCall) goja.Value {
		_, ok := call.Argument(0).Export().(map[string]any)
		return vm.ToValue(ok)
	})
	must("deepClean", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(deepClean(call.Argument(0).Export()))
	})
}

func argString(call goja.FunctionCall, i int) string {
	if i >= len(call.Arguments) {
		return ""
	}
	return call.Arguments[i].String()
}

func asSlice(v goja.Value) []any {
	arr, _ := v.Export().([]any)
	return arr
}

// deepClean removes nil-valued map entries recursively.
func deepClean(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = deepClean(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepClean(val)
		}
		return out
	default:
		return v
	}
}

func parseJWTClaims(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed JWT")
	}
	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	decoded, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}
