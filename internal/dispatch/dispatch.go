// Package dispatch implements the Dispatch Engine (spec §4.5): the
// per-request pipeline of intake, rule selection, action execution,
// plugin expansion, and emission.
package dispatch

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/soultice/fips/internal/intermediary"
	"github.com/soultice/fips/internal/jsonpath"
	"github.com/soultice/fips/internal/metrics"
	"github.com/soultice/fips/internal/observer"
	plug "github.com/soultice/fips/internal/plugin"
	"github.com/soultice/fips/internal/requestid"
	"github.com/soultice/fips/internal/rules"
	"github.com/soultice/fips/internal/store"
)

const (
	corsOrigin  = "Access-Control-Allow-Origin"
	corsMethods = "Access-Control-Allow-Methods"
	corsHeaders = "Access-Control-Allow-Headers"
	corsMaxAge  = "Access-Control-Max-Age"
)

const minGzipSize = 1024

// Engine wires the store, plugin registry, HTTP client, and observer
// together into a fasthttp.RequestHandler.
type Engine struct {
	Store    *store.Store
	Plugins  *plug.Registry
	Observer observer.Observer
	Metrics  *metrics.Collector
	Client   *fasthttp.Client
	Logger   *zap.Logger
}

// New builds an Engine. Observer and Logger default to no-ops if nil.
// Metrics may be nil, in which case no metrics are recorded.
func New(st *store.Store, plugins *plug.Registry, obs observer.Observer, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if obs == nil {
		obs = observer.NoopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:    st,
		Plugins:  plugins,
		Observer: obs,
		Metrics:  collector,
		Client:   &fasthttp.Client{},
		Logger:   logger,
	}
}

// Handle is the fasthttp.RequestHandler entrypoint.
func (e *Engine) Handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestid.New(string(ctx.Request.Header.Peek("X-Request-Id")))

	if e.Metrics != nil {
		e.Metrics.IncActiveRequests()
		defer e.Metrics.DecActiveRequests()
	}

	// Step A — Intake.
	in := intermediary.FromRequest(ctx)

	e.Observer.Notify(observer.LoggableEvent{
		Stage: observer.IncomingRequestAtFips, RequestID: reqID,
		Method: in.Method, URI: in.URI, Timestamp: time.Now(),
	})

	if in.Method == fasthttp.MethodOptions {
		e.writePreflight(ctx)
		e.Observer.Notify(observer.LoggableEvent{
			Stage: observer.OutgoingResponseFromFips, RequestID: reqID,
			Method: in.Method, URI: in.URI, Status: fasthttp.StatusOK, Timestamp: time.Now(),
		})
		if e.Metrics != nil {
			e.Metrics.RecordRequest("options", statusLabel(fasthttp.StatusOK), time.Since(start).Seconds())
		}
		return
	}

	// Step B — Select.
	cfg := e.Store.Current()
	rule, matched := selectRule(cfg, in)

	var ruleName string
	if !matched {
		in.Status = fasthttp.StatusNotFound
		in.Body = intermediary.RawBody(nil)
	} else {
		ruleName = rule.Name
		e.act(ctx, reqID, rule, in)
	}

	// Step D — Plugin expansion.
	if matched {
		in.Body = e.expandBody(in.Body)
	}

	// Step E — Emit.
	if matched && rule.With != nil && rule.With.SleepMS > 0 {
		time.Sleep(time.Duration(rule.With.SleepMS) * time.Millisecond)
	}

	e.writeFinal(ctx, in)

	e.Observer.Notify(observer.LoggableEvent{
		Stage: observer.OutgoingResponseFromFips, RequestID: reqID,
		Method: in.Method, URI: in.URI, Status: in.Status, RuleName: ruleName, Timestamp: time.Now(),
	})

	if e.Metrics != nil {
		e.Metrics.RecordRequest(actionLabel(matched, rule), statusLabel(in.Status), time.Since(start).Seconds())
	}
}

func actionLabel(matched bool, rule *rules.Rule) string {
	if !matched {
		return "unmatched"
	}
	switch rule.Then.Kind {
	case rules.ActionMock:
		return "mock"
	case rules.ActionStatic:
		return "static"
	case rules.ActionProxy:
		return "proxy"
	case rules.ActionFips:
		return "fips"
	default:
		return "unknown"
	}
}

func selectRule(cfg *store.Configuration, in *intermediary.Intermediary) (*rules.Rule, bool) {
	for idx := range cfg.Rules {
		if !cfg.IsActive(idx) {
			continue
		}
		r := &cfg.Rules[idx].Rule
		if err := r.ShouldApply(in, nil); err == nil {
			return r, true
		}
	}
	return nil, false
}

// act runs Step C for the matched rule's Then variant, mutating in in place.
func (e *Engine) act(ctx *fasthttp.RequestCtx, reqID string, rule *rules.Rule, in *intermediary.Intermediary) {
	switch rule.Then.Kind {
	case rules.ActionMock:
		e.actMock(rule.Then.Mock, in)
	case rules.ActionStatic:
		e.actStatic(ctx, rule.Then.Static, in)
	case rules.ActionProxy:
		e.actProxy(reqID, rule.Then.Proxy, in)
	case rules.ActionFips:
		e.actFips(reqID, rule.Then.Fips, in)
	}
}

func (e *Engine) actMock(mock *rules.MockAction, in *intermediary.Intermediary) {
	status := fasthttp.StatusOK
	if mock.Status != 0 {
		status = mock.Status
	}
	in.Status = status
	if mock.Body != nil {
		in.Body = mock.Body
	}
	for k, v := range mock.Headers {
		in.SetHeader(k, v)
	}
}

func (e *Engine) actStatic(ctx *fasthttp.RequestCtx, static *rules.StaticAction, in *intermediary.Intermediary) {
	if static.BaseDir == "" {
		in.Status = fasthttp.StatusNotFound
		in.Body = intermediary.RawBody(nil)
		return
	}

	path := filepath.Join(static.BaseDir, filepath.Clean(uriPath(in.URI)))
	data, err := os.ReadFile(path)
	if err != nil {
		in.Status = fasthttp.StatusNotFound
		in.Body = intermediary.RawBody(nil)
		return
	}

	in.Status = fasthttp.StatusOK
	in.SetHeader("Content-Type", contentTypeByExtension(path))
	in.SetHeader("x-static", static.BaseDir)

	acceptsGzip := bytes.Contains(ctx.Request.Header.Peek("Accept-Encoding"), []byte("gzip"))
	if acceptsGzip && len(data) >= minGzipSize {
		if compressed, ok := gzipCompress(data); ok {
			in.SetHeader("Content-Encoding", "gzip")
			in.Body = intermediary.RawBody(compressed)
			return
		}
	}
	in.Body = intermediary.RawBody(data)
}

func gzipCompress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func (e *Engine) actProxy(reqID string, proxy *rules.ProxyAction, in *intermediary.Intermediary) {
	resp := e.forward(reqID, proxy.ForwardURI, in)
	var mods *rules.HeaderMods
	if proxy.ModifyResponse != nil {
		mods = &proxy.ModifyResponse.HeaderMods
	}
	applyHeaderMods(resp, mods)
	*in = *resp
}

func (e *Engine) actFips(reqID string, fips *rules.FipsAction, in *intermediary.Intermediary) {
	resp := e.forward(reqID, fips.ForwardURI, in)
	if fips.ModifyResponse != nil {
		applyHeaderMods(resp, &fips.ModifyResponse.HeaderMods)
		for _, patch := range fips.ModifyResponse.Body {
			updated, err := jsonpath.Set(resp.Body, patch.At, patch.With)
			if err != nil {
				e.Logger.Warn("invalid body patch path", zap.String("at", patch.At), zap.Error(err))
				continue
			}
			resp.Body = updated
		}
	}
	*in = *resp
}

// forward sends the Intermediary to forwardURI+originalURI and re-enters
// the response as an Intermediary (spec §4.5 Proxy/Fips).
func (e *Engine) forward(reqID, forwardURI string, in *intermediary.Intermediary) *intermediary.Intermediary {
	outbound := *in
	outbound.URI = forwardURI + in.URI

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	if err := outbound.ToUpstreamRequest(req); err != nil {
		e.Logger.Warn("failed to build outbound request", zap.Error(err))
		out := intermediary.New()
		out.Status = fasthttp.StatusBadGateway
		return out
	}

	e.Observer.Notify(observer.LoggableEvent{
		Stage: observer.OutgoingRequestToServer, RequestID: reqID,
		Method: outbound.Method, URI: outbound.URI, Timestamp: time.Now(),
	})

	if err := e.Client.Do(req, resp); err != nil {
		e.Logger.Warn("upstream request failed", zap.String("uri", outbound.URI), zap.Error(err))
		out := intermediary.New()
		out.Status = fasthttp.StatusBadGateway
		return out
	}

	out := intermediary.FromUpstreamResponse(resp)

	e.Observer.Notify(observer.LoggableEvent{
		Stage: observer.IncomingResponseFromServer, RequestID: reqID,
		Method: outbound.Method, URI: outbound.URI, Status: out.Status, Timestamp: time.Now(),
	})

	return out
}

func applyHeaderMods(in *intermediary.Intermediary, mods *rules.HeaderMods) {
	if mods == nil {
		return
	}
	if mods.Status != 0 {
		in.Status = mods.Status
	}
	for _, h := range mods.DeleteHeaders {
		in.DeleteHeader(h)
	}
	for k, v := range mods.SetHeaders {
		in.SetHeader(k, v)
	}
}

// expandBody runs Step D's single post-order plugin-expansion pass.
func (e *Engine) expandBody(body interface{}) interface{} {
	switch v := body.(type) {
	case map[string]interface{}:
		if pluginPath, args, ok := pluginInvocation(v); ok {
			return e.invokePlugin(pluginPath, args)
		}
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			out[k] = e.expandBody(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = e.expandBody(child)
		}
		return out
	case string:
		if e.Plugins != nil && e.Plugins.Has(v) {
			return e.invokePlugin(v, json.RawMessage("[]"))
		}
		return v
	default:
		return v
	}
}

// pluginInvocation recognizes the {"plugin": name, "args": ...} shape.
func pluginInvocation(obj map[string]interface{}) (name string, args json.RawMessage, ok bool) {
	if len(obj) != 2 {
		return "", nil, false
	}
	rawName, hasName := obj["plugin"]
	rawArgs, hasArgs := obj["args"]
	if !hasName || !hasArgs {
		return "", nil, false
	}
	name, isString := rawName.(string)
	if !isString {
		return "", nil, false
	}
	encoded, err := json.Marshal(rawArgs)
	if err != nil {
		return "", nil, false
	}
	return name, encoded, true
}

func (e *Engine) invokePlugin(name string, args json.RawMessage) interface{} {
	if e.Plugins == nil {
		return name
	}
	result, err := e.Plugins.Call(name, args)
	if err != nil {
		e.Logger.Warn("plugin invocation failed", zap.String("plugin", name), zap.Error(err))
		return name
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		return result
	}
	return parsed
}

func (e *Engine) writePreflight(ctx *fasthttp.RequestCtx) {
	ctx.Response.Reset()
	setCORSHeaders(&ctx.Response.Header)
	ctx.Response.Header.Set(corsMaxAge, "86400")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(nil)
}

func (e *Engine) writeFinal(ctx *fasthttp.RequestCtx, in *intermediary.Intermediary) {
	if err := in.ToHTTPResponse(ctx); err != nil {
		e.Logger.Error("failed to serialize response", zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
	setCORSHeaders(&ctx.Response.Header)
}

func setCORSHeaders(h *fasthttp.ResponseHeader) {
	h.Set(corsOrigin, "*")
	h.Set(corsMethods, "*")
	h.Set(corsHeaders, "*")
}

func uriPath(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '?' {
			return uri[:i]
		}
	}
	return uri
}

func contentTypeByExtension(path string) string {
	switch filepath.Ext(path) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".json":
		return "application/json"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}
