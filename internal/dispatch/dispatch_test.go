package dispatch

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/soultice/fips/internal/intermediary"
	"github.com/soultice/fips/internal/rules"
	"github.com/soultice/fips/internal/store"
)

func newEngine(t *testing.T, ruleSets []rules.RuleSet) *Engine {
	t.Helper()
	return New(store.New(ruleSets), nil, nil, nil, zap.NewNop())
}

func serveRequest(e *Engine, method, uri string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	e.Handle(ctx)
	return ctx
}

func TestHandleCORSPreflight(t *testing.T) {
	e := newEngine(t, nil)
	ctx := serveRequest(e, fasthttp.MethodOptions, "/anything", nil)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "*", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
	assert.Equal(t, "86400", string(ctx.Response.Header.Peek("Access-Control-Max-Age")))
}

func TestHandleUnmatchedReturns404WithEmptyBody(t *testing.T) {
	e := newEngine(t, nil)
	ctx := serveRequest(e, fasthttp.MethodGet, "/nope", nil)

	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Empty(t, ctx.Response.Body())
}

func mockRuleSet(name, uriPattern string, mock *rules.MockAction) rules.RuleSet {
	return rules.RuleSet{Rule: rules.Rule{
		Name: name,
		When: rules.When{MatchesURIs: []rules.MatchURI{{URI: uriPattern}}},
		Then: rules.Then{Kind: rules.ActionMock, Mock: mock},
	}}
}

func TestHandleMockAction(t *testing.T) {
	e := newEngine(t, []rules.RuleSet{
		mockRuleSet("greet", "^/hello$", &rules.MockAction{
			Status:  fasthttp.StatusCreated,
			Body:    map[string]interface{}{"msg": "hi"},
			Headers: map[string]string{"X-From": "fips"},
		}),
	})

	ctx := serveRequest(e, fasthttp.MethodGet, "/hello", nil)

	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())
	assert.Equal(t, "fips", string(ctx.Response.Header.Peek("X-From")))
	assert.JSONEq(t, `{"msg":"hi"}`, string(ctx.Response.Body()))
}

func TestHandleFirstMatchWins(t *testing.T) {
	e := newEngine(t, []rules.RuleSet{
		mockRuleSet("first", "^/dup$", &rules.MockAction{Status: fasthttp.StatusOK, Body: "first"}),
		mockRuleSet("second", "^/dup$", &rules.MockAction{Status: fasthttp.StatusOK, Body: "second"}),
	})

	ctx := serveRequest(e, fasthttp.MethodGet, "/dup", nil)
	assert.JSONEq(t, `"first"`, string(ctx.Response.Body()))
}

func TestHandleInactiveRuleIsSkipped(t *testing.T) {
	ruleSets := []rules.RuleSet{
		mockRuleSet("only", "^/toggle$", &rules.MockAction{Status: fasthttp.StatusOK, Body: "on"}),
	}
	st := store.New(ruleSets)
	st.ToggleRule(0)
	e := New(st, nil, nil, nil, zap.NewNop())

	ctx := serveRequest(e, fasthttp.MethodGet, "/toggle", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestHandleStaticServesFileAndContentType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	e := newEngine(t, []rules.RuleSet{{Rule: rules.Rule{
		Name: "static",
		When: rules.When{MatchesURIs: []rules.MatchURI{{URI: "^/index.html$"}}},
		Then: rules.Then{Kind: rules.ActionStatic, Static: &rules.StaticAction{BaseDir: dir}},
	}}})

	ctx := serveRequest(e, fasthttp.MethodGet, "/index.html", nil)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "text/html; charset=utf-8", string(ctx.Response.Header.Peek("Content-Type")))
	assert.Equal(t, "<h1>hi</h1>", string(ctx.Response.Body()))
}

func TestHandleStaticMissingFileIs404(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, []rules.RuleSet{{Rule: rules.Rule{
		Name: "static",
		When: rules.When{MatchesURIs: []rules.MatchURI{{URI: "^/missing.html$"}}},
		Then: rules.Then{Kind: rules.ActionStatic, Static: &rules.StaticAction{BaseDir: dir}},
	}}})

	ctx := serveRequest(e, fasthttp.MethodGet, "/missing.html", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Empty(t, ctx.Response.Body())
}

// startUpstream spins up a tiny fasthttp server on a loopback port that
// answers every request with the given handler, for Proxy/Fips forwarding
// tests.
func startUpstream(t *testing.T, handler fasthttp.RequestHandler) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln)

	return "http://" + ln.Addr().String(), func() { srv.Shutdown() }
}

func TestHandleProxyForwardsAndAppliesHeaderMods(t *testing.T) {
	addr, shutdown := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.Response.Header.Set("X-Upstream", "yes")
		ctx.SetBody([]byte(`{"upstream":true}`))
	})
	defer shutdown()

	e := newEngine(t, []rules.RuleSet{{Rule: rules.Rule{
		Name: "proxy",
		When: rules.When{MatchesURIs: []rules.MatchURI{{URI: "^/api"}}},
		Then: rules.Then{Kind: rules.ActionProxy, Proxy: &rules.ProxyAction{
			ForwardURI: addr,
			ModifyResponse: &rules.ProxyMods{HeaderMods: rules.HeaderMods{
				SetHeaders:    map[string]string{"X-Added": "1"},
				DeleteHeaders: []string{"X-Upstream"},
			}},
		}},
	}}})

	ctx := serveRequest(e, fasthttp.MethodGet, "/api/widgets", nil)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "1", string(ctx.Response.Header.Peek("X-Added")))
	assert.Empty(t, ctx.Response.Header.Peek("X-Upstream"))
	assert.JSONEq(t, `{"upstream":true}`, string(ctx.Response.Body()))
}

func TestHandleFipsPatchesBody(t *testing.T) {
	addr, shutdown := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody([]byte(`{"user":{"name":"alice","age":30}}`))
	})
	defer shutdown()

	e := newEngine(t, []rules.RuleSet{{Rule: rules.Rule{
		Name: "fips",
		When: rules.When{MatchesURIs: []rules.MatchURI{{URI: "^/users"}}},
		Then: rules.Then{Kind: rules.ActionFips, Fips: &rules.FipsAction{
			ForwardURI: addr,
			ModifyResponse: &rules.FipsMods{
				Body: []rules.BodyPatch{{At: "user.age", With: float64(99)}},
			},
		}},
	}}})

	ctx := serveRequest(e, fasthttp.MethodGet, "/users/1", nil)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"user":{"name":"alice","age":99}}`, string(ctx.Response.Body()))
}

func TestExpandBodyPassesThroughWithoutRegistry(t *testing.T) {
	e := newEngine(t, nil)

	body := map[string]interface{}{
		"plugin": "uuid",
		"args":   []interface{}{},
	}
	result := e.expandBody(body)
	assert.Equal(t, "uuid", result)
}

func TestExpandBodyRecursesIntoNestedStructures(t *testing.T) {
	e := newEngine(t, nil)

	body := map[string]interface{}{
		"list": []interface{}{
			map[string]interface{}{"plugin": "now", "args": []interface{}{}},
			"literal",
		},
	}
	result := e.expandBody(body).(map[string]interface{})
	list := result["list"].([]interface{})
	assert.Equal(t, "now", list[0])
	assert.Equal(t, "literal", list[1])
}

func TestSelectRuleSkipsFailingPredicatesInOrder(t *testing.T) {
	cfg := store.New([]rules.RuleSet{
		mockRuleSet("wrong-method", "^/x$", &rules.MockAction{Status: 200}),
		mockRuleSet("right", "^/x$", &rules.MockAction{Status: 200, Body: "ok"}),
	}).Current()
	cfg.Rules[0].Rule.When.MatchesMethods = []string{"POST"}

	in := &intermediary.Intermediary{Method: "GET", URI: "/x"}
	rule, matched := selectRule(cfg, in)
	require.True(t, matched)
	assert.Equal(t, "right", rule.Name)
}
