package fips_test

import (
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/soultice/fips/internal/dispatch"
	"github.com/soultice/fips/internal/intermediary"
	"github.com/soultice/fips/internal/rules"
	"github.com/soultice/fips/internal/store"
)

var _ = Describe("Invariant 3: header idempotence", func() {
	It("preserves upstream headers minus Content-Length, plus the CORS headers, for an empty modify_response", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		upstream := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("X-Upstream-Only", "kept")
			ctx.SetBody([]byte(`{"ok":true}`))
		}}
		go upstream.Serve(ln)
		defer upstream.Shutdown()

		ruleSets := []rules.RuleSet{{Rule: rules.Rule{
			Name: "passthrough",
			When: rules.When{MatchesURIs: []rules.MatchURI{{URI: "^/pass$"}}},
			Then: rules.Then{Kind: rules.ActionProxy, Proxy: &rules.ProxyAction{
				ForwardURI: "http://" + ln.Addr().String(),
			}},
		}}}

		engine := dispatch.New(store.New(ruleSets), nil, nil, nil, zap.NewNop())
		ctx := doRequest(engine, fasthttp.MethodGet, "/pass")

		Expect(string(ctx.Response.Header.Peek("X-Upstream-Only"))).To(Equal("kept"))
		Expect(string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))).To(Equal("*"))
		Expect(string(ctx.Response.Header.Peek("Access-Control-Allow-Methods"))).To(Equal("*"))
		Expect(string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))).To(Equal("*"))
	})
})

var _ = Describe("Invariant 5: plugin substitution purity", func() {
	It("leaves body JSON unchanged when nothing matches a plugin shape", func() {
		ruleSets := []rules.RuleSet{{Rule: rules.Rule{
			Name: "literal",
			When: rules.When{MatchesURIs: []rules.MatchURI{{URI: "^/literal$"}}},
			Then: rules.Then{Kind: rules.ActionMock, Mock: &rules.MockAction{
				Status: fasthttp.StatusOK,
				Body: map[string]interface{}{
					"greeting": "hello",
					"count":    float64(3),
					"nested":   map[string]interface{}{"ok": true},
				},
			}},
		}}}

		engine := dispatch.New(store.New(ruleSets), nil, nil, nil, zap.NewNop())
		ctx := doRequest(engine, fasthttp.MethodGet, "/literal")

		Expect(ctx.Response.Body()).To(MatchJSON(`{"greeting":"hello","count":3,"nested":{"ok":true}}`))
	})
})

func probabilityOf(p float32) *float32 { return &p }

var _ = Describe("Invariant 6: probability bounds", func() {
	It("never matches at probability 0", func() {
		r := rules.Rule{Name: "never", With: &rules.With{Probability: probabilityOf(0)}}
		err := r.ShouldApply(blankRequest(), func() float32 { return 0.000001 })
		Expect(err).To(HaveOccurred())
	})

	It("always matches when no probability gate is set", func() {
		r := rules.Rule{Name: "ungated", With: &rules.With{}}
		Expect(r.ShouldApply(blankRequest(), func() float32 { return 0.999999 })).To(Succeed())
	})

	It("always matches at probability >= 1 regardless of roll", func() {
		r := rules.Rule{Name: "always", With: &rules.With{Probability: probabilityOf(1)}}
		Expect(r.ShouldApply(blankRequest(), func() float32 { return 0.999999 })).To(Succeed())
	})

	It("rejects when the roll exceeds probability", func() {
		r := rules.Rule{Name: "sometimes", With: &rules.With{Probability: probabilityOf(0.5)}}
		err := r.ShouldApply(blankRequest(), func() float32 { return 0.9 })
		Expect(err).To(HaveOccurred())
	})

	It("accepts when the roll is within probability", func() {
		r := rules.Rule{Name: "sometimes", With: &rules.With{Probability: probabilityOf(0.5)}}
		Expect(r.ShouldApply(blankRequest(), func() float32 { return 0.1 })).To(Succeed())
	})
})

func blankRequest() *intermediary.Intermediary {
	return intermediary.New()
}
