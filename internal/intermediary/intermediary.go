// Package intermediary implements the canonical in-memory representation
// of a request or response (spec §4.4): method, URI, headers, JSON body,
// status. Every inbound/outbound conversion strips Content-Length on
// ingress and recomputes it at emit time from the serialized body.
package intermediary

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Intermediary is the canonical request-or-response value shuffled through
// the dispatch pipeline.
type Intermediary struct {
	Status int
	Body   interface{} // decoded JSON (map[string]interface{}, []interface{}, scalar, or nil)
	Method string
	URI    string // path + query, as received

	rawHeaders []headerPair // headers preserved in arrival order, case-sensitive name
}

type headerPair struct {
	Key   string
	Value string
}

// New returns an empty Intermediary with status 200 and a null JSON body.
func New() *Intermediary {
	return &Intermediary{Status: fasthttp.StatusOK, Body: nil}
}

// HeaderValues returns all values set under name (case-insensitive), in
// arrival order.
func (im *Intermediary) HeaderValues(name string) []string {
	var out []string
	for _, h := range im.rawHeaders {
		if equalFold(h.Key, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// SetHeader replaces all existing values for name with a single value.
func (im *Intermediary) SetHeader(name, value string) {
	im.DeleteHeader(name)
	im.rawHeaders = append(im.rawHeaders, headerPair{Key: name, Value: value})
}

// AddHeader appends a value for name without removing existing values.
func (im *Intermediary) AddHeader(name, value string) {
	im.rawHeaders = append(im.rawHeaders, headerPair{Key: name, Value: value})
}

// DeleteHeader removes all values for name (case-insensitive).
func (im *Intermediary) DeleteHeader(name string) {
	kept := im.rawHeaders[:0]
	for _, h := range im.rawHeaders {
		if !equalFold(h.Key, name) {
			kept = append(kept, h)
		}
	}
	im.rawHeaders = kept
}

// AllHeaders returns every header pair in arrival order.
func (im *Intermediary) AllHeaders() []struct{ Key, Value string } {
	out := make([]struct{ Key, Value string }, len(im.rawHeaders))
	for i, h := range im.rawHeaders {
		out[i] = struct{ Key, Value string }{h.Key, h.Value}
	}
	return out
}

// ClearHeaders removes every header.
func (im *Intermediary) ClearHeaders() {
	im.rawHeaders = nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// contentLengthHeader is stripped on every ingress conversion and
// recomputed at emit time (spec §3, §4.4).
const contentLengthHeader = "Content-Length"

// FromRequest builds an Intermediary from an inbound fasthttp request.
// The body is parsed as JSON; an empty or invalid body becomes JSON null.
func FromRequest(ctx *fasthttp.RequestCtx) *Intermediary {
	im := New()
	im.Method = string(ctx.Method())
	im.URI = string(ctx.RequestURI())

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if equalFold(k, contentLengthHeader) {
			return
		}
		im.AddHeader(k, string(value))
	})

	im.Body = parseBodyOrNull(ctx.Request.Body())
	return im
}

// FromUpstreamResponse builds an Intermediary from a response read back
// from an upstream fasthttp.Client call.
func FromUpstreamResponse(resp *fasthttp.Response) *Intermediary {
	im := New()
	im.Status = resp.StatusCode()

	resp.Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if equalFold(k, contentLengthHeader) {
			return
		}
		im.AddHeader(k, string(value))
	})

	im.Body = parseBodyOrNull(resp.Body())
	return im
}

func parseBodyOrNull(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// ToUpstreamRequest populates an outbound fasthttp request from im. method
// and uri are required (spec: NoMethod/NoUri errors).
func (im *Intermediary) ToUpstreamRequest(req *fasthttp.Request) error {
	if im.Method == "" {
		return fmt.Errorf("intermediary: no method set for outbound request")
	}
	if im.URI == "" {
		return fmt.Errorf("intermediary: no uri set for outbound request")
	}

	req.Header.SetMethod(im.Method)
	req.SetRequestURI(im.URI)

	for _, h := range im.rawHeaders {
		if equalFold(h.Key, contentLengthHeader) {
			continue
		}
		req.Header.Set(h.Key, h.Value)
	}

	body, err := im.serializeBody()
	if err != nil {
		return err
	}
	req.SetBody(body)
	req.Header.SetContentLength(len(body))
	return nil
}

// ToHTTPResponse writes im onto an outbound fasthttp response.
func (im *Intermediary) ToHTTPResponse(ctx *fasthttp.RequestCtx) error {
	ctx.Response.Reset()
	ctx.Response.SetStatusCode(im.Status)

	for _, h := range im.rawHeaders {
		if equalFold(h.Key, contentLengthHeader) {
			continue
		}
		ctx.Response.Header.Add(h.Key, h.Value)
	}

	body, err := im.serializeBody()
	if err != nil {
		return err
	}
	ctx.Response.SetBody(body)
	ctx.Response.Header.SetContentLength(len(body))
	return nil
}

// RawBody carries bytes that must be emitted verbatim rather than as a
// JSON-encoded value — used by the Static action, whose files are
// arbitrary content, not a JSON document.
type RawBody []byte

func (im *Intermediary) serializeBody() ([]byte, error) {
	if im.Body == nil {
		return []byte("null"), nil
	}
	if raw, ok := im.Body.(RawBody); ok {
		return []byte(raw), nil
	}
	return json.Marshal(im.Body)
}
