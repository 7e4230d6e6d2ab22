// Package rules implements the Rule & Match Model (spec §4.3): the YAML
// wire schema (spec §6), the in-memory Rule/RuleSet/Then representation,
// and the should-apply matcher pipeline.
package rules

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/soultice/fips/internal/intermediary"
	"github.com/soultice/fips/internal/yamlutil"
)

// ActionKind discriminates the Then tagged union.
type ActionKind string

const (
	ActionMock   ActionKind = "Mock"
	ActionStatic ActionKind = "Static"
	ActionProxy  ActionKind = "Proxy"
	ActionFips   ActionKind = "Fips"
)

// MatchURI is one entry of When.MatchesURIs. Body is carried for wire
// compatibility with early rule files but is not consulted at match time;
// body matching is driven solely by When.BodyContains.
type MatchURI struct {
	URI  string
	Body string
}

// When holds the ordered predicate pipeline a request must satisfy before
// Then fires.
type When struct {
	MatchesURIs    []MatchURI
	MatchesMethods []string
	BodyContains   string
}

// MockAction returns a canned response body/status/headers directly.
type MockAction struct {
	Body    interface{}
	Status  int
	Headers map[string]string
}

// StaticAction serves a file tree from BaseDir. An empty BaseDir falls
// through to a 404 (SPEC_FULL.md §9).
type StaticAction struct {
	BaseDir string
}

// HeaderMods is shared by ProxyMods and FipsMods.
type HeaderMods struct {
	SetHeaders map[string]string
	// DeleteHeaders lists response headers stripped before forwarding the
	// response downstream. The wire field is historically named
	// "keepHeaders"; the Go field is named for what it does (see
	// SPEC_FULL.md §9 — wire compatibility is preserved via the YAML tag
	// on the decode-time struct, not here).
	DeleteHeaders []string
	Status        int // 0 means "leave upstream status unchanged"
}

// ProxyMods is Proxy's optional modifyResponse block.
type ProxyMods struct {
	HeaderMods
}

// BodyPatch sets the JSON value at a dotted path (internal/jsonpath) within
// a Fips response body.
type BodyPatch struct {
	At   string
	With interface{}
}

// FipsMods is Fips's optional modifyResponse block; it additionally allows
// dotted-path body patches.
type FipsMods struct {
	HeaderMods
	Body []BodyPatch
}

// ProxyAction forwards the request verbatim to ForwardURI and relays the
// upstream response, optionally modified.
type ProxyAction struct {
	ForwardURI     string
	ModifyResponse *ProxyMods
}

// FipsAction forwards the request to ForwardURI, re-parses the upstream
// response as JSON, and applies ModifyResponse including body patches.
type FipsAction struct {
	ForwardURI     string
	ModifyResponse *FipsMods
}

// Then is a sum type over the four response-producing actions. Exactly one
// of Mock/Static/Proxy/Fips is non-nil, matching Kind.
type Then struct {
	Kind   ActionKind
	Mock   *MockAction
	Static *StaticAction
	Proxy  *ProxyAction
	Fips   *FipsAction
}

// PluginRef names a native plugin library the loader opens (Path) for a
// rule. Name and Args are carried from the rule file; body expansion does
// not read them — it invokes the functions named in the body itself.
type PluginRef struct {
	Path string
	Name string
	Args interface{}
}

// With holds per-rule knobs outside the matching pipeline: an artificial
// delay, a probabilistic skip, and the plugin libraries to load for the
// rule.
type With struct {
	SleepMS uint64
	// Probability is nil when the rule carries no probability gate (always
	// admit). A non-nil 0 means the rule never admits; roll() >= *Probability
	// rejects otherwise. float32 can't distinguish "absent" from "zero" on
	// its own, hence the pointer.
	Probability *float32
	Plugins     []PluginRef
}

// Rule is one entry of a RuleSet: a When/Then pair plus transient
// attributes: the source path and the UI flags Selected and Active. A Rule
// holds no plugin registry of its own; plugin functions are looked up in
// the shared plugin.Registry.
type Rule struct {
	Name       string
	When       When
	Then       Then
	With       *With
	SourcePath string

	Selected bool
	Active   bool

	compileOnce    sync.Once
	compiledRegexp []*regexp.Regexp
	compileErr     error
}

// RuleSet wraps a single Rule, mirroring the wire file's `- Rule: {...}`
// tagged-sequence shape.
type RuleSet struct {
	Rule Rule
}

// compiledURIPatterns lazily compiles and caches every MatchesURIs regex for
// r. Compilation happens once per Rule value, not once per request.
func (r *Rule) compiledURIPatterns() ([]*regexp.Regexp, error) {
	r.compileOnce.Do(func() {
		r.compiledRegexp = make([]*regexp.Regexp, 0, len(r.When.MatchesURIs))
		for _, m := range r.When.MatchesURIs {
			re, err := regexp.Compile(m.URI)
			if err != nil {
				r.compileErr = fmt.Errorf("rule %q: invalid uri pattern %q: %w", r.Name, m.URI, err)
				return
			}
			r.compiledRegexp = append(r.compiledRegexp, re)
		}
	})
	return r.compiledRegexp, r.compileErr
}

// Validate eagerly checks r's structural well-formedness: every
// MatchesURIs pattern compiles as a regexp, and (for Fips actions) every
// modify_response.body patch targets a well-formed dotted path. Rules are
// already validated lazily on first match via ShouldApply; Validate lets
// the loader surface the same errors at startup instead of at request
// time.
func (r *Rule) Validate() error {
	if _, err := r.compiledURIPatterns(); err != nil {
		return err
	}
	if r.Then.Kind == ActionFips && r.Then.Fips != nil && r.Then.Fips.ModifyResponse != nil {
		for _, patch := range r.Then.Fips.ModifyResponse.Body {
			if patch.At == "" {
				return fmt.Errorf("rule %q: modify_response.body patch has an empty \"at\" path", r.Name)
			}
		}
	}
	return nil
}

// FailureKind classifies why ShouldApply rejected a request.
type FailureKind string

const (
	FailureURIMismatch        FailureKind = "UriMismatch"
	FailureMethodMismatch     FailureKind = "MethodMismatch"
	FailureBodyMismatch       FailureKind = "BodyMismatch"
	FailureProbabilitySkipped FailureKind = "ProbabilitySkipped"
)

// MatchFailure is returned by ShouldApply when a predicate in the pipeline
// rejects the request.
type MatchFailure struct {
	Kind FailureKind
	Rule string
}

func (f *MatchFailure) Error() string {
	return fmt.Sprintf("rule %q: %s", f.Rule, f.Kind)
}

// ShouldApply runs the ordered URI -> method -> body -> probability
// predicate pipeline against req. It returns nil when every predicate
// passes, or the first *MatchFailure encountered otherwise.
func (r *Rule) ShouldApply(req *intermediary.Intermediary, roll func() float32) error {
	patterns, err := r.compiledURIPatterns()
	if err != nil {
		return err
	}

	if len(patterns) > 0 {
		path := uriPath(req.URI)
		matched := false
		for _, re := range patterns {
			if re.MatchString(path) {
				matched = true
				break
			}
		}
		if !matched {
			return &MatchFailure{Kind: FailureURIMismatch, Rule: r.Name}
		}
	}

	if len(r.When.MatchesMethods) > 0 {
		matched := false
		for _, m := range r.When.MatchesMethods {
			if m == req.Method {
				matched = true
				break
			}
		}
		if !matched {
			return &MatchFailure{Kind: FailureMethodMismatch, Rule: r.Name}
		}
	}

	if r.When.BodyContains != "" {
		raw, err := jsonBodyAsString(req.Body)
		if err != nil || !contains(raw, r.When.BodyContains) {
			return &MatchFailure{Kind: FailureBodyMismatch, Rule: r.Name}
		}
	}

	if r.With != nil && r.With.Probability != nil {
		if roll == nil {
			roll = rand.Float32
		}
		if roll() >= *r.With.Probability {
			return &MatchFailure{Kind: FailureProbabilitySkipped, Rule: r.Name}
		}
	}

	return nil
}

// uriPath strips the query string, matching spec §4.3's "match against
// intermediary.uri.path (path only, not full URI)".
func uriPath(uri string) string {
	if i := indexOf(uri, "?"); i >= 0 {
		return uri[:i]
	}
	return uri
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

func jsonBodyAsString(body interface{}) (string, error) {
	if body == nil {
		return "", nil
	}
	s, ok := body.(string)
	if ok {
		return s, nil
	}
	// Non-string JSON bodies are rendered back to text for substring
	// matching so bodyContains works against object/array payloads too.
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// --- YAML wire decoding ---------------------------------------------------

type ruleFileYAML []ruleSetYAML

type ruleSetYAML struct {
	Rule ruleYAML `yaml:"Rule"`
}

type ruleYAML struct {
	Name string   `yaml:"name"`
	When whenYAML `yaml:"when"`
	Then Then     `yaml:"then"`
	With *withYAML `yaml:"with"`
}

type whenYAML struct {
	MatchesURIs    []matchURIYAML `yaml:"matchesUris"`
	MatchesMethods []string       `yaml:"matchesMethods"`
	BodyContains   string         `yaml:"bodyContains"`
}

type matchURIYAML struct {
	URI  string `yaml:"uri"`
	Body string `yaml:"body"`
}

type withYAML struct {
	Sleep       uint64          `yaml:"sleep"`
	Probability *float32        `yaml:"probability"`
	Plugins     []pluginRefYAML `yaml:"plugins"`
}

type pluginRefYAML struct {
	Path string      `yaml:"path"`
	Name string      `yaml:"name"`
	Args interface{} `yaml:"args"`
}

type modifyResponseYAML struct {
	SetHeaders    map[string]string `yaml:"setHeaders"`
	DeleteHeaders []string          `yaml:"keepHeaders"`
	Status        string            `yaml:"status"`
	Body          []bodyPatchYAML   `yaml:"body"`
}

type bodyPatchYAML struct {
	At   string      `yaml:"at"`
	With interface{} `yaml:"with"`
}

type thenYAML struct {
	FunctionAs     string              `yaml:"functionAs"`
	ForwardURI     string              `yaml:"forwardUri"`
	BaseDir        string              `yaml:"baseDir"`
	Body           interface{}         `yaml:"body"`
	Status         string              `yaml:"status"`
	Headers        map[string]string   `yaml:"headers"`
	ModifyResponse *modifyResponseYAML `yaml:"modifyResponse"`
}

// UnmarshalYAML decodes the tagged-union wire shape into the concrete Then
// variant named by functionAs.
func (t *Then) UnmarshalYAML(value *yaml.Node) error {
	var raw thenYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	status, err := parseOptionalStatus(raw.Status)
	if err != nil {
		return err
	}

	switch ActionKind(raw.FunctionAs) {
	case ActionMock:
		t.Kind = ActionMock
		t.Mock = &MockAction{Body: raw.Body, Status: status, Headers: raw.Headers}
	case ActionStatic:
		t.Kind = ActionStatic
		t.Static = &StaticAction{BaseDir: raw.BaseDir}
	case ActionProxy:
		if raw.ForwardURI == "" {
			return fmt.Errorf("rules: then.functionAs Proxy requires forwardUri")
		}
		t.Kind = ActionProxy
		action := &ProxyAction{ForwardURI: raw.ForwardURI}
		if raw.ModifyResponse != nil {
			modStatus, err := parseOptionalStatus(raw.ModifyResponse.Status)
			if err != nil {
				return err
			}
			action.ModifyResponse = &ProxyMods{HeaderMods{
				SetHeaders:    raw.ModifyResponse.SetHeaders,
				DeleteHeaders: raw.ModifyResponse.DeleteHeaders,
				Status:        modStatus,
			}}
		}
		t.Proxy = action
	case ActionFips:
		if raw.ForwardURI == "" {
			return fmt.Errorf("rules: then.functionAs Fips requires forwardUri")
		}
		t.Kind = ActionFips
		action := &FipsAction{ForwardURI: raw.ForwardURI}
		if raw.ModifyResponse != nil {
			modStatus, err := parseOptionalStatus(raw.ModifyResponse.Status)
			if err != nil {
				return err
			}
			patches := make([]BodyPatch, len(raw.ModifyResponse.Body))
			for i, p := range raw.ModifyResponse.Body {
				patches[i] = BodyPatch{At: p.At, With: p.With}
			}
			action.ModifyResponse = &FipsMods{
				HeaderMods: HeaderMods{
					SetHeaders:    raw.ModifyResponse.SetHeaders,
					DeleteHeaders: raw.ModifyResponse.DeleteHeaders,
					Status:        modStatus,
				},
				Body: patches,
			}
		}
		t.Fips = action
	default:
		return fmt.Errorf("rules: unknown then.functionAs %q", raw.FunctionAs)
	}

	return nil
}

func parseOptionalStatus(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("rules: invalid status %q: %w", s, err)
	}
	return n, nil
}

// Decode parses a rule file's bytes into a slice of RuleSet, stamping
// sourcePath onto every decoded Rule.
func Decode(data []byte, sourcePath string) ([]RuleSet, error) {
	var raw ruleFileYAML
	if err := yamlutil.UnmarshalStrict(data, &raw); err != nil {
		return nil, err
	}

	out := make([]RuleSet, len(raw))
	for i, rs := range raw {
		rule := Rule{
			Name:       rs.Rule.Name,
			When:       fromWhenYAML(rs.Rule.When),
			Then:       rs.Rule.Then,
			SourcePath: sourcePath,
		}
		if rs.Rule.With != nil {
			plugins := make([]PluginRef, len(rs.Rule.With.Plugins))
			for j, p := range rs.Rule.With.Plugins {
				plugins[j] = PluginRef{Path: p.Path, Name: p.Name, Args: p.Args}
			}
			rule.With = &With{
				SleepMS:     rs.Rule.With.Sleep,
				Probability: rs.Rule.With.Probability,
				Plugins:     plugins,
			}
		}
		out[i] = RuleSet{Rule: rule}
	}
	return out, nil
}

func fromWhenYAML(w whenYAML) When {
	uris := make([]MatchURI, len(w.MatchesURIs))
	for i, m := range w.MatchesURIs {
		uris[i] = MatchURI{URI: m.URI, Body: m.Body}
	}
	return When{
		MatchesURIs:    uris,
		MatchesMethods: w.MatchesMethods,
		BodyContains:   w.BodyContains,
	}
}
