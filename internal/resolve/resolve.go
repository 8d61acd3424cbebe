// Package resolve implements the dependency resolution engine (component B,
// spec §4.B): given one agent's declared tool list and the current set of
// healthy providers, it computes an ordered resolution list per tool.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"agentmesh/internal/store"
)

// Status is the resolution outcome for one declared dependency.
type Status string

const (
	Available   Status = "available"
	Unavailable Status = "unavailable"
)

// Resolution is one resolved dependency slot in a consumer's ordered list.
// Endpoint and FunctionName are left for the caller to fill in once it has
// looked up the winning agent's Tool entry for this capability: a
// CapabilityRecord only carries the capability's own name and version, not
// the tool that advertises it or the agent's endpoint.
type Resolution struct {
	Capability     string         `json:"capability"`
	AgentID        string         `json:"agent_id,omitempty"`
	ProviderVersion string        `json:"provider_version,omitempty"`
	FunctionName   string         `json:"function_name,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Status         Status         `json:"status"`
	Kwargs         map[string]any `json:"kwargs,omitempty"`
}

// Engine resolves dependencies against a store.Store's current provider set.
type Engine struct {
	providers ProviderLookup
}

// ProviderLookup abstracts the store so the resolver is testable without a
// live database.
type ProviderLookup interface {
	FindProviders(capabilityName, namespace string) ([]store.CapabilityRecord, error)
}

func New(lookup ProviderLookup) *Engine {
	return &Engine{providers: lookup}
}

// ResolveTool resolves every declared dependency of one tool, in order,
// against the consumer's namespace (used for the same-namespace tie-break
// and for namespace-scoped dependencies).
func (e *Engine) ResolveTool(consumerNamespace string, tool store.Tool) ([]Resolution, error) {
	out := make([]Resolution, 0, len(tool.Dependencies))
	for _, dep := range tool.Dependencies {
		r, err := e.resolveDependency(consumerNamespace, dep)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) resolveDependency(consumerNamespace string, dep store.Dependency) (Resolution, error) {
	lookupNamespace := dep.Namespace
	candidates, err := e.providers.FindProviders(dep.Capability, lookupNamespace)
	if err != nil {
		return Resolution{}, err
	}

	candidates = filterByTags(candidates, dep.Tags, dep.TagAlternatives)
	candidates, err = filterByVersion(candidates, dep.VersionConstraint)
	if err != nil {
		return Resolution{}, err
	}

	if len(candidates) == 0 {
		return Resolution{Capability: dep.Capability, Status: Unavailable}, nil
	}

	winner := tieBreak(candidates, consumerNamespace)
	return Resolution{
		Capability:      dep.Capability,
		AgentID:         winner.AgentID,
		ProviderVersion: winner.Version,
		Status:          Available,
		Kwargs:          dep.Kwargs,
	}, nil
}

func filterByTags(candidates []store.CapabilityRecord, required []string, alternatives [][]string) []store.CapabilityRecord {
	if len(required) == 0 && len(alternatives) == 0 {
		return candidates
	}
	var out []store.CapabilityRecord
	for _, c := range candidates {
		have := toSet(c.Tags)
		if !supersetOf(have, required) {
			continue
		}
		if len(alternatives) > 0 && !satisfiesAnyGroup(have, alternatives) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func toSet(tags []string) map[string]bool {
	s := make(map[string]bool, len(tags))
	for _, t := range tags {
		s[t] = true
	}
	return s
}

func supersetOf(have map[string]bool, want []string) bool {
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

func satisfiesAnyGroup(have map[string]bool, groups [][]string) bool {
	for _, g := range groups {
		if supersetOf(have, g) {
			return true
		}
	}
	return false
}

func filterByVersion(candidates []store.CapabilityRecord, constraint string) ([]store.CapabilityRecord, error) {
	if constraint == "" {
		return candidates, nil
	}
	nativeConstraint, err := translateConstraint(constraint)
	if err != nil {
		return nil, err
	}
	c, err := semver.NewConstraint(nativeConstraint)
	if err != nil {
		return nil, err
	}

	var out []store.CapabilityRecord
	for _, cand := range candidates {
		v, err := semver.NewVersion(normalizeVersion(cand.Version))
		if err != nil {
			continue // unparseable versions never match a constraint
		}
		if c.Check(v) {
			out = append(out, cand)
		}
	}
	return out, nil
}

// translateConstraint rewrites the spec's grammar (§4.B: =, >, >=, <, <=,
// ~, ^) into Masterminds/semver's native constraint syntax. The library
// already understands ~ and ^ the same way the spec defines them for
// X>=1 (tilde: compatible within X.Y.*; caret: compatible within X.*.*
// unless X=0, then 0.Y.*) — except Masterminds narrows ^0.0.Z to the single
// patch release (matching npm's stricter convention), where the spec wants
// the wider 0.Y.* = 0.0.* band. That one case is rewritten to an explicit
// range; everything else passes through, with only the bare "=" prefix
// normalized away.
func translateConstraint(c string) (string, error) {
	c = strings.TrimSpace(c)
	if strings.HasPrefix(c, "=") {
		return strings.TrimPrefix(c, "="), nil
	}
	if strings.HasPrefix(c, "^") {
		if rng, ok := caretZeroZeroRange(strings.TrimPrefix(c, "^")); ok {
			return rng, nil
		}
	}
	return c, nil
}

// caretZeroZeroRange handles ^0.0.Z: the spec defines caret's X=0 case as
// 0.Y.*, which for Y=0 means the whole 0.0.* band (>=0.0.Z <0.1.0), wider
// than Masterminds' npm-style ^0.0.Z (exact patch only).
func caretZeroZeroRange(version string) (string, bool) {
	v, err := semver.NewVersion(normalizeVersion(version))
	if err != nil || v.Major() != 0 || v.Minor() != 0 {
		return "", false
	}
	return fmt.Sprintf(">=%s, <0.1.0", v.String()), true
}

// normalizeVersion tolerates the lenient pre-release comparison the spec
// asks for; semver.NewVersion already accepts a "-prerelease" suffix and
// compares it lexicographically relative to other pre-releases, so no
// rewriting is needed beyond trimming whitespace.
func normalizeVersion(v string) string {
	return strings.TrimSpace(v)
}

// tieBreak implements the deterministic ordering from spec §4.B step 4:
// prefer same namespace as the consumer, then higher version, then
// lexicographically smaller agent_id.
func tieBreak(candidates []store.CapabilityRecord, consumerNamespace string) store.CapabilityRecord {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aSame, bSame := sameNamespace(a, consumerNamespace), sameNamespace(b, consumerNamespace)
		if aSame != bSame {
			return aSame
		}
		av, aerr := semver.NewVersion(normalizeVersion(a.Version))
		bv, berr := semver.NewVersion(normalizeVersion(b.Version))
		if aerr == nil && berr == nil {
			if cmp := av.Compare(bv); cmp != 0 {
				return cmp > 0 // higher version first
			}
		}
		return a.AgentID < b.AgentID
	})
	return candidates[0]
}

// sameNamespace reports whether the candidate's owning agent is in the
// consumer's namespace. This only ever distinguishes candidates when the
// dependency declared no namespace restriction: FindProviders already
// filters to a single namespace otherwise, so every remaining candidate
// would agree.
func sameNamespace(c store.CapabilityRecord, consumerNamespace string) bool {
	return c.AgentNamespace == consumerNamespace
}
