package meshclient

// Rewirer runs the differential rewiring algorithm (spec §4.F) against one
// dependency channel. The LLM-tools channel uses a second, independent
// Rewirer with its own key space and last_hash, so the two channels never
// interfere with each other.
type Rewirer struct {
	agentID     string
	injector    *Injector
	lastHash    string
	selfCallers map[string]func(map[string]any) (any, error)
}

// NewRewirer builds a Rewirer for one channel (the default tool channel, or
// an independent LLM-tools channel) sharing the given Injector.
func NewRewirer(agentID string, injector *Injector) *Rewirer {
	return &Rewirer{agentID: agentID, injector: injector}
}

// FuncIDResolver resolves a wire function_name back to the Go func_id used for
// injector keys. Callers that don't track this mapping (tests, simple
// single-tool agents) may pass an identity function.
type FuncIDResolver func(functionName string) string

// Apply runs steps 1-7 of the rewiring algorithm against a fresh heartbeat
// response's dependencies_resolved map. bodyPresent is false when the response body
// was missing/empty (step 1): resilience requires the caller do nothing
// and keep existing wiring, distinct from a present-but-empty map which
// means "unwire everything".
func (r *Rewirer) Apply(resolved map[string][]Resolution, resolveFuncID FuncIDResolver, bodyPresent bool) error {
	if !bodyPresent {
		return nil
	}

	state := canonicalState(resolved)
	newHash, err := hashState(state)
	if err != nil {
		return err
	}
	if newHash == r.lastHash {
		return nil
	}

	target := make(map[string]bool)
	for functionName, deps := range resolved {
		funcID := resolveFuncID(functionName)
		for i := range deps {
			target[DependencyKey(funcID, i)] = true
		}
	}

	for key := range r.injector.Keys() {
		if !target[key] {
			r.injector.Unregister(key)
		}
	}

	for functionName, deps := range resolved {
		funcID := resolveFuncID(functionName)
		for i, dep := range deps {
			key := DependencyKey(funcID, i)
			if dep.Status != "available" || dep.Endpoint == "" || dep.FunctionName == "" {
				continue
			}
			proxy := r.buildProxy(dep)
			r.injector.Register(key, proxy)
		}
	}

	r.lastHash = newHash
	return nil
}

// buildProxy constructs a self-dependency proxy when the resolution's
// agent_id matches this agent, and a cross-service proxy otherwise (spec
// §4.F step 6). selfCaller, when non-nil, is consulted for self
// dependencies; Rewirer users that don't support in-process self calls get
// a CrossServiceProxy fallback (still correct, just a needless HTTP hop).
func (r *Rewirer) buildProxy(dep Resolution) Proxy {
	if dep.AgentID == r.agentID {
		if caller, ok := r.selfCaller(dep.FunctionName); ok {
			return NewSelfProxy(caller)
		}
	}
	return NewCrossServiceProxy(dep.Endpoint, dep.FunctionName, dep.Kwargs)
}

// selfCaller looks up a locally-registered wrapper invocation by its wire
// function_name, so a self-dependency resolution can be satisfied
// in-process instead of opening a socket to itself.
func (r *Rewirer) selfCaller(functionName string) (func(map[string]any) (any, error), bool) {
	fn, ok := r.selfCallers[functionName]
	return fn, ok
}

// RegisterSelfCaller makes a locally-registered tool callable in-process by
// other tools' self-dependency resolutions.
func (r *Rewirer) RegisterSelfCaller(functionName string, fn func(map[string]any) (any, error)) {
	if r.selfCallers == nil {
		r.selfCallers = make(map[string]func(map[string]any) (any, error))
	}
	r.selfCallers[functionName] = fn
}
