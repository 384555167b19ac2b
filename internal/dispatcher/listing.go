package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/registry"
	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
)

// routeTable is the immutable view of one configuration generation.
type routeTable struct {
	cfg     *config.Config
	invoker Invoker
	roles   map[string]config.RoleToolConfig
	wrapped map[string]*config.ToolProxyRule // provider/upstream name
	exposed map[string]*config.ToolProxyRule // exposed name
}

func newRouteTable(cfg *config.Config, invoker Invoker) *routeTable {
	t := &routeTable{
		cfg:     cfg,
		invoker: invoker,
		roles:   make(map[string]config.RoleToolConfig, len(cfg.Roles)),
		wrapped: make(map[string]*config.ToolProxyRule, len(cfg.ProxyRules)),
		exposed: make(map[string]*config.ToolProxyRule, len(cfg.ProxyRules)),
	}
	for _, r := range cfg.Roles {
		t.roles[r.Role] = r
	}
	for i := range cfg.ProxyRules {
		r := &cfg.ProxyRules[i]
		t.wrapped[r.Provider+"/"+r.UpstreamToolName] = r
		t.exposed[r.ExposedToolName] = r
	}
	return t
}

// roleView is a role's merged tool list plus the providers that could not be listed.
type roleView struct {
	role     config.RoleToolConfig
	tools    map[string]*tool
	order    []string
	remote   int
	failures map[string]error
	failed   []string // failure providers in server order
}

func (v *roleView) add(t *tool) {
	v.tools[t.def.Name] = t
	v.order = append(v.order, t.def.Name)
}

// fetchOutput holds one provider's listing alongside its error.
type fetchOutput struct {
	provider string
	set      *registry.CachedToolSet
	err      error
}

// fetchAll lists every remote provider of the role in parallel. Each goroutine
// sends through a buffered channel, so none block if the caller stops reading.
// The registry returns as soon as ctx is done, which bounds the wait.
func (d *Dispatcher) fetchAll(ctx context.Context, servers []config.ServerEntry) map[string]fetchOutput {
	var remote []string
	for _, s := range servers {
		if s.Transport == config.ServerTransportRemote {
			remote = append(remote, s.Provider)
		}
	}

	ch := make(chan fetchOutput, len(remote))
	for _, provider := range remote {
		go func(provider string) {
			set, err := d.tools.ListTools(ctx, provider)
			ch <- fetchOutput{provider: provider, set: set, err: err}
		}(provider)
	}

	out := make(map[string]fetchOutput, len(remote))
	for range remote {
		o := <-ch
		out[o.provider] = o
	}
	return out
}

// view builds the role's merged tool list. Servers are merged in configuration
// order; the first server to expose a name wins.
func (d *Dispatcher) view(ctx context.Context, tbl *routeTable, role config.RoleToolConfig) *roleView {
	fetched := d.fetchAll(ctx, role.Servers)
	v := &roleView{
		role:     role,
		tools:    make(map[string]*tool),
		remote:   len(fetched),
		failures: make(map[string]error),
	}

	for _, s := range role.Servers {
		switch s.Transport {
		case config.ServerTransportLocal:
			for _, def := range localDefinitions() {
				if s.Visible(def.Name) {
					d.merge(v, &tool{def: def, route: RouteLocal, provider: config.LocalProvider, readOnly: true})
				}
			}
		case config.ServerTransportRemote:
			o := fetched[s.Provider]
			if o.err != nil {
				v.failures[s.Provider] = o.err
				v.failed = append(v.failed, s.Provider)
				continue
			}
			for _, name := range o.set.Names() {
				def, _ := o.set.Tool(name)
				t := d.classify(tbl, s.Provider, def)
				if t == nil || !s.Visible(t.def.Name) {
					continue
				}
				d.merge(v, t)
			}
		}
	}
	return v
}

// classify decides how one upstream tool is exposed. A pass-through tool whose
// name is claimed by a proxy rule is dropped.
func (d *Dispatcher) classify(tbl *routeTable, provider string, def schema.ToolDefinition) *tool {
	if rule, ok := tbl.wrapped[provider+"/"+def.Name]; ok {
		return &tool{
			def:      schema.Transform(def, *rule),
			route:    RouteProxied,
			provider: provider,
			upstream: def,
			rule:     rule,
		}
	}
	if rule, clash := tbl.exposed[def.Name]; clash {
		d.logger.Error("upstream tool collides with a proxied tool name, dropping it",
			zap.String("provider", provider),
			zap.String("tool", def.Name),
			zap.String("proxy_provider", rule.Provider),
			zap.String("proxy_upstream_tool", rule.UpstreamToolName),
		)
		return nil
	}
	return &tool{
		def:      schema.Expose(def),
		route:    RoutePassThrough,
		provider: provider,
		upstream: def,
		readOnly: def.ReadOnly() || tbl.invoker.IsReadOnly(provider, def.Name),
	}
}

func (d *Dispatcher) merge(v *roleView, t *tool) {
	if prev, dup := v.tools[t.def.Name]; dup {
		d.logger.Error("duplicate tool name in role, keeping the first server's tool",
			zap.String("role", v.role.Role),
			zap.String("tool", t.def.Name),
			zap.String("kept_provider", prev.provider),
			zap.String("dropped_provider", t.provider),
		)
		return
	}
	v.add(t)
}
