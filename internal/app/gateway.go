package app

import (
	"context"
	"errors"

	"modelhub/internal/core"
	"modelhub/internal/manager"
	"modelhub/internal/router"
	"modelhub/internal/server"
)

// gateway resolves HTTP selections to models: an explicit model id or alias
// goes through the manager, anything else through the router.
type gateway struct {
	manager *manager.Manager
	router  *router.Router
	monitor *router.HealthMonitor
	aliases map[string][]string
	byAlias map[string]string
}

func newGateway(m *manager.Manager, r *router.Router, mon *router.HealthMonitor, aliases map[string][]string) *gateway {
	byAlias := make(map[string]string)
	for id, names := range aliases {
		for _, n := range names {
			byAlias[n] = id
		}
	}
	return &gateway{manager: m, router: r, monitor: mon, aliases: aliases, byAlias: byAlias}
}

func (g *gateway) Resolve(ctx context.Context, sel server.Selection) (core.Model, error) {
	if sel.Model != "" {
		id := sel.Model
		if target, ok := g.byAlias[id]; ok {
			id = target
		}
		if _, ok := g.manager.Config(id); ok {
			return g.model(ctx, id)
		}
		if sel.Vendor == "" && !sel.Fallback {
			return nil, core.NewModelUnavailableError("", "unknown model: "+sel.Model)
		}
	}

	c, err := g.router.Route(router.RoutingContext{
		PreferredVendor: sel.Vendor,
		PreferredModel:  sel.Model,
		FallbackEnabled: sel.Fallback,
	})
	if err != nil {
		return nil, core.NewModelUnavailableError("", err.Error())
	}
	if mc, ok := c.(*router.ModelClient); ok {
		return mc.Model(), nil
	}
	return g.model(ctx, c.Name())
}

func (g *gateway) model(ctx context.Context, id string) (core.Model, error) {
	m, err := g.manager.GetModel(ctx, id)
	if errors.Is(err, manager.ErrNotRegistered) {
		return nil, core.NewModelUnavailableError("", "unknown model: "+id)
	}
	return m, err
}

func (g *gateway) Models() []server.ModelView {
	ids := g.manager.Models()
	out := make([]server.ModelView, 0, len(ids))
	for _, id := range ids {
		cfg, _ := g.manager.Config(id)
		v := server.ModelView{ModelID: id, Vendor: cfg.Vendor, Aliases: g.aliases[id]}
		if m, ok := g.manager.Live(id); ok {
			v.Status = m.Status().String()
		}
		if st, ok := g.monitor.Status(id); ok && !st.LastChecked.IsZero() {
			healthy := st.Healthy
			v.Healthy = &healthy
			v.AvgLatencyMs = st.AvgLatency.Milliseconds()
		}
		out = append(out, v)
	}
	return out
}
