package pass

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/statelessml/pagedattn/ir"
)

// GraphRewrite is one best-effort rewrite pass. Run reports whether it
// changed the graph; a pass finding zero matches is not a failure.
type GraphRewrite interface {
	Name() string
	Run(g *ir.Graph, rctx *RewriteContext) bool
}

// Manager runs a fixed ordered list of rewrite passes, once, with no
// retries. Per-pass validation may be disabled when a sequence is only
// structurally consistent as a whole.
type Manager struct {
	passes            []GraphRewrite
	perPassValidation bool
}

// NewManager creates an empty manager with per-pass validation enabled.
func NewManager() *Manager {
	return &Manager{perPassValidation: true}
}

// SetPerPassValidation toggles graph validation between passes.
func (m *Manager) SetPerPassValidation(enabled bool) *Manager {
	m.perPassValidation = enabled
	return m
}

// Register appends a pass to the run order.
func (m *Manager) Register(p GraphRewrite) *Manager {
	m.passes = append(m.passes, p)
	return m
}

// Run executes the registered passes in order. It never aborts on a pass
// that matches nothing; the only error source is inter-pass validation,
// when enabled.
func (m *Manager) Run(g *ir.Graph, rctx *RewriteContext) error {
	for _, p := range m.passes {
		changed := p.Run(g, rctx)
		klog.V(2).Infof("pass %s: changed=%v", p.Name(), changed)
		if m.perPassValidation {
			if err := g.Validate(); err != nil {
				return errors.WithMessagef(err, "graph invalid after pass %s", p.Name())
			}
		}
	}
	return nil
}
