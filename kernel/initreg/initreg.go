// Package initreg implements the ComponentInitRegistry (spec.md §7): a
// named, staged, dependency-ordered collection of subsystem init callbacks
// whose failures are collected as warnings rather than treated as fatal, so
// the kernel can boot with degraded functionality instead of panicking the
// way a failure in boot parsing does. Grounded on the teacher's kmain.Kmain,
// which calls allocator.Init, vmm.Init and goruntime.Init in a fixed,
// dependency-driven sequence and panics on the first failure; this package
// generalizes that chain into data plus a runner, and downgrades failures to
// warnings for every stage after Bootstrap. Uses github.com/sirupsen/logrus
// for structured per-component diagnostics, per SPEC_FULL.md's DOMAIN STACK
// table.
package initreg

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opencore/kernel/kernel"
)

// Stage orders when a component's Init callback may run relative to others.
type Stage uint8

const (
	// Bootstrap covers the allocator/vmm/goruntime chain: a failure here is
	// always fatal regardless of the component's own FailFast setting,
	// since nothing past it can run without a working address space.
	Bootstrap Stage = iota
	// Kthread covers subsystems that need working goroutine-equivalent
	// scheduling (the teacher's goruntime) but run before user processes.
	Kthread
	// Process covers everything that can tolerate being skipped: device
	// drivers, diagnostics, optional subsystems.
	Process
	numStages
)

func (s Stage) String() string {
	switch s {
	case Bootstrap:
		return "bootstrap"
	case Kthread:
		return "kthread"
	case Process:
		return "process"
	default:
		return "unknown"
	}
}

// InitFunc performs one component's initialization.
type InitFunc func() *kernel.Error

// Component is one named, registered unit of subsystem initialization.
type Component struct {
	// Name identifies the component in logs and in other components'
	// DependsOn lists. Must be unique within the registry.
	Name string

	// Stage is the phase this component's Init runs in.
	Stage Stage

	// DependsOn names components (any stage) that must have already run
	// successfully before this one starts. A missing or failed dependency
	// causes this component to be skipped with a warning, without ever
	// calling Init.
	DependsOn []string

	// FailFast, when true, makes a failure in Init fatal (kernel.Panic)
	// instead of a collected warning. Bootstrap-stage components are
	// always treated as FailFast regardless of this field.
	FailFast bool

	// Init performs the component's setup.
	Init InitFunc
}

// Warning describes one component that did not complete initialization.
type Warning struct {
	Component string
	Err       *kernel.Error
}

// Registry holds registered components and runs them stage by stage.
type Registry struct {
	components []Component
	succeeded  map[string]bool
	log        *logrus.Logger
}

// New constructs an empty Registry, logging through the given logrus
// Logger. Passing nil uses logrus.StandardLogger().
func New(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{succeeded: make(map[string]bool), log: log}
}

// Register adds a component. Panics (at registration time, not boot time)
// if the name is already registered, since that is always a programming
// error in the static component list.
func (r *Registry) Register(c Component) {
	for _, existing := range r.components {
		if existing.Name == c.Name {
			panic(fmt.Sprintf("initreg: duplicate component name %q", c.Name))
		}
	}
	r.components = append(r.components, c)
}

// RunStage runs every registered component in the given stage whose
// dependencies have already succeeded, in registration order, and returns
// a Warning for each one that was skipped or failed. A Bootstrap-stage (or
// FailFast) failure instead calls kernel.Panic immediately and does not
// return.
func (r *Registry) RunStage(stage Stage) []Warning {
	var warnings []Warning

	for _, c := range r.components {
		if c.Stage != stage {
			continue
		}

		log := r.log.WithFields(logrus.Fields{"component": c.Name, "stage": stage.String()})

		missing := r.unsatisfiedDeps(c.DependsOn)
		if len(missing) > 0 {
			err := kernel.NewError("initreg", fmt.Sprintf("skipped %q: unmet dependency %q", c.Name, missing[0]), kernel.ErrNotFound)
			log.WithField("missing_dependency", missing[0]).Warn("skipping component: unmet dependency")
			warnings = append(warnings, Warning{Component: c.Name, Err: err})
			continue
		}

		if err := c.Init(); err != nil {
			if stage == Bootstrap || c.FailFast {
				log.WithError(err).Error("fatal component init failure")
				kernel.Panic(err)
			}
			log.WithError(err).Warn("component init failed; continuing with degraded functionality")
			warnings = append(warnings, Warning{Component: c.Name, Err: err})
			continue
		}

		log.Info("component initialized")
		r.succeeded[c.Name] = true
	}

	return warnings
}

// RunAll runs every stage in order (Bootstrap, Kthread, Process) and
// returns the concatenation of every stage's warnings.
func (r *Registry) RunAll() []Warning {
	var warnings []Warning
	for stage := Bootstrap; stage < numStages; stage++ {
		warnings = append(warnings, r.RunStage(stage)...)
	}
	return warnings
}

func (r *Registry) unsatisfiedDeps(deps []string) []string {
	var missing []string
	for _, d := range deps {
		if !r.succeeded[d] {
			missing = append(missing, d)
		}
	}
	return missing
}
