package kmain

import (
	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/boot"
	"github.com/opencore/kernel/kernel/goruntime"
	"github.com/opencore/kernel/kernel/hal"
	"github.com/opencore/kernel/kernel/hal/multiboot"
	"github.com/opencore/kernel/kernel/initreg"
	"github.com/opencore/kernel/kernel/kfmt/early"
	"github.com/opencore/kernel/kernel/mem/pmm/allocator"
	"github.com/opencore/kernel/kernel/mem/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// registerComponents wires the allocator/vmm/goruntime chain into the
// Bootstrap stage of a ComponentInitRegistry, preserving their original
// fixed order (allocator, then vmm, then goruntime) via DependsOn instead of
// the teacher's hardcoded if/else-if chain.
func registerComponents(kernelStart, kernelEnd uintptr) *initreg.Registry {
	r := initreg.New(nil)

	r.Register(initreg.Component{
		Name:  "pmm.allocator",
		Stage: initreg.Bootstrap,
		Init:  func() *kernel.Error { return allocator.Init(kernelStart, kernelEnd) },
	})
	r.Register(initreg.Component{
		Name:      "mem.vmm",
		Stage:     initreg.Bootstrap,
		DependsOn: []string{"pmm.allocator"},
		Init:      vmm.Init,
	})
	r.Register(initreg.Component{
		Name:      "goruntime",
		Stage:     initreg.Bootstrap,
		DependsOn: []string{"mem.vmm"},
		Init:      goruntime.Init,
	})

	return r
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	// Bootstrap-stage failures are always fatal (RunStage panics on any
	// init failure in the Bootstrap stage), and each component registered
	// here depends on the one before it, so none is skipped without an
	// earlier panic; the returned warning list is always empty and ignored.
	registerComponents(kernelStart, kernelEnd).RunStage(initreg.Bootstrap)

	if err := boot.InitFromMultiboot(); err != nil {
		kernel.Panic(err)
	}
	for _, w := range boot.KernelCmdline().Flags {
		early.Printf("boot: cmdline flag %s\n", w)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
