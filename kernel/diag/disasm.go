// Package diag provides post-mortem diagnostics for kernel panics: decoding
// the faulting instruction at a panic site, and dumping a sampled-RIP
// profile in pprof's wire format. Grounded on gokvm's use of
// golang.org/x/arch/x86/x86asm (machine.go's GetReg maps x86asm.Reg values
// onto register state, the same register-identification problem this
// package's Decode step solves for a faulting RIP) and on
// Oichkatzelesfrettschen-biscuit's go.mod carrying github.com/google/pprof
// as a profiling dependency.
package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DecodeFaultingInstruction disassembles the single amd64 instruction at the
// start of code (which the caller must have already read out of the
// faulting RIP, since decoding needs a byte slice, not a live pointer into
// possibly-unmapped memory) and renders it in Go asm syntax, prefixed with
// the RIP it was fetched from. Returns a best-effort message instead of an
// error when the bytes cannot be decoded, since this runs on an already-
// fatal panic path where a second failure must not prevent the original
// panic from being reported.
func DecodeFaultingInstruction(code []byte, rip uint64) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("<could not decode instruction at %#x: %s>", rip, err)
	}
	return fmt.Sprintf("%#x: %s", rip, x86asm.GoSyntax(inst, rip, nil))
}

// maxInstructionLen is the longest possible x86-64 instruction encoding;
// callers reading raw bytes out of a faulting RIP should read this many
// bytes (clamped to a mapped page boundary) before calling
// DecodeFaultingInstruction.
const maxInstructionLen = 15
