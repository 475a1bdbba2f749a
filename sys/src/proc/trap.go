package proc

import (
	"fmt"

	"golang.org/x/arch/riscv64/riscv64asm"

	"klog"
)

// TrapFrame mirrors the register save area built by the trap entry stub:
// the 32 general-purpose registers plus the supervisor CSRs read and
// written around a trap.
type TrapFrame struct {
	X       [32]uint64
	Sepc    uint64
	Scause  uint64
	Sstatus uint64
	Sie     uint64
	Stval   uint64
}

// scause values for the exceptions this kernel handles; numbering is the
// standard RISC-V privileged-architecture exception code assignment.
const (
	ScauseInstrMisaligned = 0
	ScauseInstrFault      = 1
	ScauseIllegalInstr    = 2
	ScauseBreakpoint      = 3
	ScauseLoadMisaligned  = 4
	ScauseLoadFault       = 5
	ScauseStoreMisaligned = 6
	ScauseStoreFault      = 7
	ScauseEcallFromU      = 8
	ScauseEcallFromS      = 9
	ScauseInstrPageFault  = 12
	ScauseLoadPageFault   = 13
	ScauseStorePageFault  = 15
)

var excpNames = map[uint64]string{
	ScauseInstrMisaligned: "instruction address misaligned",
	ScauseInstrFault:      "instruction access fault",
	ScauseIllegalInstr:    "illegal instruction",
	ScauseBreakpoint:      "breakpoint",
	ScauseLoadMisaligned:  "load address misaligned",
	ScauseLoadFault:       "load access fault",
	ScauseStoreMisaligned: "store address misaligned",
	ScauseStoreFault:      "store access fault",
	ScauseEcallFromU:      "ecall from U-mode",
	ScauseEcallFromS:      "ecall from S-mode",
	ScauseInstrPageFault:  "instruction page fault",
	ScauseLoadPageFault:   "load page fault",
	ScauseStorePageFault:  "store page fault",
}

// sstatus bits touched on the return-to-user path.
const (
	sstatusSPP  = 1 << 8
	sstatusSPIE = 1 << 5
)

// TrapDispatch handles one trap into supervisor mode for p, routing
// ecalls to the syscall layer and page faults to the address space's
// fault handler. ram/ramBase, when non-nil, let the default handler
// disassemble the faulting instruction for diagnostics; either may be
// left zero-valued when unavailable.
func TrapDispatch(sl *SyscallLayer, p *Process, tf *TrapFrame, ram []byte, ramBase uintptr) {
	switch tf.Scause {
	case ScauseEcallFromU:
		klog.Debug("pid %d: syscall at sepc %#x", p.Pid, tf.Sepc)
		tf.Sepc += 4
		sl.Dispatch(p, tf)
	case ScauseStorePageFault, ScauseLoadPageFault:
		err := p.As.HandleFault(uintptr(tf.Stval))
		if err != 0 {
			defaultHandler(p, tf, ram, ramBase)
		}
	default:
		defaultHandler(p, tf, ram, ramBase)
	}
}

func defaultHandler(p *Process, tf *TrapFrame, ram []byte, ramBase uintptr) {
	name, ok := excpNames[tf.Scause]
	if !ok {
		name = fmt.Sprintf("unknown exception %d", tf.Scause)
	}
	detail := ""
	if ram != nil && tf.Sepc >= uint64(ramBase) {
		off := tf.Sepc - uint64(ramBase)
		if int(off)+4 <= len(ram) {
			if inst, err := riscv64asm.Decode(ram[off : off+4]); err == nil {
				detail = inst.String()
			}
		}
	}
	klog.Fatal("pid %d: %s at sepc %#x (%s)", p.Pid, name, tf.Sepc, detail)
}
