package proc

import (
	"encoding/binary"
	"testing"

	"ahci"
	"defs"
	"fdops"
	"io"
	"limits"
	"mem"
	"vm"
)

func freshKernel(npages int) (*mem.PageTable, mem.Pa_t) {
	alloc := mem.NewPageAllocator(make([]byte, npages*mem.PGSIZE))
	pt := mem.NewPageTable(alloc)
	kroot := vm.InitKernelMap(pt, npages*mem.PGSIZE)
	return pt, kroot
}

func freshTable(t *testing.T) *ProcessTable {
	t.Helper()
	pt, kroot := freshKernel(256)
	return NewProcessTable(pt, kroot, nil)
}

func buildElf(entry, vaddr uint64, data []byte, memsz uint64) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	buf := make([]byte, ehdrSize+phdrSize+len(data))

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	binary.LittleEndian.PutUint16(buf[16:18], 2)   // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 243) // EM_RISCV
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], ehdrSize) // phoff
	binary.LittleEndian.PutUint16(buf[56:58], 1)        // phnum

	ph := buf[ehdrSize:]
	binary.LittleEndian.PutUint32(ph[0:4], 1)   // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 0x7) // R|W|X
	binary.LittleEndian.PutUint64(ph[8:16], ehdrSize+phdrSize)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(data)))
	binary.LittleEndian.PutUint64(ph[40:48], memsz)

	copy(buf[ehdrSize+phdrSize:], data)
	return buf
}

func devOpener(data []byte) DeviceOpener {
	return func(instno int) (fdops.Fdops_i, defs.Err_t) {
		return io.NewMemoryBuf(append([]byte(nil), data...)), 0
	}
}

func TestNewProcessTablePopulatesMain(t *testing.T) {
	pt := freshTable(t)
	main := pt.Main()
	if main == nil {
		t.Fatalf("expected slot 0 to be pre-populated")
	}
	if main.Pid != limits.MainPID {
		t.Fatalf("expected main pid %d, got %d", limits.MainPID, main.Pid)
	}
}

func TestWaitWithNoChildrenIsECHILD(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)
	main := pt.Main()
	if _, err := sl.Wait(main, 0); err != defs.ECHILD {
		t.Fatalf("expected ECHILD, got %v", err)
	}
}

func TestForkCopiesFdTableAndSharesBackend(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)
	pt.RegisterDevice("lit", devOpener([]byte("hello")))

	main := pt.Main()
	fdno, err := sl.DevOpen(main, -1, "lit", 0)
	if err != 0 {
		t.Fatalf("devopen failed: %v", err)
	}

	var tf TrapFrame
	child, childTf, err := sl.Fork(main, &tf)
	if err != 0 {
		t.Fatalf("fork failed: %v", err)
	}
	if childTf.X[defs.TFR_A0] != 0 {
		t.Fatalf("expected child trap frame's a0 to be cleared")
	}
	if child.Iotab[fdno] == nil {
		t.Fatalf("expected child to inherit parent's descriptor table")
	}
	if got := child.Iotab[fdno].Fops.Refcnt(); got != 2 {
		t.Fatalf("expected shared backend refcnt 2 after fork, got %d", got)
	}
}

func TestForkGivesIndependentAddressSpace(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)
	main := pt.Main()

	va := limits.UserStartVMA
	main.As.MapFixed(va, mem.PTE_R|mem.PTE_W|mem.PTE_U)
	uc := vm.NewUserCopier(main.As, va, 1)
	uc.CopyIn([]byte{0x42})

	var tf TrapFrame
	child, _, err := sl.Fork(main, &tf)
	if err != 0 {
		t.Fatalf("fork failed: %v", err)
	}

	parentUc := vm.NewUserCopier(main.As, va, 1)
	childUc := vm.NewUserCopier(child.As, va, 1)
	parentUc.CopyOut(make([]byte, 1))
	out := make([]byte, 1)
	childUc.CopyOut(out)
	if out[0] != 0x42 {
		t.Fatalf("expected child to inherit parent's page contents, got %#x", out[0])
	}

	// Mutating the child's copy must not affect the parent's.
	childUc2 := vm.NewUserCopier(child.As, va, 1)
	childUc2.CopyIn([]byte{0x99})
	parentOut := make([]byte, 1)
	vm.NewUserCopier(main.As, va, 1).CopyOut(parentOut)
	if parentOut[0] != 0x42 {
		t.Fatalf("expected fork to give copy-on-no-share memory, parent page changed to %#x", parentOut[0])
	}
}

func TestWaitReturnsExitedChild(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)
	main := pt.Main()

	var tf TrapFrame
	child, _, err := sl.Fork(main, &tf)
	if err != 0 {
		t.Fatalf("fork failed: %v", err)
	}

	sl.Exit(child)

	got, err := sl.Wait(main, 0)
	if err != 0 {
		t.Fatalf("wait failed: %v", err)
	}
	if got != child.Pid {
		t.Fatalf("expected wait to return child pid %d, got %d", child.Pid, got)
	}
	if _, err := sl.Wait(main, 0); err != defs.ECHILD {
		t.Fatalf("expected second wait with no children to be ECHILD, got %v", err)
	}
}

func TestExecRejectsBadHeader(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)
	pt.RegisterDevice("bad", devOpener(append([]byte("not an elf file at all, padded out"), make([]byte, 64)...)))

	main := pt.Main()
	fdno, err := sl.DevOpen(main, -1, "bad", 0)
	if err != 0 {
		t.Fatalf("devopen failed: %v", err)
	}
	if _, err := sl.Exec(main, fdno); err != defs.EINVAL {
		t.Fatalf("expected EINVAL for a malformed header, got %v", err)
	}
}

func TestExecLoadsValidImageAndFaultsInTheStack(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)

	vaddr := uint64(limits.UserStartVMA)
	img := buildElf(vaddr, vaddr, []byte{0x13, 0x00, 0x00, 0x00}, 4096)
	pt.RegisterDevice("prog", devOpener(img))

	main := pt.Main()
	fdno, err := sl.DevOpen(main, -1, "prog", 0)
	if err != 0 {
		t.Fatalf("devopen failed: %v", err)
	}
	entry, err := sl.Exec(main, fdno)
	if err != 0 {
		t.Fatalf("exec failed: %v", err)
	}
	if entry != uintptr(vaddr) {
		t.Fatalf("expected entry %#x, got %#x", vaddr, entry)
	}
	if !main.As.ValidateVptrLen(uintptr(vaddr), 1, true) {
		t.Fatalf("expected loaded segment to be mapped and writable")
	}

	// Immediately after exec, touching the stack (unmapped until
	// faulted in) must grow the user region rather than error out.
	if err := main.As.HandleFault(limits.UserStackVMA - 8); err != 0 {
		t.Fatalf("expected stack-growth page fault to succeed, got %v", err)
	}
}

func TestBlockDeviceRoundTripThroughDevOpen(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)

	storage := make([]byte, 4*512)
	pt.RegisterDevice(DevRawdisk, func(instno int) (fdops.Fdops_i, defs.Err_t) {
		dev := ahci.NewDevice(storage, 512)
		if err := dev.Open(); err != 0 {
			return nil, err
		}
		return io.NewBlockDev(dev), 0
	})

	main := pt.Main()
	fdno, err := sl.DevOpen(main, -1, DevRawdisk, 0)
	if err != 0 {
		t.Fatalf("devopen failed: %v", err)
	}

	f, err := main.fdAt(fdno)
	if err != 0 {
		t.Fatalf("fdAt failed: %v", err)
	}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := f.Fops.Write(payload); err != 0 {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := f.Fops.Ioctl(fdops.IOCTL_SETPOS, 0); err != 0 {
		t.Fatalf("setpos failed: %v", err)
	}
	readback := make([]byte, 512)
	if _, err := f.Fops.Read(readback); err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	for i := range payload {
		if readback[i] != payload[i] {
			t.Fatalf("round trip mismatch at byte %d: wrote %#x, read %#x", i, payload[i], readback[i])
		}
	}
}

func TestStatDeviceIsRegisteredAndReadable(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)
	main := pt.Main()

	fdno, err := sl.DevOpen(main, -1, DevStat, 0)
	if err != 0 {
		t.Fatalf("devopen(%q) failed: %v", DevStat, err)
	}
	f, err := main.fdAt(fdno)
	if err != 0 {
		t.Fatalf("fdAt failed: %v", err)
	}
	buf := make([]byte, 256)
	if _, err := f.Fops.Read(buf); err != 0 {
		t.Fatalf("reading stat device failed: %v", err)
	}
}

func TestPiorefReportsRefcounts(t *testing.T) {
	pt := freshTable(t)
	sl := NewSyscallLayer(pt)
	pt.RegisterDevice("lit", devOpener([]byte("x")))

	main := pt.Main()
	fdno, err := sl.DevOpen(main, -1, "lit", 0)
	if err != 0 {
		t.Fatalf("devopen failed: %v", err)
	}
	refs := sl.Pioref(main)
	if refs[fdno] != 1 {
		t.Fatalf("expected refcnt 1 for a freshly opened descriptor, got %d", refs[fdno])
	}
	for i, r := range refs {
		if i != fdno && r != -1 {
			t.Fatalf("expected unused slot %d to read -1, got %d", i, r)
		}
	}
}
