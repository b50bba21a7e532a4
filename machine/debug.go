package machine

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyvmm/tinyvmm/kvm"
)

const faultDisasmWindow = 32

// FaultContext renders the register file and a short disassembly around the
// program counter of cpu, for execution fault reports. It never fails: on
// any error it returns what it managed to collect.
func (m *Machine) FaultContext(cpu int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "vcpu %d fault context:\n", cpu)

	c, err := m.CPU(cpu)
	if err != nil {
		fmt.Fprintf(&b, "  %v\n", err)

		return b.String()
	}

	regs, err := kvm.GetRegs(c.fd)
	if err != nil {
		fmt.Fprintf(&b, "  regs unavailable: %v\n", err)

		return b.String()
	}

	sregs, err := kvm.GetSregs(c.fd)
	if err != nil {
		fmt.Fprintf(&b, "  sregs unavailable: %v\n", err)

		return b.String()
	}

	fmt.Fprintf(&b, "  rip=%#x rsp=%#x rbp=%#x rflags=%#x\n",
		regs.RIP, regs.RSP, regs.RBP, regs.RFLAGS)
	fmt.Fprintf(&b, "  rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x\n",
		regs.RAX, regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI)
	fmt.Fprintf(&b, "  cr0=%#x cr3=%#x cr4=%#x efer=%#x cs.base=%#x\n",
		sregs.CR0, sregs.CR3, sregs.CR4, sregs.EFER, sregs.CS.Base)

	// Decode linearly from CS:RIP. With paging enabled the linear address
	// is not physical, so skip the disassembly rather than decode garbage.
	const pagingBit = 1 << 31
	if sregs.CR0&pagingBit != 0 {
		fmt.Fprintf(&b, "  (guest paging enabled, skipping disassembly)\n")

		return b.String()
	}

	pc := sregs.CS.Base + regs.RIP

	window, err := m.mem.Translate(pc, faultDisasmWindow)
	if err != nil {
		fmt.Fprintf(&b, "  code at %#x unavailable: %v\n", pc, err)

		return b.String()
	}

	mode := 16
	if sregs.CS.L != 0 {
		mode = 64
	} else if sregs.CR0&0x1 != 0 {
		mode = 32
	}

	for off := 0; off < len(window); {
		inst, err := x86asm.Decode(window[off:], mode)
		if err != nil {
			fmt.Fprintf(&b, "  %#x: <undecodable: %v>\n", pc+uint64(off), err)

			break
		}

		fmt.Fprintf(&b, "  %#x: %s\n", pc+uint64(off), inst.String())
		off += inst.Len
	}

	return b.String()
}
