package kvm

import "unsafe"

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of an in-kernel interrupt controller input line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC/IOAPIC pair.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{}
	_, err := Ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}
