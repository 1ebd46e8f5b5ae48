// Package pit programs the 8253/8254 Programmable Interval Timer that
// drives the scheduler's preemption tick on IRQ 0 (vector 32).
package pit

import "ringcore/kernel/cpu"

const (
	channel0DataPort = uint16(0x40)
	commandPort      = uint16(0x43)

	// baseFrequency is the PIT's fixed oscillator frequency in Hz.
	baseFrequency = uint32(1193182)

	// channel0, mode3 (square wave generator), access mode lobyte/hibyte.
	channel0Mode3LoHi = uint8(0x36)
)

var portWriteByteFn = cpu.PortWriteByte

// ProgramRate configures PIT channel 0 to fire at approximately hz times
// per second.
func ProgramRate(hz uint32) {
	divisor := baseFrequency / hz

	portWriteByteFn(commandPort, channel0Mode3LoHi)
	portWriteByteFn(channel0DataPort, uint8(divisor&0xff))
	portWriteByteFn(channel0DataPort, uint8((divisor>>8)&0xff))
}
