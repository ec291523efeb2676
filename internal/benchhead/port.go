package benchhead

import (
	"go.bug.st/serial"
)

// DefaultBaudRate matches the head firmware's console rate.
const DefaultBaudRate = 115200

// OpenPort opens the real serial port the bench head is attached to.
func OpenPort(path string, baudRate int) (Porter, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}
