package transport

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate TurMass bootloaders listen at after reset.
const DefaultBaudRate = 115200

// SerialPort adapts a serial port to the Transport interface.
type SerialPort struct {
	port     serial.Port
	portName string
	baudRate int
}

// OpenSerial opens a serial port in 8N1 mode at the given baud rate.
func OpenSerial(portName string, baudRate int) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &SerialPort{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Read reads available bytes, returning (0, nil) on timeout.
func (p *SerialPort) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// Write writes data to the port.
func (p *SerialPort) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Close closes the port.
func (p *SerialPort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// SetReadTimeout bounds subsequent reads.
func (p *SerialPort) SetReadTimeout(d time.Duration) error {
	return p.port.SetReadTimeout(d)
}

// Flush discards any buffered input.
func (p *SerialPort) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetBaudRate reconfigures the line rate in place, keeping 8N1.
func (p *SerialPort) SetBaudRate(rate int) error {
	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", rate, err)
	}
	p.baudRate = rate
	return nil
}

// PortName returns the port name.
func (p *SerialPort) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *SerialPort) BaudRate() int {
	return p.baudRate
}

// portPrefixes are the device name patterns burn targets show up under.
var portPrefixes = []string{
	"/dev/ttyACM",
	"/dev/ttyUSB",
	"COM",
	"/dev/cu.",
}

// ListPorts returns candidate serial ports, filtered to names that look
// like USB serial adapters and sorted for stable output.
func ListPorts() ([]string, error) {
	all, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, p := range all {
		for _, prefix := range portPrefixes {
			if strings.HasPrefix(p, prefix) {
				ports = append(ports, p)
				break
			}
		}
	}
	sort.Strings(ports)
	return ports, nil
}
