// Package detect finds TurMass devices by listening for the bootloader's
// plaintext beacon on candidate serial ports.
package detect

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bigbag/turmass-flasher/internal/message"
	"github.com/bigbag/turmass-flasher/internal/transport"
)

// Result describes a port with a beaconing device behind it.
type Result struct {
	Port string
}

// listenWindow is how long one port is watched for a beacon. The device
// beacons every 50 ms, so a few periods suffice.
const listenWindow = 400 * time.Millisecond

// Device scans candidate ports and returns the first one carrying a
// TurMass beacon.
func Device(baudRate int) (*Result, error) {
	ports, err := transport.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no TurMass device found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no TurMass device found")
}

// OnPort checks a specific port for a beacon.
func OnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(portName, baudRate)
}

// ListDevices scans all candidate ports and returns every one that
// beacons.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := transport.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		if result, err := tryPort(portName, baudRate); err == nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

func tryPort(portName string, baudRate int) (*Result, error) {
	port, err := transport.OpenSerial(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	if err := awaitBeacon(port); err != nil {
		return nil, fmt.Errorf("%s: %w", portName, err)
	}
	return &Result{Port: portName}, nil
}

func awaitBeacon(port *transport.SerialPort) error {
	if err := port.Flush(); err != nil {
		return err
	}
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		return err
	}

	deadline := time.Now().Add(listenWindow)
	var seen []byte
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if bytes.Contains(seen, []byte(message.BeaconText)) {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("no beacon heard")
}
