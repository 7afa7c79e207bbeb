// Package serial provides a serial port, which provides the io.ReadWriter
// interface, that connects the uart/coordinator layer to the physical
// modem.
package serial

import (
	"github.com/tarm/serial"
)

// Config holds a platform's default port and baud rate.
type Config struct {
	port string
	baud int
}

// New is currently a simple wrapper around tarm serial
func New(comPort string, baudRate int) (*serial.Port, error) {
	config := &serial.Config{Name: comPort, Baud: baudRate}
	p, err := serial.OpenPort(config)
	if err != nil {
		return nil, err
	}
	return p, nil
}
