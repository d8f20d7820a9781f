// Package comm provides the RR-duino bus protocol.
package comm

// The bus is a shared half-duplex line (RS485 or a plain serial port) with
// one master and up to 62 nodes. The master sends commands, a node answers
// only commands addressed to it.
//
// Every frame starts with 0xFF followed by the command byte and the address
// byte. Bit 0 of the command byte tells commands (1) from answers (0).
// Variable length frames end with a terminator byte, the only byte of the
// body with bit 7 set. Its low nibble carries an error code.
//
// Producer: node firmware (or the simulator)
// Consumer: bus master
