// Package rs485 implements the half-duplex serial master stack variant:
// a single master polling up to N statically configured slave addresses
// in round robin over one RS-485 line, grounded throughout on
// original_source/src/brickd/red_rs485_extension.c.
package rs485

import (
	"fmt"

	"github.com/brickbridge/stackbridged/internal/tfp"
)

// FunctionCode is the custom Modbus function code every frame on the wire
// carries, matching RS485_EXTENSION_FUNCTION_CODE.
const FunctionCode = 100

const (
	frameHeaderLength = 3 // slave_address, function_code, sequence
	frameFooterLength = 2 // CRC16
	frameOverhead     = frameHeaderLength + frameFooterLength

	// TriesData and TriesEmpty are the tries_left a queued frame starts
	// with: a data frame gets several retries, a poll or ACK only one.
	TriesData  = 10
	TriesEmpty = 1
)

// frame is one wire-level RS-485 frame: header, the embedded TFP packet,
// and the trailing CRC16.
type frame struct {
	slaveAddress uint8
	sequence     uint8
	packet       tfp.Packet
}

// encode serializes f into the exact byte layout the slave firmware and
// the master both compute CRC16 over: header bytes then the TFP payload,
// with the checksum appended last.
func encode(f frame) []byte {
	body := tfp.Encode(f.packet)
	buf := make([]byte, frameHeaderLength+len(body)+frameFooterLength)
	buf[0] = f.slaveAddress
	buf[1] = FunctionCode
	buf[2] = f.sequence
	copy(buf[frameHeaderLength:], body)

	crc := tfp.CRC16(buf[:frameHeaderLength+len(body)])
	buf[len(buf)-2] = byte(crc >> 8)
	buf[len(buf)-1] = byte(crc)
	return buf
}

// emptyPollFrame builds a poll frame: TFP header only, UID 0, length 8.
func emptyPollFrame(slaveAddress, sequence uint8) frame {
	return frame{
		slaveAddress: slaveAddress,
		sequence:     sequence,
		packet: tfp.Packet{Header: tfp.Header{
			UID:    0,
			Length: tfp.HeaderLength,
		}},
	}
}

// emptyACKFrame builds the ACK replacement pushed onto a slave's queue
// head after a data response is consumed.
func emptyACKFrame(slaveAddress, sequence uint8) frame {
	return emptyPollFrame(slaveAddress, sequence)
}

// decoded is a frame received and incrementally verified off the wire.
type decoded struct {
	slaveAddress uint8
	functionCode uint8
	sequence     uint8
	packet       tfp.Packet
	isEmpty      bool
}

// decode verifies CRC16 and the minimum frame shape, then parses the
// embedded TFP packet. The caller still has to verify the send-echo,
// address and function code match what was transmitted, per §4.7.2's
// incremental-verification order — decode only handles the part that
// doesn't depend on what was sent.
func decode(buf []byte) (decoded, error) {
	if len(buf) < frameOverhead+tfp.HeaderLength {
		return decoded{}, fmt.Errorf("rs485: frame too short (%d bytes)", len(buf))
	}

	payloadEnd := len(buf) - frameFooterLength
	gotCRC := uint16(buf[payloadEnd])<<8 | uint16(buf[payloadEnd+1])
	wantCRC := tfp.CRC16(buf[:payloadEnd])
	if gotCRC != wantCRC {
		return decoded{}, errCRCMismatch
	}

	body := buf[frameHeaderLength:payloadEnd]
	h := tfp.DecodeHeader(body[:tfp.HeaderLength])
	pkt := tfp.Decode(body)

	return decoded{
		slaveAddress: buf[0],
		functionCode: buf[1],
		sequence:     buf[2],
		packet:       pkt,
		isEmpty:      h.UID == 0 && h.FunctionID == 0,
	}, nil
}

var errCRCMismatch = fmt.Errorf("rs485: CRC16 mismatch")
