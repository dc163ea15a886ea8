package beacon

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Advertising data layout for a proximity beacon:
//
//	[0x02 0x01 flags] [0x1A 0xFF 0x4C 0x00 0x02 0x15 uuid(16) major(2) minor(2) power(1)]
//
// Major and minor are big-endian; the company identifier is little-endian as
// in every manufacturer-specific AD structure.
const (
	adTypeFlags            = 0x01
	adTypeManufacturerData = 0xFF

	flagsGeneralDiscoverable = 0x02
	flagsBREDRNotSupported   = 0x04

	companyApple      = 0x004C
	beaconType        = 0x02
	beaconDataLength  = 0x15
	maxAdvertisingLen = 31

	// DefaultMeasuredPower is the calibrated RSSI at one meter.
	DefaultMeasuredPower int8 = -59
)

var ErrNotBeacon = errors.New("advertisement is not a proximity beacon")

// Frame is a parsed proximity beacon advertisement.
type Frame struct {
	UUID          uuid.UUID
	Major         uint16
	Minor         uint16
	MeasuredPower int8
}

type adStructure struct {
	Type byte
	Data []byte
}

// MarshalAdvertisement builds the advertising data for payload under the
// deployment UUID.
func MarshalAdvertisement(id uuid.UUID, payload Payload, measuredPower int8) ([]byte, error) {
	data := make([]byte, 0, 25)
	data = binary.LittleEndian.AppendUint16(data, companyApple)
	data = append(data, beaconType, beaconDataLength)
	data = append(data, id[:]...)
	data = binary.BigEndian.AppendUint16(data, payload.Major)
	data = binary.BigEndian.AppendUint16(data, payload.Minor)
	data = append(data, byte(measuredPower))

	return encodeADStructures([]adStructure{
		{Type: adTypeFlags, Data: []byte{flagsGeneralDiscoverable | flagsBREDRNotSupported}},
		{Type: adTypeManufacturerData, Data: data},
	})
}

// ParseAdvertisement extracts the beacon fields from raw advertising data.
func ParseAdvertisement(adv []byte) (Frame, error) {
	structures, err := decodeADStructures(adv)
	if err != nil {
		return Frame{}, err
	}

	for _, s := range structures {
		if s.Type != adTypeManufacturerData || len(s.Data) < 2 {
			continue
		}
		if binary.LittleEndian.Uint16(s.Data[0:2]) != companyApple {
			continue
		}
		body := s.Data[2:]
		if len(body) != 2+beaconDataLength || body[0] != beaconType || body[1] != beaconDataLength {
			continue
		}

		var f Frame
		copy(f.UUID[:], body[2:18])
		f.Major = binary.BigEndian.Uint16(body[18:20])
		f.Minor = binary.BigEndian.Uint16(body[20:22])
		f.MeasuredPower = int8(body[22])
		return f, nil
	}

	return Frame{}, ErrNotBeacon
}

func encodeADStructures(structures []adStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("AD structure too long: %d bytes", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}
	if len(buf) > maxAdvertisingLen {
		return nil, fmt.Errorf("advertising data exceeds %d bytes: %d", maxAdvertisingLen, len(buf))
	}
	return buf, nil
}

func decodeADStructures(data []byte) ([]adStructure, error) {
	var structures []adStructure
	offset := 0

	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			// padding
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("AD structure length exceeds data: length=%d, remaining=%d", length, len(data)-offset)
		}

		adData := make([]byte, length-1)
		copy(adData, data[offset+1:offset+length])
		structures = append(structures, adStructure{Type: data[offset], Data: adData})
		offset += length
	}

	return structures, nil
}
