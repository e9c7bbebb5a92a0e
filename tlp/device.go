package tlp

import "fmt"

// DeviceID identifies a requester or completer on the PCIe fabric by
// its bus, device, and function numbers.
type DeviceID struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// NewDeviceID builds a DeviceID from its packed uint16 encoding.
func NewDeviceID(value uint16) (id DeviceID) {
	id.FromUint16(value)
	return id
}

// ToUint16 packs the DeviceID into the 16-bit wire encoding.
func (id DeviceID) ToUint16() uint16 {
	return uint16(id.Bus)<<8 | uint16(id.Device&0x1f)<<3 | uint16(id.Function&0x7)
}

// FromUint16 assigns the DeviceID from its packed uint16 encoding.
func (id *DeviceID) FromUint16(value uint16) {
	id.Bus = uint8(value >> 8)
	id.Device = uint8(value>>3) & 0x1f
	id.Function = uint8(value) & 0x07
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%02x:%02x.%01x", id.Bus, id.Device, id.Function)
}

// ParseDeviceID parses the canonical "bus:device.function" form, e.g. "1b:00.0".
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	n, err := fmt.Sscanf(s, "%02x:%02x.%01x", &id.Bus, &id.Device, &id.Function)
	if n != 3 || err != nil {
		return DeviceID{}, fmt.Errorf("%w: %q", ErrBadDeviceID, s)
	}
	if id.Device > 0x1f || id.Function > 0x7 {
		return DeviceID{}, fmt.Errorf("%w: %q", ErrBadDeviceID, s)
	}
	return id, nil
}

func putDeviceID(dw []byte, id DeviceID) {
	v := id.ToUint16()
	dw[0] = byte(v >> 8)
	dw[1] = byte(v)
}

func getDeviceID(dw []byte) DeviceID {
	return NewDeviceID(uint16(dw[0])<<8 | uint16(dw[1]))
}
