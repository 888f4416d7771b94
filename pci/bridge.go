package pci

// BridgeHeader is the header of the host bridge at 00:00.0.
func BridgeHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:   0x0d57,
		VendorID:   0x8086,
		HeaderType: 1,
		ClassCode:  [3]uint8{0, 0, 0x06},
	}
}
