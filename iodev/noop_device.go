package iodev

// NoopDevice reads as zero and ignores writes.
type NoopDevice struct {
	Addr  uint64
	Psize uint64
}

func (n *NoopDevice) Read(off uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (n *NoopDevice) Write(off uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) Base() uint64 {
	return n.Addr
}

func (n *NoopDevice) Size() uint64 {
	return n.Psize
}
