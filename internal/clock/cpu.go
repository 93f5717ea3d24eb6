package clock

import cpuidv2 "github.com/klauspost/cpuid/v2"

// CPUInfo returns the vendor string and the processor signature in the
// layout of CPUID leaf 1 EAX. Both are zero where CPUID is unavailable.
func CPUInfo() (vendor [12]byte, signature uint32) {
	copy(vendor[:], cpuidv2.CPU.VendorString)
	return vendor, packSignature(cpuidv2.CPU.Family, cpuidv2.CPU.Model, cpuidv2.CPU.Stepping)
}

// packSignature folds the display family and model back into the base and
// extended fields
func packSignature(family, model, stepping int) uint32 {
	if family <= 0 {
		return 0
	}
	base, ext := family, 0
	if family > 0xF {
		base, ext = 0xF, family-0xF
	}
	return uint32(stepping&0xF) |
		uint32(model&0xF)<<4 |
		uint32(base&0xF)<<8 |
		uint32(model>>4&0xF)<<16 |
		uint32(ext&0xFF)<<20
}
