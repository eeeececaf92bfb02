// Package ncf implements the Net Checkpoint File format.
//
// NCF is a single-file, memory-mappable container for network weights and
// training state. It describes structure and data only and never implies
// runtime behaviour.
package ncf

// NCF global constants must never change.
const (
	// Magic is the file magic for all NCF containers. It is encoded as "NCF\0".
	Magic = "NCF\x00"

	// CurrentMajor is the release format version. Any change indicates a
	// breaking format change.
	CurrentMajor uint16 = 1

	// CurrentMinor may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64: the TensorData payloads are 64-byte aligned.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

// SectionType identifies a section payload.
type SectionType uint32

const (
	// SectionModelConfig holds the network configuration as JSON.
	SectionModelConfig SectionType = 0x0001
	// SectionTensorIndex holds the tensor name/shape/offset table.
	SectionTensorIndex SectionType = 0x0002
	// SectionTensorData holds the raw tensor payloads.
	SectionTensorData SectionType = 0x0003
	// SectionTrainState holds optimizer state and step counters as JSON.
	SectionTrainState SectionType = 0x0004
	// SectionClassNames holds one class label per line.
	SectionClassNames SectionType = 0x0005
)
