// Package fdt builds and serializes a Flattened Device Tree blob: the
// machine description a booting Linux kernel reads to discover its CPUs,
// memory, and memory-mapped devices. Adapted in place from
// tinyrange-cc's internal/fdt/{node.go,build.go} — the Node/Property
// tree shape and DTB serializer are kept verbatim (they're pure
// wire-format code with no hypervisor-specific dependency); only the tree
// *content* changes, built by BuildMachine in machine.go for this
// emulator's Sv39/PLIC/CLINT/virtio-mmio target instead of the teacher's
// own machine.
package fdt

// Property describes a single device-tree property. Exactly one of the
// typed fields should be populated for a given property.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind returns the name of the populated field, or "" if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node describes one device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}
