package vgistream

// Well-known custom metadata keys carried by the params batch inside a
// transform capsule.
const (
	MetaTransform      = "vgistream.transform"
	MetaCapsuleVersion = "vgistream.capsule_version"
	MetaPackedBy       = "vgistream.packed_by"

	// CapsuleVersion is the only capsule layout this package reads.
	CapsuleVersion = "1"
)

// CallableColumn is the name of the single binary column of a packed
// transform chunk.
const CallableColumn = "callable"
