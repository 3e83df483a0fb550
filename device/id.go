package device

// Internal ids unify base devices and subdevices under one registry
// key space. The prefixes are disjoint so the two forms can never
// collide.
const (
	baseIDPrefix = "#BASE:"
	subIDPrefix  = "#SUB:"
)

// BaseInternalID is the registry key of a base device.
func BaseInternalID(uuid string) string {
	return baseIDPrefix + uuid
}

// SubInternalID is the registry key of a hub child.
func SubInternalID(hubUUID, subdeviceID string) string {
	return subIDPrefix + hubUUID + ":" + subdeviceID
}
