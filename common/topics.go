package common

// DeviceTopic is the publish target for commands to a device.
func DeviceTopic(deviceUUID string) string {
	return "/appliance/" + deviceUUID + "/subscribe"
}

// ClientResponseTopic receives acks to calls made by this app instance.
func ClientResponseTopic(userID, appID string) string {
	return "/app/" + userID + "-" + appID + "/subscribe"
}

// ClientUserTopic receives push notifications for all of the user's devices.
func ClientUserTopic(userID string) string {
	return "/app/" + userID + "/subscribe"
}
