package httpapi

import (
	"strconv"
	"strings"
)

// Default broker address when neither domain field resolves.
const (
	DefaultMQTTHost = "mqtt.meross.com"
	DefaultMQTTPort = 443

	// brokers listen for the app protocol on 2001 when the domain
	// field carries no explicit port
	implicitMQTTPort = 2001
)

// DeviceRecord is a device as returned by the devList endpoint.
type DeviceRecord struct {
	UUID           string          `json:"uuid"`
	DevName        string          `json:"devName"`
	DeviceType     string          `json:"deviceType"`
	SubType        string          `json:"subType,omitempty"`
	Region         string          `json:"region,omitempty"`
	FmwareVersion  string          `json:"fmwareVersion,omitempty"`
	HdwareVersion  string          `json:"hdwareVersion,omitempty"`
	OnlineStatus   int             `json:"onlineStatus"`
	Domain         string          `json:"domain,omitempty"`
	ReservedDomain string          `json:"reservedDomain,omitempty"`
	BindTime       int64           `json:"bindTime,omitempty"`
	SkillNumber    string          `json:"skillNumber,omitempty"`
	Channels       []ChannelRecord `json:"channels"`
}

// ChannelRecord describes one control endpoint of a device. The master
// channel is index 0 and typically has an empty record.
type ChannelRecord struct {
	DevName string `json:"devName,omitempty"`
	Type    string `json:"type,omitempty"`
}

// SubdeviceRecord is a hub child as returned by getSubDevices.
type SubdeviceRecord struct {
	SubDeviceID     string `json:"subDeviceId"`
	SubDeviceType   string `json:"subDeviceType"`
	SubDeviceName   string `json:"subDeviceName,omitempty"`
	SubDeviceIconID string `json:"subDeviceIconId,omitempty"`
	TrueID          string `json:"trueId,omitempty"`
}

// BrokerAddress resolves the MQTT broker host and port for a device:
// domain, then reservedDomain, then the configured default. A domain
// without an explicit port uses the app protocol port.
func (r *DeviceRecord) BrokerAddress() (string, int) {
	for _, domain := range []string{r.Domain, r.ReservedDomain} {
		if domain == "" {
			continue
		}
		host, portStr, found := strings.Cut(domain, ":")
		if host == "" {
			continue
		}
		if !found {
			return host, implicitMQTTPort
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 {
			return host, implicitMQTTPort
		}
		return host, port
	}
	return DefaultMQTTHost, DefaultMQTTPort
}
