package device

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/merosskit/meross/common"
)

// Push namespaces handled by the core. Feature translators add typed
// accessors on top; the core only maintains the state cache.
const (
	namespaceToggle         = "Appliance.Control.Toggle"
	namespaceSpray          = "Appliance.Control.Spray"
	namespaceGarageState    = "Appliance.GarageDoor.State"
	namespaceRollerState    = "Appliance.RollerShutter.State"
	namespaceRollerPosition = "Appliance.RollerShutter.Position"
	namespaceThermostatMode = "Appliance.Control.Thermostat.Mode"
	namespaceDiffuserSpray  = "Appliance.Control.Diffuser.Spray"
	namespaceDiffuserLight  = "Appliance.Control.Diffuser.Light"
	namespacePresenceStudy  = "Appliance.Control.Presence.Study"
	namespaceTimerX         = "Appliance.Control.TimerX"
	namespaceTriggerX       = "Appliance.Control.TriggerX"
	namespaceHubMtsAll      = "Appliance.Hub.Mts100.All"
	namespaceHubMtsTemp     = "Appliance.Hub.Mts100.Temperature"
	namespaceHubMtsMode     = "Appliance.Hub.Mts100.Mode"
	namespaceHubSensorAll   = "Appliance.Hub.Sensor.All"
	namespaceHubSensorTH    = "Appliance.Hub.Sensor.TempHum"
)

type pushHandler func(d *Device, payload json.RawMessage, source Source, ts time.Time)

// buildHandlers derives the immutable namespace→handler table from the
// ability set. Only namespaces the device declared get a route.
func buildHandlers(abilities map[string]json.RawMessage, kind Kind) map[string]pushHandler {
	table := map[string]pushHandler{
		// online transitions are not ability-gated
		common.NamespaceSystemOnline: handleOnline,
	}

	routes := map[string]pushHandler{
		common.NamespaceControlToggle: channelListHandler("togglex", FeatureToggle),
		namespaceToggle:               channelListHandler("toggle", FeatureToggle),
		common.NamespaceControlLight:  channelListHandler("light", FeatureLight),
		namespaceSpray:                channelListHandler("spray", FeatureSpray),
		namespaceGarageState:          channelListHandler("state", FeatureGarage),
		namespaceRollerState:          channelListHandler("state", FeatureRollerShutter),
		namespaceRollerPosition:       channelListHandler("position", FeatureRollerShutter),
		namespaceThermostatMode:       channelListHandler("mode", FeatureThermostat),
		namespaceDiffuserSpray:        channelListHandler("spray", FeatureDiffuser),
		namespaceDiffuserLight:        channelListHandler("light", FeatureDiffuser),
		namespacePresenceStudy:        channelListHandler("study", FeaturePresence),
		namespaceTimerX:               channelListHandler("timerx", FeatureTimer),
		namespaceTriggerX:             channelListHandler("triggerx", FeatureTrigger),
		common.NamespaceElectricity:   channelListHandler("electricity", FeatureElectricity),
		common.NamespaceConsumption:   channelListHandler("consumptionx", FeatureConsumption),
	}
	for ns, fn := range routes {
		if _, ok := abilities[ns]; ok {
			table[ns] = fn
		}
	}

	if kind == KindHub {
		table[common.NamespaceHubOnline] = hubListHandler("online", "")
		table[common.NamespaceHubToggleX] = hubListHandler("togglex", FeatureToggle)
		table[namespaceHubMtsAll] = hubListHandler("all", FeatureThermostat)
		table[namespaceHubMtsTemp] = hubListHandler("temperature", FeatureThermostat)
		table[namespaceHubMtsMode] = hubListHandler("mode", FeatureThermostat)
		table[namespaceHubSensorAll] = hubListHandler("all", FeaturePresence)
		table[namespaceHubSensorTH] = hubListHandler("tempHum", FeaturePresence)
	}
	return table
}

// handleOnline applies Appliance.System.Online status transitions.
func handleOnline(d *Device, payload json.RawMessage, _ Source, _ time.Time) {
	var v struct {
		Online struct {
			Status *int `json:"status"`
		} `json:"online"`
	}
	if err := json.Unmarshal(payload, &v); err != nil || v.Online.Status == nil {
		d.logger.Debug("malformed online push")
		return
	}
	d.setOnline(OnlineStatus(*v.Online.Status))
}

// channelListHandler parses payloads of the shape
// {"<field>": {...}} or {"<field>": [{...}, ...]} where each item may
// carry a channel index, and updates one cache slot per item.
func channelListHandler(field string, feature Feature) pushHandler {
	return func(d *Device, payload json.RawMessage, source Source, ts time.Time) {
		for _, item := range decodeItems(payload, field) {
			channel := 0
			if c, ok := item["channel"].(float64); ok {
				channel = int(c)
			}
			d.updateAndEmit(feature, channel, item, source, ts)
		}
	}
}

// hubListHandler routes hub pushes carrying subdevice ids to the
// corresponding child devices. An empty feature means the item is an
// online transition rather than state.
func hubListHandler(field string, feature Feature) pushHandler {
	return func(d *Device, payload json.RawMessage, source Source, ts time.Time) {
		for _, item := range decodeItems(payload, field) {
			id, _ := item["id"].(string)
			sub, ok := d.Subdevice(id)
			if !ok {
				d.logger.WithField("subdevice", id).Debug("push for unknown subdevice")
				continue
			}
			if feature == "" {
				if status, ok := item["status"].(float64); ok {
					sub.setOnline(OnlineStatus(int(status)))
				}
				continue
			}
			sub.updateAndEmit(feature, 0, item, source, ts)
		}
	}
}

// decodeItems extracts the named field as a list of records,
// accepting both single-object and array forms.
func decodeItems(payload json.RawMessage, field string) []map[string]interface{} {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(payload, &outer); err != nil {
		return nil
	}
	raw, ok := outer[field]
	if !ok {
		return nil
	}
	return decodeList(raw)
}

func decodeList(raw json.RawMessage) []map[string]interface{} {
	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one map[string]interface{}
	if err := json.Unmarshal(raw, &one); err == nil {
		return []map[string]interface{}{one}
	}
	return nil
}

// feature → declaring ability namespaces, for capability queries.
var featureNamespaces = map[Feature][]string{
	FeatureToggle:        {common.NamespaceControlToggle, namespaceToggle, common.NamespaceHubToggleX},
	FeatureLight:         {common.NamespaceControlLight, namespaceDiffuserLight},
	FeatureThermostat:    {namespaceThermostatMode, namespaceHubMtsAll, namespaceHubMtsTemp, namespaceHubMtsMode},
	FeatureRollerShutter: {namespaceRollerState, namespaceRollerPosition},
	FeatureGarage:        {namespaceGarageState},
	FeatureSpray:         {namespaceSpray},
	FeatureDiffuser:      {namespaceDiffuserSpray, namespaceDiffuserLight},
	FeaturePresence:      {namespacePresenceStudy, namespaceHubSensorAll, namespaceHubSensorTH},
	FeatureTimer:         {namespaceTimerX},
	FeatureTrigger:       {namespaceTriggerX},
	FeatureElectricity:   {common.NamespaceElectricity},
	FeatureConsumption:   {common.NamespaceConsumption},
}

// SupportsFeature reports whether the device declared an ability for
// the feature or already holds cached state for it. Device type
// strings play no part in the answer.
func (d *Device) SupportsFeature(f Feature) bool {
	for _, ns := range featureNamespaces[f] {
		if d.HasAbility(ns) {
			return true
		}
	}
	return d.state.Has(f)
}

// digest field → feature mapping for full-state refreshes.
var digestFeatures = map[string]Feature{
	"togglex":    FeatureToggle,
	"toggle":     FeatureToggle,
	"light":      FeatureLight,
	"spray":      FeatureSpray,
	"garageDoor": FeatureGarage,
	"thermostat": FeatureThermostat,
	"diffuser":   FeatureDiffuser,
}

// ingestDigest applies the digest section of Appliance.System.All.
func (d *Device) ingestDigest(digest json.RawMessage, source Source, ts time.Time) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(digest, &outer); err != nil {
		d.logger.Debug("malformed digest")
		return
	}
	for field, feature := range digestFeatures {
		raw, ok := outer[field]
		if !ok {
			continue
		}
		for _, item := range decodeList(raw) {
			channel := 0
			if c, ok := item["channel"].(float64); ok {
				channel = int(c)
			}
			d.updateAndEmit(feature, channel, item, source, ts)
		}
	}
}

// subdevice type prefix → hub ability namespaces the child inherits.
var subdeviceAbilityScopes = map[string][]string{
	"mts100": {namespaceHubMtsAll, namespaceHubMtsTemp, namespaceHubMtsMode, common.NamespaceHubToggleX, common.NamespaceHubOnline},
	"mts150": {namespaceHubMtsAll, namespaceHubMtsTemp, namespaceHubMtsMode, common.NamespaceHubToggleX, common.NamespaceHubOnline},
	"ms100":  {namespaceHubSensorAll, namespaceHubSensorTH, common.NamespaceHubOnline},
}

// filterHubAbilities selects the slice of a hub's abilities relevant
// to a subdevice type. Unknown types inherit only the online ability.
func filterHubAbilities(hubAbilities map[string]json.RawMessage, subType string) map[string]json.RawMessage {
	scoped := []string{common.NamespaceHubOnline}
	for prefix, namespaces := range subdeviceAbilityScopes {
		if strings.HasPrefix(strings.ToLower(subType), prefix) {
			scoped = namespaces
			break
		}
	}
	out := make(map[string]json.RawMessage, len(scoped))
	for _, ns := range scoped {
		if v, ok := hubAbilities[ns]; ok {
			out[ns] = v
		}
	}
	return out
}
