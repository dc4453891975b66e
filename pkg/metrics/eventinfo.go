package metrics

// EventInfo identifies the application and environment that produced a set
// of measurements. It is built once, when the Controller is created, and is
// never modified afterwards.
type EventInfo struct {
	Locale           string `json:"locale"`
	OS               string `json:"os"`
	OSVersion        string `json:"os_version"`
	Device           string `json:"device"`
	Arch             string `json:"arch"`
	AppName          string `json:"app_name"`
	AppVersion       string `json:"app_version"`
	AppUpdateChannel string `json:"app_update_channel"`
	AppBuildID       string `json:"app_build_id"`
	AppPlatform      string `json:"app_platform"`
}

// NewEventInfo builds an EventInfo. Empty values are accepted as-is.
func NewEventInfo(locale, os, osVersion, device, arch, appName, appVersion, appUpdateChannel, appBuildID, appPlatform string) EventInfo {
	return EventInfo{
		Locale:           locale,
		OS:               os,
		OSVersion:        osVersion,
		Device:           device,
		Arch:             arch,
		AppName:          appName,
		AppVersion:       appVersion,
		AppUpdateChannel: appUpdateChannel,
		AppBuildID:       appBuildID,
		AppPlatform:      appPlatform,
	}
}

// Clone returns an independent copy. EventInfo only holds strings, so the
// copy shares no mutable storage with the original.
func (e EventInfo) Clone() EventInfo {
	return e
}

// Attributes flattens the context into the key/value form attached to
// transmitted payloads.
func (e EventInfo) Attributes() map[string]string {
	return map[string]string{
		"locale":             e.Locale,
		"os":                 e.OS,
		"os_version":         e.OSVersion,
		"device":             e.Device,
		"arch":               e.Arch,
		"app_name":           e.AppName,
		"app_version":        e.AppVersion,
		"app_update_channel": e.AppUpdateChannel,
		"app_build_id":       e.AppBuildID,
		"app_platform":       e.AppPlatform,
	}
}
