package domain

// Fingerprint holds the comparable browser fingerprint components used
// for fuzzy similarity matching. All fields are optional; only components
// present on both sides of a comparison count toward similarity.
type Fingerprint struct {
	ScreenResolution    string `json:"screen_resolution,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	Language            string `json:"language,omitempty"`
	Platform            string `json:"platform,omitempty"`
	ColorDepth          string `json:"color_depth,omitempty"`
	HardwareConcurrency string `json:"hardware_concurrency,omitempty"`
	DeviceMemory        string `json:"device_memory,omitempty"`
	CanvasHash          string `json:"canvas_hash,omitempty"`
	WebGLVendor         string `json:"webgl_vendor,omitempty"`
	WebGLRenderer       string `json:"webgl_renderer,omitempty"`
	FontsHash           string `json:"fonts_hash,omitempty"`
}

// Components returns the fingerprint as a name-to-value map with absent
// components omitted.
func (f *Fingerprint) Components() map[string]string {
	out := make(map[string]string, 11)
	put := func(name, val string) {
		if val != "" {
			out[name] = val
		}
	}
	put("screen_resolution", f.ScreenResolution)
	put("timezone", f.Timezone)
	put("language", f.Language)
	put("platform", f.Platform)
	put("color_depth", f.ColorDepth)
	put("hardware_concurrency", f.HardwareConcurrency)
	put("device_memory", f.DeviceMemory)
	put("canvas_hash", f.CanvasHash)
	put("webgl_vendor", f.WebGLVendor)
	put("webgl_renderer", f.WebGLRenderer)
	put("fonts_hash", f.FontsHash)
	return out
}

// Empty reports whether no component is set.
func (f *Fingerprint) Empty() bool {
	return len(f.Components()) == 0
}
