package comfy

// Artifact is one finished output image fetched from the backend.
type Artifact struct {
	Filename string
	Data     []byte
}

type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS            string `json:"os"`
	PythonVersion string `json:"python_version"`
}

type GPU struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Index     int    `json:"index"`
	VramTotal int64  `json:"vram_total"`
	VramFree  int64  `json:"vram_free"`
}

// VramUsedGB is the used VRAM of the device in gigabytes.
func (g *GPU) VramUsedGB() float64 {
	return float64(g.VramTotal-g.VramFree) / (1024 * 1024 * 1024)
}
