package assets

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/minio/crc64nvme"
)

// Manifest describes a committed output directory. It holds no timestamps or
// build ids so identical inputs produce an identical manifest.
type Manifest struct {
	Entrypoints map[string]Entrypoint `json:"entrypoints"`
	Files       []ManifestFile        `json:"files"`
}

// Entrypoint lists the artifacts of one entry, as output paths.
type Entrypoint struct {
	Scripts []string `json:"js,omitempty"`
	Styles  []string `json:"css,omitempty"`
}

// ManifestFile is one written artifact.
type ManifestFile struct {
	Output string `json:"output"`
	// Sources are context-relative source paths; empty for variants
	Sources []string `json:"sources,omitempty"`
	Stages  []string `json:"stages,omitempty"`
	// VariantOf names the artifact a variant was derived from
	VariantOf string `json:"variant_of,omitempty"`
	Size      int    `json:"size"`
	Checksum  string `json:"crc64nvme"`
}

// File returns the manifest entry for output.
func (m *Manifest) File(output string) (ManifestFile, bool) {
	i := sort.Search(len(m.Files), func(i int) bool { return m.Files[i].Output >= output })
	if i < len(m.Files) && m.Files[i].Output == output {
		return m.Files[i], true
	}
	return ManifestFile{}, false
}

// Marshal renders the manifest as indented JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func checksum(data []byte) string {
	h := crc64nvme.New()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// newManifest builds the manifest of the given artifacts, sorted by output.
func newManifest(artifacts []*artifact, entries []*EntryPlan) *Manifest {
	m := &Manifest{Entrypoints: make(map[string]Entrypoint), Files: []ManifestFile{}}

	for _, a := range artifacts {
		m.Files = append(m.Files, ManifestFile{
			Output:   a.Output,
			Sources:  a.sources,
			Stages:   a.Applied,
			Size:     len(a.Content),
			Checksum: checksum(a.Content),
		})
		for _, v := range sortedKeys(a.Variants) {
			content := a.Variants[v]
			m.Files = append(m.Files, ManifestFile{
				Output:    v,
				VariantOf: a.Output,
				Size:      len(content),
				Checksum:  checksum(content),
			})
		}
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Output < m.Files[j].Output })

	written := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		written[a.Output] = true
	}
	for _, e := range entries {
		var ep Entrypoint
		if written[e.ScriptOutput] {
			ep.Scripts = []string{e.ScriptOutput}
		}
		if written[e.StyleOutput] {
			ep.Styles = []string{e.StyleOutput}
		}
		if len(ep.Scripts) > 0 || len(ep.Styles) > 0 {
			m.Entrypoints[e.Name] = ep
		}
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
