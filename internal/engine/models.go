package engine

import (
	"path/filepath"
	"slices"
)

// ModelSpec describes one selectable recognition model. SpeedFactor is the
// processing seconds per audio second; LoadSeconds the cold load estimate.
type ModelSpec struct {
	ID          string  `json:"id"`
	SpeedFactor float64 `json:"speed_factor"`
	LoadSeconds int     `json:"load_seconds"`
}

var Catalog = []ModelSpec{
	{ID: "base", SpeedFactor: 0.1, LoadSeconds: 10},
	{ID: "small", SpeedFactor: 0.15, LoadSeconds: 20},
	{ID: "medium", SpeedFactor: 0.3, LoadSeconds: 40},
	{ID: "large", SpeedFactor: 0.5, LoadSeconds: 60},
}

var unknownModel = ModelSpec{SpeedFactor: 0.2, LoadSeconds: 30}

// Lookup returns the catalog entry for id, or conservative defaults.
func Lookup(id string) ModelSpec {
	for _, spec := range Catalog {
		if spec.ID == id {
			return spec
		}
	}
	ret := unknownModel
	ret.ID = id
	return ret
}

func Known(id string) bool {
	return slices.ContainsFunc(Catalog, func(spec ModelSpec) bool { return spec.ID == id })
}

func ModelIDs() []string {
	ret := make([]string, 0, len(Catalog))
	for _, spec := range Catalog {
		ret = append(ret, spec.ID)
	}
	return ret
}

// ModelFile is where the ggml weights for id live under dir.
func ModelFile(dir, id string) string {
	return filepath.Join(dir, "ggml-"+id+".bin")
}
