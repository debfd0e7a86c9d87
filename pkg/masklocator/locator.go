// Package masklocator finds a usable mask image reference inside a
// segmentation prediction whose shape depends on the deployed model version.
package masklocator

import (
	"github.com/samber/lo"

	"github.com/menta2k/food-portion/internal/utils"
)

// PriorityKeys are inspected, in this order, before any other key of a map
var PriorityKeys = []string{"mask", "masks", "segmentation", "segmented_image", "overlay"}

// Locate performs a depth-first search for the first string that looks like a
// mask image. The boolean is false when nothing matched, which is a normal
// outcome.
func Locate(n Node) (string, bool) {
	switch n.Kind {
	case KindString:
		if IsMaskReference(n.Str) {
			return n.Str, true
		}
	case KindList:
		for _, item := range n.Items {
			if ref, ok := Locate(item); ok {
				return ref, true
			}
		}
	case KindMap:
		for _, key := range PriorityKeys {
			if v, ok := n.Get(key); ok {
				if ref, ok := Locate(v); ok {
					return ref, true
				}
			}
		}
		for _, f := range n.Fields {
			if lo.Contains(PriorityKeys, f.Key) {
				continue
			}
			if ref, ok := Locate(f.Value); ok {
				return ref, true
			}
		}
	}
	return "", false
}

// LocateJSON parses raw JSON and locates a mask reference in it
func LocateJSON(raw []byte) (string, bool, error) {
	n, err := Parse(raw)
	if err != nil {
		return "", false, err
	}
	ref, ok := Locate(n)
	return ref, ok, nil
}

// IsMaskReference accepts http(s) URLs ending in an image extension and inline image data
func IsMaskReference(s string) bool {
	if utils.IsDataURI(s) {
		return true
	}
	if !utils.IsHTTPURL(s) {
		return false
	}
	return utils.IsMaskExtension(utils.URLExtension(s))
}
