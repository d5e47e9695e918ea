// Package compose implements the Manifest Model (C3): parsing, tracked-image
// extraction, merging, and serialization of the compose manifest, grounded on
// the teacher's record_builder.go label-walking style and errors.go
// domain-error shape, rebuilt around gopkg.in/yaml.v3's node tree so that
// unknown fields and key order round-trip exactly (spec.md §3 invariant).
package compose

import (
	"gopkg.in/yaml.v3"
)

// Manifest wraps the parsed YAML document node. Unknown fields, comments, and
// key order are preserved verbatim because Manifest never decodes into a Go
// struct - it only ever rewrites "image" scalar nodes in place.
type Manifest struct {
	root *yaml.Node
}

// Parse decodes raw manifest bytes and validates the minimal shape spec.md
// §4.3 requires: a non-empty top-level "services" mapping where every
// service has a non-empty "image" string.
func Parse(data []byte) (*Manifest, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, newManifestError("parsing manifest: %v", err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, newManifestError("manifest has no top-level mapping")
	}

	doc := root.Content[0]
	servicesNode, _, found := mapGet(doc, "services")
	if !found || servicesNode.Kind != yaml.MappingNode || len(servicesNode.Content) == 0 {
		return nil, newManifestError("manifest has no non-empty 'services' mapping")
	}

	for i := 0; i+1 < len(servicesNode.Content); i += 2 {
		label := servicesNode.Content[i].Value
		serviceNode := servicesNode.Content[i+1]
		imageNode, _, found := mapGet(serviceNode, "image")
		if !found || imageNode.Kind != yaml.ScalarNode || imageNode.Value == "" {
			return nil, newManifestError("service %q has no non-empty 'image' field", label)
		}
	}

	return &Manifest{root: &root}, nil
}

// ExtractTracked returns the ImageRef for every service whose image parses
// and whose (registry, image) or bare image is present in tracked. Services
// with unparseable image strings are silently skipped (spec.md §4.3).
func ExtractTracked(m *Manifest, tracked TrackedSet) []ImageRef {
	var refs []ImageRef
	doc := m.root.Content[0]
	servicesNode, _, _ := mapGet(doc, "services")
	if servicesNode == nil {
		return refs
	}
	for i := 0; i+1 < len(servicesNode.Content); i += 2 {
		serviceNode := servicesNode.Content[i+1]
		imageNode, _, found := mapGet(serviceNode, "image")
		if !found {
			continue
		}
		ref, ok := ParseImageRef(imageNode.Value)
		if !ok {
			continue
		}
		if tracked.Matches(ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Labels returns every service label in m, in manifest order, for the
// Health Monitor (C5) to bind its per-label watches to (spec.md §4.8 step 6).
func Labels(m *Manifest) []string {
	doc := m.root.Content[0]
	servicesNode, _, _ := mapGet(doc, "services")
	if servicesNode == nil {
		return nil
	}
	labels := make([]string, 0, len(servicesNode.Content)/2)
	for i := 0; i+1 < len(servicesNode.Content); i += 2 {
		labels = append(labels, servicesNode.Content[i].Value)
	}
	return labels
}

// Merge returns a deep copy of m with each service's "image" field rewritten
// to the matching entry in refs (matched by (Registry, Image)); services with
// no matching tracked ref are left untouched. Merge never mutates m, so it is
// idempotent and merges with disjoint tracked sets commute (spec.md §4.3).
func Merge(m *Manifest, refs []ImageRef) *Manifest {
	byKey := make(map[string]ImageRef, len(refs))
	for _, r := range refs {
		byKey[r.Key()] = r
	}

	clone := &Manifest{root: deepCopyNode(m.root)}
	doc := clone.root.Content[0]
	servicesNode, _, _ := mapGet(doc, "services")
	if servicesNode == nil {
		return clone
	}

	for i := 0; i+1 < len(servicesNode.Content); i += 2 {
		serviceNode := servicesNode.Content[i+1]
		imageNode, _, found := mapGet(serviceNode, "image")
		if !found {
			continue
		}
		existing, ok := ParseImageRef(imageNode.Value)
		if !ok {
			continue
		}
		if replacement, ok := byKey[existing.Key()]; ok {
			imageNode.Value = replacement.String()
			imageNode.Tag = "!!str"
		}
	}

	return clone
}

// Serialize renders m back to canonical manifest bytes, preserving key order
// and unknown fields exactly (spec.md §4.3 round-trip invariant).
func Serialize(m *Manifest) ([]byte, error) {
	out, err := yaml.Marshal(m.root)
	if err != nil {
		return nil, newManifestError("serializing manifest: %v", err)
	}
	return out, nil
}

// mapGet finds key in a YAML mapping node and returns its value node, the
// index of the key node in Content, and whether it was found.
func mapGet(mapping *yaml.Node, key string) (*yaml.Node, int, bool) {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil, -1, false
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1], i, true
		}
	}
	return nil, -1, false
}

// deepCopyNode recursively clones a yaml.Node tree so that mutating the copy
// never affects the original (Merge's no-mutation contract).
func deepCopyNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Content != nil {
		clone.Content = make([]*yaml.Node, len(n.Content))
		for i, c := range n.Content {
			clone.Content[i] = deepCopyNode(c)
		}
	}
	if n.Alias != nil {
		clone.Alias = deepCopyNode(n.Alias)
	}
	return &clone
}
