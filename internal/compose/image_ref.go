package compose

import "strings"

// ImageRef is the immutable (registry, image, tag) triple from spec.md §3.
// Equality for identity purposes is by (Registry, Image); Tag varies over time.
type ImageRef struct {
	Registry string
	Image    string
	Tag      string
}

// Key identifies an ImageRef by (Registry, Image), ignoring Tag.
func (r ImageRef) Key() string {
	return r.Registry + "|" + r.Image
}

// String renders the canonical "registry/image:tag" form (registry omitted
// when empty, matching images with no explicit registry host).
func (r ImageRef) String() string {
	if r.Registry == "" {
		return r.Image + ":" + r.Tag
	}
	return r.Registry + "/" + r.Image + ":" + r.Tag
}

// ParseImageRef parses a canonical "[registry/]image:tag" string. The first
// path segment is treated as a registry host only if it looks like one (it
// contains a '.' or ':' or is literally "localhost"), matching standard
// Docker reference-parsing convention and distinguishing "reg:7420/cat-image:10.0.0"
// (registry "reg:7420") from "redis:5.0-alpine" (no registry, image "redis").
func ParseImageRef(s string) (ImageRef, bool) {
	rest := s
	registry := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		first := rest[:idx]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			registry = first
			rest = rest[idx+1:]
		}
	}

	colonIdx := strings.LastIndex(rest, ":")
	if colonIdx < 0 {
		return ImageRef{}, false
	}
	image := rest[:colonIdx]
	tag := rest[colonIdx+1:]
	if image == "" || tag == "" {
		return ImageRef{}, false
	}
	return ImageRef{Registry: registry, Image: image, Tag: tag}, true
}

// TrackedSet is the operator-configured set of tracked bare-or-qualified
// image names (spec.md §3 "Tracked image set").
type TrackedSet map[string]struct{}

// NewTrackedSet builds a TrackedSet from --images entries.
func NewTrackedSet(images []string) TrackedSet {
	set := make(TrackedSet, len(images))
	for _, img := range images {
		img = strings.TrimSpace(img)
		if img == "" {
			continue
		}
		set[img] = struct{}{}
	}
	return set
}

// Matches reports whether ref is tracked: either "registry/image" or the bare
// "image" is present in the set, or the image's final path segment matches a
// bare tracked entry (the "bare image matched by suffix" rule of spec.md §3).
func (s TrackedSet) Matches(ref ImageRef) bool {
	if ref.Registry != "" {
		if _, ok := s[ref.Registry+"/"+ref.Image]; ok {
			return true
		}
	}
	if _, ok := s[ref.Image]; ok {
		return true
	}
	if idx := strings.LastIndex(ref.Image, "/"); idx >= 0 {
		if _, ok := s[ref.Image[idx+1:]]; ok {
			return true
		}
	}
	return false
}
