package mesh

import (
	"sort"
	"strings"
)

// ImageRecord is one depiction returned by the semantic source.
type ImageRecord struct {
	URL     string
	Width   int
	Height  int
	Creator string
	License string
}

// ImageVersion is one rendition of an image.
type ImageVersion struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Area is the pixel count of the version
func (v ImageVersion) Area() int {
	return v.Width * v.Height
}

// ImageGroup is every rendition sharing a file name, largest first.
type ImageGroup struct {
	Name     string         `json:"-"`
	Versions []ImageVersion `json:"versions"`
	License  string         `json:"license,omitempty"`
	Creator  string         `json:"creator,omitempty"`
}

// imageName returns the last path segment of an image URL
func imageName(url string) string {
	return url[strings.LastIndex(url, "/")+1:]
}

// AddImageVersion returns groups with v added to the group of its file name.
// A new group takes license and creator; an existing group keeps its own.
// The input slice is not modified and a URL already present is ignored.
func AddImageVersion(groups []ImageGroup, v ImageVersion, license, creator string) []ImageGroup {
	name := imageName(v.URL)

	out := make([]ImageGroup, len(groups), len(groups)+1)
	copy(out, groups)

	for i := range out {
		if out[i].Name != name {
			continue
		}
		for _, existing := range out[i].Versions {
			if existing.URL == v.URL {
				return out
			}
		}
		versions := make([]ImageVersion, 0, len(out[i].Versions)+1)
		versions = append(versions, out[i].Versions...)
		versions = append(versions, v)
		sortVersions(versions)
		out[i].Versions = versions
		return out
	}

	return append(out, ImageGroup{
		Name:     name,
		Versions: []ImageVersion{v},
		License:  license,
		Creator:  creator,
	})
}

// GroupImages groups records by file name in order of first appearance
func GroupImages(records []ImageRecord) []ImageGroup {
	groups := []ImageGroup{}
	for _, r := range records {
		groups = AddImageVersion(groups, ImageVersion{URL: r.URL, Width: r.Width, Height: r.Height}, r.License, r.Creator)
	}
	return groups
}

func sortVersions(versions []ImageVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Area() > versions[j].Area()
	})
}
