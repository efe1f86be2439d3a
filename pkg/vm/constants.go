package vm

import "strings"

type Category string

// Library categories, in display order
const (
	CategoryWindows Category = "Windows / DOS"
	CategoryMac     Category = "Macintosh"
	CategoryLinux   Category = "Linux"
	CategoryOther   Category = "Other"
)

var Categories = []Category{CategoryWindows, CategoryMac, CategoryLinux, CategoryOther}

// CategoryOf classifies a VM id by naming convention.
func CategoryOf(id string) Category {
	id = strings.ToLower(id)
	switch {
	case strings.HasPrefix(id, "windows"), strings.Contains(id, "dos"), strings.HasPrefix(id, "my-first"):
		return CategoryWindows
	case strings.HasPrefix(id, "mac"):
		return CategoryMac
	case strings.HasPrefix(id, "linux"),
		strings.Contains(id, "fedora"),
		strings.Contains(id, "ubuntu"),
		strings.Contains(id, "debian"),
		strings.Contains(id, "arch"):
		return CategoryLinux
	default:
		return CategoryOther
	}
}

type Group struct {
	Category Category `json:"category"`
	VMs      []*VM    `json:"vms"`
}

// GroupByCategory buckets vms in Categories order, preserving their order
// within a bucket. Empty categories are left out.
func GroupByCategory(vms []*VM) []Group {
	buckets := make(map[Category][]*VM, len(Categories))
	for _, v := range vms {
		c := v.Category()
		buckets[c] = append(buckets[c], v)
	}
	var groups []Group
	for _, c := range Categories {
		if len(buckets[c]) > 0 {
			groups = append(groups, Group{Category: c, VMs: buckets[c]})
		}
	}
	return groups
}

// Filter keeps the vms whose display name or id contains query, ignoring case.
// An empty query keeps everything.
func Filter(vms []*VM, query string) []*VM {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return vms
	}
	var out []*VM
	for _, v := range vms {
		if strings.Contains(strings.ToLower(v.DisplayName()), query) || strings.Contains(strings.ToLower(v.ID), query) {
			out = append(out, v)
		}
	}
	return out
}
