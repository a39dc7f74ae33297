package domain

import (
	"sort"
	"strings"
)

// GuestType distinguishes full virtual machines from containers.
type GuestType string

const (
	GuestTypeVM GuestType = "VM"
	GuestTypeCT GuestType = "CT"
)

// GuestStatus is the power state of a guest.
type GuestStatus string

const (
	GuestStatusRunning GuestStatus = "running"
	GuestStatusStopped GuestStatus = "stopped"
)

// Well-known tag values.
const (
	TagIgnore        = "ignore"
	TagNoAutoMigrate = "no-auto-migrate"
	TagAutoMigrateOK = "auto-migrate-ok"
	ExcludeTagPrefix = "exclude_"
)

// Tags is the normalized view of a guest's operator tags.
// It is built once at snapshot ingestion; consumers never parse raw tag strings.
type Tags struct {
	HasIgnore     bool     `json:"has_ignore"`
	NoAutoMigrate bool     `json:"no_auto_migrate"`
	AutoMigrateOK bool     `json:"auto_migrate_ok"`
	ExcludeGroups []string `json:"exclude_groups,omitempty"`
	Raw           []string `json:"raw,omitempty"`
}

// ParseTags normalizes a raw tag string. Tags may be separated by ';', ',' or whitespace.
func ParseTags(raw string) Tags {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	var tags Tags
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		tag := strings.ToLower(strings.TrimSpace(f))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags.Raw = append(tags.Raw, tag)

		switch {
		case tag == TagIgnore:
			tags.HasIgnore = true
		case tag == TagNoAutoMigrate:
			tags.NoAutoMigrate = true
		case tag == TagAutoMigrateOK:
			tags.AutoMigrateOK = true
		case strings.HasPrefix(tag, ExcludeTagPrefix) && len(tag) > len(ExcludeTagPrefix):
			tags.ExcludeGroups = append(tags.ExcludeGroups, tag)
		}
	}
	sort.Strings(tags.ExcludeGroups)
	return tags
}

// SharesExcludeGroup reports whether two tag sets have an exclude group in common.
func (t Tags) SharesExcludeGroup(other Tags) bool {
	for _, a := range t.ExcludeGroups {
		for _, b := range other.ExcludeGroups {
			if a == b {
				return true
			}
		}
	}
	return false
}

// BindMount is a host path mounted into a container.
type BindMount struct {
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
	Shared bool   `json:"shared"`
}

// Guest represents a VM or container at snapshot time.
type Guest struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Type   GuestType   `json:"type"`
	Node   string      `json:"node"`
	Status GuestStatus `json:"status"`

	// CPUPercent is utilisation relative to the guest's own cores.
	CPUPercent   float64 `json:"cpu_percent"`
	Cores        int     `json:"cores"`
	MemUsedGB    float64 `json:"mem_used_gb"`
	MemMaxGB     float64 `json:"mem_max_gb"`
	DiskReadBps  float64 `json:"disk_read_bps"`
	DiskWriteBps float64 `json:"disk_write_bps"`
	NetInBps     float64 `json:"net_in_bps"`
	NetOutBps    float64 `json:"net_out_bps"`

	Tags       Tags        `json:"tags"`
	HAManaged  bool        `json:"ha_managed,omitempty"`
	Storage    []string    `json:"storage,omitempty"`
	BindMounts []BindMount `json:"bind_mounts,omitempty"`
	Locked     string      `json:"locked,omitempty"`
	Template   bool        `json:"template,omitempty"`
}

// IsRunning returns true if the guest is powered on.
func (g *Guest) IsRunning() bool {
	return g.Status == GuestStatusRunning
}

// IsMigratable returns false for templates and guests holding a lock.
func (g *Guest) IsMigratable() bool {
	return !g.Template && g.Locked == ""
}

// HasUnsharedBindMount returns true if the guest mounts host-local paths.
func (g *Guest) HasUnsharedBindMount() bool {
	for _, m := range g.BindMounts {
		if !m.Shared {
			return true
		}
	}
	return false
}
