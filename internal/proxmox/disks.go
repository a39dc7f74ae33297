package proxmox

import (
	"regexp"
	"sort"
	"strings"
)

// diskKey matches guest config keys that reference a volume.
var diskKey = regexp.MustCompile(`^(scsi|virtio|ide|sata|efidisk|tpmstate|unused|mp)\d+$|^rootfs$`)

// StorageFromConfig extracts the sorted, unique storage ids a guest's disks live on.
// CD-ROM drives, passthrough devices and bind mounts are ignored.
func StorageFromConfig(cfg map[string]interface{}) []string {
	seen := make(map[string]bool)
	for key, raw := range cfg {
		if !diskKey.MatchString(key) {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			continue
		}
		if id := volumeStorage(value); id != "" {
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// volumeStorage returns the storage id of a disk value like "local-lvm:vm-100-disk-0,size=32G".
func volumeStorage(value string) string {
	parts := strings.Split(value, ",")
	volume := parts[0]
	for _, opt := range parts[1:] {
		if opt == "media=cdrom" {
			return ""
		}
	}
	if volume == "" || volume == "none" || strings.HasPrefix(volume, "/") {
		return ""
	}
	idx := strings.Index(volume, ":")
	if idx <= 0 {
		return ""
	}
	return volume[:idx]
}
