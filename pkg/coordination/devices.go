package coordination

import "sort"

// Device describes a single device owned by a task.
type Device struct {
	Name       string
	Type       string
	Attributes map[string]string
}

// DeviceInfo is an opaque per-task device inventory. The service never
// inspects it beyond merging inventories into the cluster-wide list.
type DeviceInfo struct {
	Devices []Device
}

// Merge appends other's devices to d.
func (d *DeviceInfo) Merge(other DeviceInfo) {
	d.Devices = append(d.Devices, other.Devices...)
}

// aggregateClusterDevicesLocked assembles the cluster device list exactly
// once, when the device propagation barrier passes. Tasks are merged in
// lexicographic (job, id) order so the result is deterministic.
func (s *standalone) aggregateClusterDevicesLocked() {
	ordered := make([]Task, 0, len(s.clusterState))
	for name := range s.clusterState {
		ordered = append(ordered, TaskFromName(name))
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].JobName != ordered[j].JobName {
			return ordered[i].JobName < ordered[j].JobName
		}
		return ordered[i].TaskID < ordered[j].TaskID
	})
	for _, t := range ordered {
		s.clusterDevices.Merge(s.clusterState[t.Name()].devices)
	}
	if s.postAggregate != nil {
		s.clusterDevices = s.postAggregate(s.clusterDevices)
	}
}
