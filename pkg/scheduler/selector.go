package scheduler

import (
	"sort"

	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/device"
)

// selectDevice implements §4.4 step 3's deterministic tie-break:
// explicit device_id wins outright (IsEligible already restricts an
// explicit binding to its one named device); otherwise the least-loaded
// eligible device by tasks dispatched this session, with ties broken
// by device id. Generalized from the teacher's round-robin/
// least-connections dual strategy (pkg/scheduler/load_balancer.go) to
// a single deterministic ordering, since the spec calls for
// reproducible scheduling rather than a configurable strategy knob.
func selectDevice(binding constellation.DeviceBinding, records []device.Record) *device.Record {
	want := device.Binding{DeviceID: binding.DeviceID, Capabilities: binding.Capabilities, OS: binding.OS}

	eligible := make([]device.Record, 0, len(records))
	for _, r := range records {
		if r.IsEligible(want) {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		li, lj := eligible[i].TasksDispatched(), eligible[j].TasksDispatched()
		if li != lj {
			return li < lj
		}
		return eligible[i].DeviceID < eligible[j].DeviceID
	})
	chosen := eligible[0]
	return &chosen
}
