package witness

import "testing"

func TestValidDeviceID(t *testing.T) {
	for id, want := range map[string]bool{
		"canary-ddeeff":    true,
		"canary-000001":    true,
		"canary-DDEEFF":    false,
		"canary-ddeef":     false,
		"canary-../../etc": false,
		"device-ddeeff":    false,
	} {
		if got := ValidDeviceID(id); got != want {
			t.Errorf("ValidDeviceID(%q) = %v, want %v", id, got, want)
		}
	}
	if _, err := NewCollector(nil).Ingest(Batch{DeviceID: "../x"}); err != ErrDeviceID {
		t.Errorf("Expected ErrDeviceID, got %v", err)
	}
}
