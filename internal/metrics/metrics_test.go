package metrics

import (
	"testing"
)

func TestInitReturnsSameInstance(t *testing.T) {
	m1 := Init(nil)
	m2 := Init(nil)

	if m1 == nil {
		t.Fatal("Init returned nil")
	}
	if m1 != m2 {
		t.Error("Init should return the same instance on repeated calls")
	}
}

func TestCountersAppearInGather(t *testing.T) {
	m := Init(nil)

	m.UploadsTotal.WithLabelValues("local", "ok").Inc()
	m.QuotaReservations.WithLabelValues("denied").Add(3)
	m.ConnectedUsers.Set(2)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	want := map[string]bool{
		"fileflow_uploads_total":            false,
		"fileflow_quota_reservations_total": false,
		"fileflow_connected_users":          false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s not found in gathered metrics", name)
		}
	}
}

func TestUploadOutcomeLabels(t *testing.T) {
	m := Init(nil)

	m.UploadsTotal.WithLabelValues("object-store", "ok").Inc()
	m.UploadsTotal.WithLabelValues("object-store", "denied").Inc()

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() != "fileflow_uploads_total" {
			continue
		}
		outcomes := make(map[string]bool)
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" {
					outcomes[lp.GetValue()] = true
				}
			}
		}
		if !outcomes["ok"] || !outcomes["denied"] {
			t.Errorf("expected ok and denied outcome labels, got %v", outcomes)
		}
		return
	}
	t.Error("fileflow_uploads_total not found")
}
