package reservation

import "testing"

func TestReserveAndRelease(t *testing.T) {
	r := New()
	if !r.Reserve("disk.hds", 0, 0) {
		t.Fatalf("first reservation should succeed")
	}
	if r.Reserve("disk.hds", 1, 0) {
		t.Fatalf("second device should not be able to reserve the same file")
	}
	if !r.Reserve("disk.hds", 0, 0) {
		t.Fatalf("the same holder re-reserving its own file should succeed")
	}

	r.Release("disk.hds", 0, 0)
	if !r.Reserve("disk.hds", 1, 0) {
		t.Fatalf("file should be reservable again after release")
	}
}

func TestReleaseByWrongHolderIsNoop(t *testing.T) {
	r := New()
	r.Reserve("disk.hds", 0, 0)
	r.Release("disk.hds", 1, 0)

	if id, ok := r.GetIDsForFile("disk.hds"); !ok || id.DeviceID != 0 {
		t.Fatalf("release by a non-holder should not remove the reservation")
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	r := New()
	r.Reserve("a.hds", 0, 0)
	snap := r.Snapshot()

	r.Reserve("b.hds", 1, 0)
	r.Release("a.hds", 0, 0)

	r.Restore(snap)

	if _, ok := r.GetIDsForFile("b.hds"); ok {
		t.Fatalf("restore should drop reservations made after the snapshot")
	}
	if _, ok := r.GetIDsForFile("a.hds"); !ok {
		t.Fatalf("restore should bring back a reservation released after the snapshot")
	}
}
