package models

import (
	"testing"
	"time"
)

func TestModAfter(t *testing.T) {
	base := time.Unix(1000, 0)
	tests := []struct {
		name string
		a, b time.Time
		want bool
	}{
		{"strictly newer", base.Add(2 * time.Second), base, true},
		{"strictly older", base, base.Add(2 * time.Second), false},
		{"equal", base, base, false},
		{"sub-resolution difference", base.Add(300 * time.Millisecond), base, false},
		{"just past resolution", base.Add(time.Second), base, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ModAfter(tt.a, tt.b); got != tt.want {
				t.Errorf("ModAfter(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestModEqual(t *testing.T) {
	base := time.Unix(1000, 0)
	if !ModEqual(base, base.Add(500*time.Millisecond)) {
		t.Error("timestamps within resolution must compare equal")
	}
	if ModEqual(base, base.Add(time.Second)) {
		t.Error("timestamps a full resolution apart must differ")
	}
}

func TestInventoryCloneIsIndependent(t *testing.T) {
	orig := LocalInventory{"a.kml": LocalItem{Name: "a.kml", Size: 1}}
	clone := orig.Clone()
	clone["b.kml"] = LocalItem{Name: "b.kml"}
	if _, ok := orig["b.kml"]; ok {
		t.Error("clone shares storage with original")
	}
}
