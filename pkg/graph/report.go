package graph

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
)

// ReportLine is one device category and its count.
type ReportLine struct {
	Category string
	Count    int
}

func (l ReportLine) String() string {
	return fmt.Sprintf("%s - Count: %d", l.Category, l.Count)
}

// DeviceCategory describes the operating system and management state of d.
func DeviceCategory(d Device) string {
	os := "null"
	if d.OperatingSystem != nil {
		os = *d.OperatingSystem
	}
	return fmt.Sprintf("OS: %s, isManaged: %t, isCompliant: %t",
		os, d.IsManaged != nil && *d.IsManaged, d.IsCompliant != nil && *d.IsCompliant)
}

// DeviceReport counts devices per category, largest first. It stops at the
// first error from devices.
func DeviceReport(devices iter.Seq2[Device, error]) ([]ReportLine, error) {
	counts := make(map[string]int)
	for d, err := range devices {
		if err != nil {
			return nil, err
		}
		counts[DeviceCategory(d)]++
	}

	lines := make([]ReportLine, 0, len(counts))
	for cat, n := range counts {
		lines = append(lines, ReportLine{Category: cat, Count: n})
	}
	slices.SortFunc(lines, func(a, b ReportLine) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return lines, nil
}
