package device

import (
	"sort"
	"testing"
)

func TestDriverInfoListSorting(t *testing.T) {
	origlist := DriverInfoList{
		{Order: DetectOrderACPI},
		{Order: DetectOrderLast},
		{Order: DetectOrderBeforeACPI},
		{Order: DetectOrderEarly},
	}

	sorted := make(DriverInfoList, len(origlist))
	copy(sorted, origlist)
	sort.Sort(sorted)

	expOrder := []int{3, 2, 0, 1}
	for i, exp := range expOrder {
		if sorted[i] != origlist[exp] {
			t.Errorf("expected sorted entry %d to be %v; got %v", i, origlist[exp], sorted[i])
		}
	}
}
