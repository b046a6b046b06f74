package domain

// MinVintage is the first ACS release year.
const MinVintage = 2005

// pandemicYear has no standard 1-year release.
const pandemicYear = 2020

// FetchYears lists the vintages to request for dataset between start and
// latest inclusive. 2020 is skipped for acs1.
func FetchYears(dataset Dataset, start, latest int) []int {
	if start < MinVintage {
		start = MinVintage
	}
	var years []int
	for y := start; y <= latest; y++ {
		if dataset == ACS1 && y == pandemicYear {
			continue
		}
		years = append(years, y)
	}
	return years
}
