package domain

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeography(t *testing.T) {
	t.Run("county within state", func(t *testing.T) {
		g, err := ParseGeography("county:*", "state:08")
		require.NoError(t, err)
		assert.Equal(t, Geography{Level: LevelCounty, Code: "*", Within: "state:08"}, g)
		assert.Equal(t, "county:*", g.String())
	})

	t.Run("nation", func(t *testing.T) {
		g, err := ParseGeography("us:1", "")
		require.NoError(t, err)
		assert.Equal(t, LevelUS, g.Level)
		assert.Empty(t, g.Within)
	})

	t.Run("errors", func(t *testing.T) {
		for _, tc := range [][2]string{
			{"county", ""},
			{"tract:*", ""},
			{"county:", ""},
			{"county:*", "state08"},
		} {
			_, err := ParseGeography(tc[0], tc[1])
			assert.ErrorIs(t, err, ErrUnknownGeography, "%q %q", tc[0], tc[1])
		}
	})
}

func TestParseDataset(t *testing.T) {
	d, err := ParseDataset("ACS5")
	require.NoError(t, err)
	assert.Equal(t, ACS5, d)

	_, err = ParseDataset("acs3")
	assert.Error(t, err)
}

func TestLookupState(t *testing.T) {
	for _, key := range []string{"Colorado", "colorado", "CO", "co", "08", " 08 "} {
		s, ok := LookupState(key)
		require.True(t, ok, key)
		assert.Equal(t, State{Name: "Colorado", Abbr: "CO", FIPS: "08"}, s)
	}

	s, ok := LookupState("PR")
	require.True(t, ok)
	assert.Equal(t, "72", s.FIPS)

	_, ok = LookupState("Atlantis")
	assert.False(t, ok)
	_, ok = LookupState("")
	assert.False(t, ok)

	assert.Len(t, States(), 52)
}

func TestCountyName(t *testing.T) {
	assert.Equal(t, "Denver County", CountyName("Denver County, Colorado"))
	assert.Equal(t, "Colorado", CountyName("Colorado"))
}

func TestFetchYears(t *testing.T) {
	assert.Equal(t, []int{2018, 2019, 2021, 2022}, FetchYears(ACS1, 2018, 2022))
	assert.Equal(t, []int{2018, 2019, 2020, 2021, 2022}, FetchYears(ACS5, 2018, 2022))
	assert.Equal(t, []int{2005, 2006}, FetchYears(ACS1, 1999, 2006))
	assert.Empty(t, FetchYears(ACS1, 2023, 2022))
}

func TestCurrentYear(t *testing.T) {
	SetClock(clockwork.NewFakeClockAt(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { SetClock(nil) })

	assert.Equal(t, 2024, CurrentYear())
}
