// Package domain models American Community Survey (ACS) housing data and the
// derivation of named housing metrics from raw survey variables.
//
// # Data Source
//
// Estimates come from the Census Bureau data API at https://api.census.gov/data.
// A request names a vintage (release year), a dataset and a geography:
//
//	GET /data/2023/acs/acs1?get=NAME,B25001_001E&for=state:*
//	GET /data/2023/acs/acs5?get=NAME,B25001_001E&for=county:*&in=state:08
//
// The response is a JSON array of string arrays. The first row is the header:
// the requested variables followed by the geography columns ("us", "state",
// "county"). Every later row is one geographic entity.
//
// # ACS Conventions
//
// Variable codes:
//
//	"<table>_<line><suffix>"  →  e.g. "B25106_028E"
//	table B25106 (tenure by housing costs as a percentage of income), line 028,
//	suffix E = estimate (M would be the margin of error).
//
// Datasets:
//
//	acs1: 1-year estimates for geographies of 65,000+ people (states, the
//	      nation, large counties). No standard 2020 release exists because of
//	      pandemic collection problems, so 2020 is skipped for acs1.
//	acs5: 5-year estimates covering every county; used for county views.
//
// Missing values:
//
//	Nulls, unparseable strings and the Census annotation sentinels
//	(-666666666, -999999999, -888888888, -222222222, -333333333,
//	-555555555) are dropped during melting. A metric whose inputs are
//	missing, or whose denominator is zero, is skipped rather than reported
//	as zero.
//
// # Derivation
//
// Raw observations are melted into long rows (entity, year, variable, value),
// pivoted into one wide row per entity and year, and then evaluated against
// declarative [MetricDef] values: a direct variable, a sum of variables, or a
// scaled ratio of summed numerator and denominator variables. Cumulative
// change, breakdowns and the county-versus-state comparison are all built on
// the same evaluation so the numbers agree across levels and views.
//
// Housing burdened: a household spending more than 30% of its income on
// housing costs. Burden shares divide the burdened household count of a
// bracket by that bracket's total (e.g. B25106_028E / B25106_025E for renters
// earning under $20,000).
package domain
