package querylog

import (
	"github.com/robotnikz/sentinel-dns-sub002/pkg/geoip"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

// GridPoint is one 0.1-degree-bucketed marker on the geo-distribution view.
type GridPoint struct {
	Lat, Lon float64
	Count    int
}

// GeoSummary is the aggregated result of classifying a batch of log
// entries by destination IP.
type GeoSummary struct {
	ByCountry map[string]int
	Points    []GridPoint
	Missing   map[geoip.MissingReason]int
}

// AggregateGeo classifies each entry's first answer IP (or the reason it
// has none) and buckets coordinates to the grid.
func AggregateGeo(reader *geoip.Reader, entries []storage.QueryLogEntry) GeoSummary {
	summary := GeoSummary{ByCountry: map[string]int{}, Missing: map[geoip.MissingReason]int{}}
	points := map[[2]float64]int{}

	for _, e := range entries {
		if len(e.AnswerIPs) == 0 {
			if e.Status == "BLOCKED" || e.Status == "SHADOW_BLOCKED" {
				summary.Missing[geoip.ReasonBlockedNoIP]++
			} else {
				summary.Missing[geoip.ReasonNoIPAnswer]++
			}
			continue
		}

		loc, reason := reader.Lookup(e.AnswerIPs[0])
		if reason != "" {
			summary.Missing[reason]++
			continue
		}

		country := loc.Country
		if country == "" {
			country = "Unknown"
		}
		summary.ByCountry[country]++

		if loc.HasCoords {
			key := [2]float64{loc.Lat, loc.Lon}
			points[key]++
		}
	}

	for key, count := range points {
		summary.Points = append(summary.Points, GridPoint{Lat: key[0], Lon: key[1], Count: count})
	}
	return summary
}
