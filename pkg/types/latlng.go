package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
)

// LatLng is a WGS84 coordinate pair persisted as JSONB.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether both coordinates are exactly zero. The null
// island point is treated as a missing reading, never a real position.
func (l LatLng) IsZero() bool {
	return l.Lat == 0 && l.Lng == 0
}

// Validate checks coordinate ranges and rejects the zero point.
// Coordinates must be finite numbers.
func (l LatLng) Validate() error {
	if math.IsNaN(l.Lat) || math.IsInf(l.Lat, 0) || math.IsNaN(l.Lng) || math.IsInf(l.Lng, 0) {
		return fmt.Errorf("latlng: coordinates must be finite")
	}
	if l.IsZero() {
		return fmt.Errorf("latlng: zero coordinates")
	}
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latlng: lat %f out of range", l.Lat)
	}
	if l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("latlng: lng %f out of range", l.Lng)
	}
	return nil
}

// Value marshals the pair into JSON for Postgres.
func (l LatLng) Value() (driver.Value, error) {
	buf, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Scan decodes JSONB into the pair.
func (l *LatLng) Scan(value interface{}) error {
	if value == nil {
		*l = LatLng{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("latlng: unsupported scan type %T", value)
	}

	var result LatLng
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	*l = result
	return nil
}
