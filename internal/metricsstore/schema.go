package metricsstore

const schema = `
CREATE TABLE IF NOT EXISTS series (
	key TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS points (
	series_key TEXT NOT NULL REFERENCES series(key),
	ts TIMESTAMP NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (series_key, ts)
);
CREATE INDEX IF NOT EXISTS idx_points_series_ts ON points(series_key, ts);

CREATE TABLE IF NOT EXISTS points_downsampled (
	series_key TEXT NOT NULL,
	resolution TEXT NOT NULL,
	bucket_ts TIMESTAMP NOT NULL,
	value REAL NOT NULL,
	sample_count INTEGER NOT NULL,
	PRIMARY KEY (series_key, resolution, bucket_ts)
);
CREATE INDEX IF NOT EXISTS idx_points_downsampled_lookup ON points_downsampled(series_key, resolution, bucket_ts);
`

// Resolution names used for points_downsampled.resolution (spec §4.4's
// retention tiers: realtime series keep raw points for 1h, session series
// for 7d, tool series for 1d; downsampled rollups are kept for 1h/1d/7d
// respectively at increasingly coarse bucket widths).
const (
	Resolution1Min  = "1m"
	Resolution5Min  = "5m"
	Resolution1Hour = "1h"
)
