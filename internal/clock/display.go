package clock

import "time"

const TimestampLayout = "2006-01-02T15:04:05"

// Local applies fixed zone offset to epoch seconds. Presentation only, no DST rules.
func Local(epoch int64, zoneOffsetSec int) time.Time {
	zone := time.FixedZone("", zoneOffsetSec)
	return time.Unix(epoch, 0).In(zone)
}

// FormatTimestamp renders epoch in local time as YYYY-MM-DDTHH:MM:SS.
func FormatTimestamp(epoch int64, zoneOffsetSec int) string {
	return Local(epoch, zoneOffsetSec).Format(TimestampLayout)
}
