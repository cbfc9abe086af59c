// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for audiocast spans.
const (
	AttrJobID       = attribute.Key("audiocast.job.id")
	AttrStrategy    = attribute.Key("audiocast.job.strategy")
	AttrFormat      = attribute.Key("audiocast.job.format")
	AttrBitrate     = attribute.Key("audiocast.job.bitrate")
	AttrSourceCount = attribute.Key("audiocast.job.source_count")
	AttrAttempt     = attribute.Key("audiocast.job.attempt")
	AttrCacheKey    = attribute.Key("audiocast.cache.key")
	AttrCacheHit    = attribute.Key("audiocast.cache.hit")
	AttrBytes       = attribute.Key("audiocast.stream.bytes")
)
