package types

import "time"

// Options is the single mutable record of runtime tunables consumed by the
// operators. Integer durations are expressed in seconds on the wire; the two
// TTL fields are duration strings such as "24h".
type Options struct {
	CleanupCompletedSessionTTL string `json:"cleanup_completed_session_ttl"`
	ComponentActualStateTTL    string `json:"component_actual_state_ttl"`
	DefaultRetryPolicy         int    `json:"default_retry_policy"`
	ForcefulShutdownWaitTime   int    `json:"forceful_shutdown_wait_time"`
	PollingFrequency           int    `json:"polling_frequency"`
	DiscoveryFrequency         int    `json:"discovery_frequency"`
	MaxComponentBatchSize      int    `json:"max_component_batch_size"`
	MaxImageManifestSize       int64  `json:"max_image_manifest_size"`
	PCSReadTimeout             int    `json:"pcs_read_timeout"`
	HSMReadTimeout             int    `json:"hsm_read_timeout"`
	BSSReadTimeout             int    `json:"bss_read_timeout"`
	IMSReadTimeout             int    `json:"ims_read_timeout"`
	CFSReadTimeout             int    `json:"cfs_read_timeout"`
	LoggingLevel               string `json:"logging_level"`
	RejectNids                 bool   `json:"reject_nids"`
	SessionLimitRequired       bool   `json:"session_limit_required"`
	IMSErrorsFatal             bool   `json:"ims_errors_fatal"`
	IMSImagesMustExist         bool   `json:"ims_images_must_exist"`
}

// PollingInterval returns the operator sleep between iterations.
func (o Options) PollingInterval() time.Duration {
	return secondsOrDefault(o.PollingFrequency, 15)
}

// DiscoveryInterval returns the discovery operator sleep between iterations.
func (o Options) DiscoveryInterval() time.Duration {
	return secondsOrDefault(o.DiscoveryFrequency, 300)
}

// ForcefulWait returns how long a graceful power off may run before the
// forceful operator escalates.
func (o Options) ForcefulWait() time.Duration {
	return secondsOrDefault(o.ForcefulShutdownWaitTime, 300)
}

// SessionRetention returns how long completed sessions are kept before the
// cleanup operator deletes them.
func (o Options) SessionRetention() time.Duration {
	return ttlOrDefault(o.CleanupCompletedSessionTTL, 24*time.Hour)
}

// ActualStateTTL returns how long an observed actual state stays fresh.
func (o Options) ActualStateTTL() time.Duration {
	return ttlOrDefault(o.ComponentActualStateTTL, 4*time.Hour)
}

// BatchSize returns the cap on component batches handed to external calls.
func (o Options) BatchSize() int {
	if o.MaxComponentBatchSize > 0 {
		return o.MaxComponentBatchSize
	}
	return 1000
}

// ReadTimeout returns the per-call read timeout for the named service.
func (o Options) ReadTimeout(service string) time.Duration {
	var secs int
	switch service {
	case "pcs":
		secs = o.PCSReadTimeout
	case "hsm":
		secs = o.HSMReadTimeout
	case "bss":
		secs = o.BSSReadTimeout
	case "ims":
		secs = o.IMSReadTimeout
	case "cfs":
		secs = o.CFSReadTimeout
	}
	return secondsOrDefault(secs, 20)
}

// ManifestSizeLimit caps image manifest responses before decoding.
func (o Options) ManifestSizeLimit() int64 {
	if o.MaxImageManifestSize > 0 {
		return o.MaxImageManifestSize
	}
	return 1 << 20
}

func secondsOrDefault(secs int, def time.Duration) time.Duration {
	if secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

// ttlOrDefault parses Go duration strings like "24h" or "30m". A bare
// integer such as "3600" does not parse and yields def.
func ttlOrDefault(ttl string, def time.Duration) time.Duration {
	if ttl == "" {
		return def
	}
	if d, err := time.ParseDuration(ttl); err == nil && d > 0 {
		return d
	}
	return def
}
