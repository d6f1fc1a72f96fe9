package model

import "time"

// UsageLogEntry records one request that reached key validation.
type UsageLogEntry struct {
	ID           string    `json:"id"`
	KeyHash      string    `json:"-"`
	ClientIP     string    `json:"client_ip"`
	Endpoint     string    `json:"endpoint"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseCode int       `json:"response_code"`
}

// UsageStats summarises a key's usage log over a trailing period.
type UsageStats struct {
	PeriodDays    int             `json:"period_days"`
	TotalRequests int             `json:"total_requests"`
	ErrorRequests int             `json:"error_requests"`
	UniqueIPs     int             `json:"unique_ips"`
	Endpoints     map[string]int  `json:"endpoints"`
	Recent        []UsageLogEntry `json:"recent"`
}
