package types

import (
	"time"
)

// PlanType identifies a subscription plan
type PlanType string

const (
	PlanTrial      PlanType = "trial"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"
)

// PlanLimits defines the quota attached to a plan
type PlanLimits struct {
	MaxConcurrent  int   `yaml:"max_concurrent"`
	MaxBandwidthGB int64 `yaml:"max_bandwidth_gb"`
}

// DefaultPlanLimits is the built-in plan table. It can be overridden from a
// YAML file at startup.
var DefaultPlanLimits = map[PlanType]PlanLimits{
	PlanTrial:      {MaxConcurrent: 1, MaxBandwidthGB: 10},
	PlanPro:        {MaxConcurrent: 5, MaxBandwidthGB: 500},
	PlanEnterprise: {MaxConcurrent: 20, MaxBandwidthGB: 5000},
}

// User represents an account that owns tunnel instances
type User struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	Name         string     `db:"name"`
	Plan         PlanType   `db:"plan"`
	PlanExpires  *time.Time `db:"plan_expires"`
	IsAdmin      bool       `db:"is_admin"`
	CreatedAt    time.Time  `db:"created_at"`
}

// PlanExpired reports whether the user's plan has lapsed at the given time.
func (u *User) PlanExpired(now time.Time) bool {
	return u.PlanExpires != nil && u.PlanExpires.Before(now)
}

// InstanceStatus is the status universe for a tunnel instance
type InstanceStatus string

const (
	// StatusInactive means the instance exists but has never connected
	StatusInactive InstanceStatus = "inactive"
	// StatusStarting means a connect was issued and the relay callback is pending
	StatusStarting InstanceStatus = "starting"
	// StatusActive means the relay reports the tunnel as connected
	StatusActive InstanceStatus = "active"
	// StatusOnline means the instance is reporting healthy heartbeats
	StatusOnline InstanceStatus = "online"
	// StatusIdle means connected but no user activity within the idle window
	StatusIdle InstanceStatus = "idle"
	// StatusDegraded means connected but a component reports not responsive
	StatusDegraded InstanceStatus = "degraded"
	// StatusOffline means no recent heartbeat or a relay-reported disconnect
	StatusOffline InstanceStatus = "offline"
	// StatusError means connect preconditions failed or timed out
	StatusError InstanceStatus = "error"
)

// Instance represents a tunnel endpoint owned by a user
type Instance struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	Name            string         `db:"name"`
	LocalPort       int            `db:"local_port"`
	Region          string         `db:"region"`
	PreferredHost   *string        `db:"preferred_host"`
	AssignedRelay   *string        `db:"assigned_relay"`
	Status          InstanceStatus `db:"status"`
	StatusReason    string         `db:"status_reason"`
	TunnelConnected bool           `db:"tunnel_connected"`
	PublicURL       *string        `db:"public_url"`
	RemotePort      *int           `db:"remote_port"`
	CurrentToken    *string        `db:"current_token"`
	TokenExpiresAt  *time.Time     `db:"token_expires_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Connected reports whether the instance is in a connected-family status.
func (i *Instance) Connected() bool {
	switch i.Status {
	case StatusActive, StatusOnline, StatusIdle, StatusDegraded:
		return true
	}
	return false
}

// TunnelToken is a single-use opaque credential consumed by relays
type TunnelToken struct {
	Token      string    `db:"token"`
	InstanceID string    `db:"instance_id"`
	UserID     string    `db:"user_id"`
	ExpiresAt  time.Time `db:"expires_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// RefreshToken is the opaque credential backing JWT refresh
type RefreshToken struct {
	Token     string    `db:"token"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

// HealthSample is an append-only health report carried on a heartbeat
type HealthSample struct {
	InstanceID        string    `db:"instance_id"`
	Timestamp         time.Time `db:"ts"`
	VSCodeResponsive  *bool     `db:"vscode_responsive"`
	LastActivityEpoch *int64    `db:"last_activity_epoch"`
	CPUPct            *float64  `db:"cpu_pct"`
	MemBytes          *int64    `db:"mem_bytes"`
	HasCodeServer     bool      `db:"has_code_server"`
}

// StatusHistoryEntry records one status transition for an instance
type StatusHistoryEntry struct {
	InstanceID string         `db:"instance_id"`
	Timestamp  time.Time      `db:"ts"`
	Status     InstanceStatus `db:"status"`
	Reason     string         `db:"reason"`
}

// RelayStatus represents the health state of a relay
type RelayStatus string

const (
	RelayActive    RelayStatus = "active"
	RelayUnhealthy RelayStatus = "unhealthy"
	RelayInactive  RelayStatus = "inactive"
)

// Relay is an externally-deployed tunnel server
type Relay struct {
	ID              string      `db:"id"`
	Host            string      `db:"host"`
	Port            int         `db:"port"`
	Location        string      `db:"location"`
	MaxTunnels      int         `db:"max_tunnels"`
	MaxBandwidth    float64     `db:"max_bw_mbps"`
	CurrentLoad     int         `db:"current_load"`
	CurrentBW       float64     `db:"current_bw_mbps"`
	Status          RelayStatus `db:"status"`
	LastHealthCheck time.Time   `db:"last_health_check"`
}

// Utilization returns the relay's utilization percentage: the worse of
// tunnel-slot and bandwidth usage.
func (r *Relay) Utilization() float64 {
	var slots, bw float64
	if r.MaxTunnels > 0 {
		slots = float64(r.CurrentLoad) / float64(r.MaxTunnels)
	}
	if r.MaxBandwidth > 0 {
		bw = r.CurrentBW / r.MaxBandwidth
	}
	if bw > slots {
		return bw * 100
	}
	return slots * 100
}

// RelayDetail is the per-server slice of FleetStats
type RelayDetail struct {
	ID             string  `json:"serverId"`
	Location       string  `json:"location"`
	Load           int     `json:"load"`
	MaxTunnels     int     `json:"maxTunnels"`
	UtilizationPct float64 `json:"utilizationPct"`
}

// FleetStats is the aggregate view over active relays used by capacity
// admission and ops dashboards.
type FleetStats struct {
	ServerCount      int           `json:"serverCount"`
	TotalCapacity    int           `json:"totalCapacity"`
	TotalLoad        int           `json:"totalLoad"`
	UtilizationPct   float64       `json:"utilizationPct"`
	TotalBandwidth   float64       `json:"totalBwGbps"`
	UsedBandwidth    float64       `json:"usedBwGbps"`
	BWUtilizationPct float64       `json:"bwUtilizationPct"`
	Servers          []RelayDetail `json:"servers"`
}
