// Package query answers filtered reads over the flow store. Queries are
// accepted synchronously and evaluated on the worker pool; the caller gets a
// Future that can be waited on, observed through a callback, or both.
package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/skupperproject/flowcache/pkg/flowcache"
)

// Query selects records from one database. Every filter that is set must
// hold for a record to be returned; unset filters match anything.
type Query struct {
	Database string `json:"database"`
	// Application names the requester. It is echoed back in the response.
	Application string `json:"application,omitempty"`
	// Switch restricts the query to one switch. Zero means all switches.
	Switch   flowcache.DPID     `json:"switch,omitempty"`
	Match    *flowcache.Match   `json:"match,omitempty"`
	Actions  []flowcache.Action `json:"actions,omitempty"`
	PathID   *uint64            `json:"pathId,omitempty"`
	Cookie   *uint64            `json:"cookie,omitempty"`
	Priority *uint16            `json:"priority,omitempty"`
	Status   *flowcache.Status  `json:"status,omitempty"`
	// Expression is an additional boolean expression over the record.
	Expression string `json:"expr,omitempty"`

	// Refresh asks the switches in scope for their flow tables before
	// evaluating.
	Refresh bool `json:"refresh,omitempty"`
	// AllowStale answers from cache when a refresh does not complete in time
	// instead of failing the query.
	AllowStale bool `json:"allowStale,omitempty"`

	// Callback is invoked exactly once with the final Response.
	Callback func(Response) `json:"-"`
}

type Response struct {
	QueryID     uuid.UUID          `json:"queryId"`
	Database    string             `json:"database"`
	Application string             `json:"application,omitempty"`
	Records     []flowcache.Record `json:"records"`
	// Stale lists switches whose refresh did not complete; their records
	// come from cache.
	Stale       []flowcache.DPID `json:"stale,omitempty"`
	EvaluatedAt time.Time        `json:"evaluatedAt"`
	Err         error            `json:"-"`
}

// StalenessPolicy decides when a query triggers a refresh on its own.
type StalenessPolicy struct {
	// MaxAge is how long a switch's last reconciliation stays fresh. Zero
	// disables automatic refresh.
	MaxAge time.Duration `json:"maxAge" yaml:"maxAge"`
	// RefreshTimeout bounds the wait for switches to answer a refresh.
	RefreshTimeout time.Duration `json:"refreshTimeout" yaml:"refreshTimeout"`
}

const DefaultRefreshTimeout = 5 * time.Second

func (p StalenessPolicy) refreshTimeout() time.Duration {
	if p.RefreshTimeout <= 0 {
		return DefaultRefreshTimeout
	}
	return p.RefreshTimeout
}
