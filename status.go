package ssehub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

// ReportingStatus is snapshot of metadata about the status of a Server
//
// It can be serialized to JSON and is what gets reported to admin API endpoint.
type ReportingStatus struct {
	Node        string         `json:"node"`
	Status      string         `json:"status"`
	Reported    int64          `json:"reported_at"`
	StartupTime int64          `json:"startup_time"`
	SentMsgs    uint64         `json:"msgs_broadcast"`
	LastEventID string         `json:"last_event_id"`
	Connections connStatusList `json:"connections"`
}

// implements sort.Interface to enable []connectionStatus to be sorted by age
type connStatusList []connectionStatus

func (cl connStatusList) Len() int           { return len(cl) }
func (cl connStatusList) Swap(i, j int)      { cl[i], cl[j] = cl[j], cl[i] }
func (cl connStatusList) Less(i, j int) bool { return cl[i].Created < cl[j].Created }

type statusReporter interface {
	Status() connectionStatus
}

// Status returns the ReportingStatus for a given server.
//
// Primarily intended for logging and reporting.
func (s *Server) Status(ctx context.Context) ReportingStatus {
	stats := ReportingStatus{
		Node:        fmt.Sprintf("%s-%s", env(), nodeName()),
		Status:      "OK",
		Reported:    time.Now().Unix(),
		Connections: connStatusList{},
	}

	snap, err := s.hub.snapshot(ctx)
	switch {
	case errors.Is(err, ErrHubClosed):
		stats.Status = "SHUTDOWN"
		return stats
	case err != nil:
		stats.Status = "UNAVAILABLE"
		return stats
	}
	stats.StartupTime = snap.startupTime.Unix()
	stats.SentMsgs = snap.sentMsgs

	if id, err := s.storage.LastEventID(ctx); err != nil {
		stats.Status = "DEGRADED"
	} else {
		stats.LastEventID = id
	}

	for _, sub := range snap.subscribers {
		cs := connectionStatus{Subscriber: sub.id, Topics: sub.selectors, Created: sub.created.Unix()}
		if r, ok := sub.sink.(statusReporter); ok {
			cs = r.Status()
		}
		cs.State = sub.state.String()
		stats.Connections = append(stats.Connections, cs)
	}
	sort.Sort(stats.Connections)

	return stats
}

// Attempts to intelligently get the name of the node we are running on.
//
// First checks for a Heroku $DYNO variable (e.g. `web.2` etc), if that isn't
// found will default to the local hostname.
func nodeName() string {
	if dyno := os.Getenv("DYNO"); dyno != "" {
		return dyno
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown.X"
}

// A string representing the environment (dev/staging/prod), for reporting.
func env() string {
	if env := os.Getenv("GO_ENV"); env != "" {
		return env
	}
	return "development"
}
