// Package boottime reports when hosts last started. The local answer comes
// from the OS; remote answers ride the query transports as an epoch value.
package boottime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fleetscope/winops/internal/logging"
	"github.com/fleetscope/winops/internal/remote"
)

var log = logging.L("boottime")

// Report is one host's boot timestamp plus the derived uptime at the
// moment of collection.
type Report struct {
	Host          string    `json:"host" yaml:"host"`
	BootTime      time.Time `json:"bootTime" yaml:"bootTime"`
	UptimeSeconds int64     `json:"uptimeSeconds" yaml:"uptimeSeconds"`
}

// Source answers the boot-time question for a single host.
type Source interface {
	BootTime(ctx context.Context, host string) (time.Time, error)
}

type routedSource struct {
	localHost string
	exec      remote.Executor
}

// NewRoutedSource resolves the local host through the OS and everything
// else through exec.
func NewRoutedSource(localHost string, exec remote.Executor) Source {
	return &routedSource{localHost: localHost, exec: exec}
}

func (s *routedSource) BootTime(ctx context.Context, hostName string) (time.Time, error) {
	if remote.IsLocal(hostName, s.localHost) {
		return localBootTime(ctx)
	}

	if s.exec == nil {
		return time.Time{}, errors.New("no remote executor configured")
	}
	payload, err := s.exec.Query(ctx, hostName, remote.TaskBootTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	return DecodeBootTime(payload)
}

// DecodeBootTime extracts the epoch a remote task reported.
func DecodeBootTime(payload []byte) (time.Time, error) {
	v := gjson.GetBytes(payload, "bootEpoch")
	if !v.Exists() {
		return time.Time{}, fmt.Errorf("payload missing bootEpoch: %s", payload)
	}
	return time.Unix(v.Int(), 0).UTC(), nil
}

// Collector fans the boot-time question out across hosts.
type Collector struct {
	source      Source
	concurrency int
	timeout     time.Duration
}

func NewCollector(source Source, concurrency int, timeout time.Duration) *Collector {
	if concurrency <= 0 {
		concurrency = 8
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Collector{source: source, concurrency: concurrency, timeout: timeout}
}

// Collect queries every host and returns reports sorted by host name.
// Failures land in the second return value keyed by host; a failed host
// never suppresses the others.
func (c *Collector) Collect(ctx context.Context, hosts []string) ([]Report, map[string]string) {
	type answer struct {
		report Report
		err    error
	}

	now := time.Now()
	sem := make(chan struct{}, c.concurrency)
	answers := make(chan answer, len(hosts))
	var wg sync.WaitGroup

	for _, h := range hosts {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				answers <- answer{report: Report{Host: h}, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			hctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			bt, err := c.source.BootTime(hctx, h)
			answers <- answer{
				report: Report{
					Host:          h,
					BootTime:      bt,
					UptimeSeconds: int64(now.Sub(bt).Seconds()),
				},
				err: err,
			}
		}(h)
	}

	go func() {
		wg.Wait()
		close(answers)
	}()

	var reports []Report
	errs := make(map[string]string)
	for a := range answers {
		if a.err != nil {
			errs[a.report.Host] = a.err.Error()
			log.Warn("boot time query failed",
				logging.KeyHost, a.report.Host,
				logging.KeyError, a.err)
			continue
		}
		reports = append(reports, a.report)
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Host < reports[j].Host })
	if len(errs) == 0 {
		errs = nil
	}
	return reports, errs
}
