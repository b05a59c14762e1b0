package sessions

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/fleetscope/winops/internal/logging"
)

const (
	defaultConcurrency = 8
	defaultHostTimeout = 30 * time.Second
)

// Config tunes the fan-out.
type Config struct {
	// LocalHost is the name substituted when a query names no hosts.
	LocalHost string
	// Concurrency caps in-flight per-host tasks.
	Concurrency int
	// HostTimeout bounds a single host's walk.
	HostTimeout time.Duration
}

// Enumerator runs the per-host discovery concurrently and merges results.
type Enumerator struct {
	source      Source
	localHost   string
	concurrency int
	hostTimeout time.Duration
}

func New(source Source, cfg Config) *Enumerator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = defaultHostTimeout
	}
	return &Enumerator{
		source:      source,
		localHost:   cfg.LocalHost,
		concurrency: cfg.Concurrency,
		hostTimeout: cfg.HostTimeout,
	}
}

type hostResult struct {
	host     string
	sessions []UserSession
	err      error
}

// Enumerate fans the per-host walk out across query.Hosts and reduces the
// merged lists according to the query mode. Each task returns its own list
// over a buffered channel, so late finishers after cancellation park their
// results harmlessly. Per-host failures land in Result.HostErrors; only an
// empty effective host list is an error.
func (e *Enumerator) Enumerate(ctx context.Context, q Query) (*Result, error) {
	hosts := normalizeHosts(q.Hosts, e.localHost)
	if len(hosts) == 0 {
		return nil, errors.New("no hosts to query")
	}

	results := make(chan hostResult, len(hosts))
	sem := make(chan struct{}, e.concurrency)

	for _, host := range hosts {
		go func(host string) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- hostResult{host: host, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			hctx, cancel := context.WithTimeout(ctx, e.hostTimeout)
			defer cancel()

			found, err := e.source.Sessions(hctx, host)
			results <- hostResult{host: host, sessions: found, err: err}
		}(host)
	}

	res := &Result{HostErrors: make(map[string]HostError)}
	answered := make(map[string]bool, len(hosts))
	var all []UserSession

collect:
	for len(answered) < len(hosts) {
		select {
		case r := <-results:
			answered[r.host] = true
			if r.err != nil {
				he := classify(r.err)
				res.HostErrors[r.host] = he
				log.Warn("host query failed",
					logging.KeyHost, r.host,
					"kind", string(he.Kind),
					logging.KeyError, r.err)
				continue
			}
			all = append(all, r.sessions...)
		case <-ctx.Done():
			res.Partial = true
			break collect
		}
	}

	if res.Partial {
		msg := ctx.Err().Error()
		for _, host := range hosts {
			if !answered[host] {
				res.HostErrors[host] = HostError{Kind: KindCancelled, Message: msg}
			}
		}
	}

	if q.UsernameFilter != "" {
		res.MatchedHosts = filterHosts(all, q.UsernameFilter)
	} else {
		sortSessions(all)
		res.Sessions = all
	}

	if len(res.HostErrors) == 0 {
		res.HostErrors = nil
	}
	return res, nil
}

// filterHosts reduces to the sorted, deduplicated set of hosts where some
// session's username contains the filter case-insensitively. Scanning stops
// at a host's first match; membership, not the matching username, is the
// output.
func filterHosts(all []UserSession, filter string) []string {
	needle := strings.ToLower(filter)
	matched := make(map[string]bool)
	var hosts []string
	for _, s := range all {
		if matched[s.Host] {
			continue
		}
		if strings.Contains(strings.ToLower(s.Username), needle) {
			matched[s.Host] = true
			hosts = append(hosts, s.Host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// sortSessions orders rows by host, then username, so output does not
// depend on registry enumeration order.
func sortSessions(all []UserSession) {
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Host != all[j].Host {
			return all[i].Host < all[j].Host
		}
		return all[i].Username < all[j].Username
	})
}

// normalizeHosts trims, deduplicates case-insensitively, and substitutes
// the local host for an empty list.
func normalizeHosts(hosts []string, localHost string) []string {
	out := make([]string, 0, len(hosts))
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	if len(out) == 0 && localHost != "" {
		out = append(out, localHost)
	}
	return out
}
