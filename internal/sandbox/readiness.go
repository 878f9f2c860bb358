package sandbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ProbeTarget is a port to probe for readiness: Dial is where the prober
// connects, URL is what gets announced once the dial succeeds.
type ProbeTarget struct {
	Port int
	Dial string
	URL  string
}

// LocalTargets builds probe targets for ports published on the host.
func LocalTargets(host string, ports []int) []ProbeTarget {
	targets := make([]ProbeTarget, 0, len(ports))
	for _, port := range ports {
		targets = append(targets, ProbeTarget{
			Port: port,
			Dial: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
			URL:  fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port))),
		})
	}
	return targets
}

// ProbeReadiness dials each target every interval until one accepts a TCP
// connection, then sends a ReadyEvent for it. Each target is announced at
// most once. The returned channel is closed when ctx is done or every target
// has been announced.
func ProbeReadiness(ctx context.Context, targets []ProbeTarget, interval time.Duration) <-chan ReadyEvent {
	ch := make(chan ReadyEvent, len(targets)+1)

	go func() {
		defer close(ch)

		pending := make(map[int]ProbeTarget, len(targets))
		for _, t := range targets {
			pending[t.Port] = t
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		dialer := &net.Dialer{Timeout: interval}
		for len(pending) > 0 {
			for port, t := range pending {
				conn, err := dialer.DialContext(ctx, "tcp", t.Dial)
				if err != nil {
					continue
				}
				_ = conn.Close()
				delete(pending, port)

				select {
				case ch <- ReadyEvent{Port: t.Port, URL: t.URL}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch
}
