package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// pingKeys are the top-level fields a Ping run produces.
var pingKeys = []string{
	"alive",
	"num_alive",
	"unresponsive",
	"num_unresponsive",
	"times",
	"min_time",
	"max_time",
}

// unresponsiveTime, in seconds, is the time charged to a host that
// never answered, so that min/max times stay meaningful.
const unresponsiveTime = 100.0

var pingTimeRe = regexp.MustCompile(`time[=<]([0-9.]+)\s*ms`)

// Ping checks that hosts are reachable, recording per-host round-trip
// times.
type Ping struct {
	Hosts []string `json:"hosts"`

	// Count of echo requests per host.  Defaults to 3.
	Count int `json:"count,omitempty"`

	// Encoding of the ping output.  Only "utf-8" is supported.
	Encoding string `json:"encoding,omitempty"`
}

func (p *Ping) CheckResultKey(key string) error {
	head := strings.SplitN(key, ".", 2)[0]
	for _, known := range pingKeys {
		if head == known {
			return nil
		}
	}
	return &UnknownKeyError{Key: key, Keys: pingKeys}
}

// Run pings every host concurrently and summarizes the results.
func (p *Ping) Run(ctx context.Context) (Result, error) {
	count := p.Count
	if count <= 0 {
		count = 3
	}

	type outcome struct {
		host    string
		alive   bool
		seconds float64
	}

	outcomes := make([]outcome, len(p.Hosts))
	var wg sync.WaitGroup
	for i, host := range p.Hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			seconds, err := pingHost(ctx, host, count)
			if err != nil {
				outcomes[i] = outcome{host: host, seconds: unresponsiveTime}
				return
			}
			outcomes[i] = outcome{host: host, alive: true, seconds: seconds}
		}(i, host)
	}
	wg.Wait()

	var (
		alive        []string
		unresponsive []string
		times        = make(map[string]interface{}, len(p.Hosts))
		minTime      float64
		maxTime      float64
	)
	for i, o := range outcomes {
		times[o.host] = o.seconds
		if o.alive {
			alive = append(alive, o.host)
		} else {
			unresponsive = append(unresponsive, o.host)
		}
		if i == 0 || o.seconds < minTime {
			minTime = o.seconds
		}
		if o.seconds > maxTime {
			maxTime = o.seconds
		}
	}

	return Result{
		"alive":            alive,
		"num_alive":        len(alive),
		"unresponsive":     unresponsive,
		"num_unresponsive": len(unresponsive),
		"times":            times,
		"min_time":         minTime,
		"max_time":         maxTime,
	}, nil
}

// pingHost runs one ping subprocess and returns the worst round-trip
// time in seconds.
func pingHost(ctx context.Context, host string, count int) (float64, error) {
	countFlag := "-c"
	if runtime.GOOS == "windows" {
		countFlag = "-n"
	}
	cmd := exec.CommandContext(ctx, "ping", countFlag, strconv.Itoa(count), host)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", host, err)
	}
	return parsePingTimes(string(out))
}

// parsePingTimes extracts the worst "time=12.3 ms" figure from ping
// output, converted to seconds.
func parsePingTimes(out string) (float64, error) {
	matches := pingTimeRe.FindAllStringSubmatch(out, -1)
	if 0 == len(matches) {
		return 0, fmt.Errorf("no round-trip times in ping output")
	}
	var worst float64
	for _, m := range matches {
		ms, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, err
		}
		if s := ms / 1000; s > worst {
			worst = s
		}
	}
	return worst, nil
}
