// pingtest is a standalone reachability check: it pings the given hosts a
// few times and prints the statistics. Useful for verifying privileges and
// connectivity before deploying a prober on a new vantage point.
package main

import (
	"fmt"
	"os"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	flag "github.com/spf13/pflag"
)

func main() {
	countFlag := flag.Int("count", 3, "number of pings per host")
	timeoutFlag := flag.Duration("timeout", 5*time.Second, "overall timeout per host")
	privilegedFlag := flag.Bool("privileged", true, "use raw sockets (requires CAP_NET_RAW)")
	flag.Parse()

	hosts := flag.Args()
	if len(hosts) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pingtest [flags] host [host...]")
		os.Exit(2)
	}

	failed := false
	for _, host := range hosts {
		pinger, err := probing.NewPinger(host)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", host, err)
			failed = true
			continue
		}
		pinger.SetPrivileged(*privilegedFlag)
		pinger.Count = *countFlag
		pinger.Timeout = *timeoutFlag
		if err := pinger.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", host, err)
			failed = true
			continue
		}
		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 {
			fmt.Printf("%s: no reply (%d sent)\n", host, stats.PacketsSent)
			failed = true
			continue
		}
		fmt.Printf("%s: %d/%d replies, rtt min/avg/max = %v/%v/%v\n",
			host, stats.PacketsRecv, stats.PacketsSent,
			stats.MinRtt, stats.AvgRtt, stats.MaxRtt)
	}
	if failed {
		os.Exit(1)
	}
}
